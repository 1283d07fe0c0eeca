// Package tokenizer implements byte-level byte-pair encoding over a
// Hugging Face tokenizer.json vocabulary.
package tokenizer

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/23skdu/longbow-mesh/internal/config"
)

// File is the vocabulary file name inside a model directory.
const File = "tokenizer.json"

// pretokenizer is the GPT-2 byte-level split pattern.
const pretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int
	// merges maps "left right" to its rank.
	merges  map[string]int
	special []string
	eot     int
	split   *regexp2.Regexp
}

type tokenizerJSON struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Model struct {
		Type   string          `json:"type"`
		Vocab  map[string]int  `json:"vocab"`
		Merges json.RawMessage `json:"merges"`
	} `json:"model"`
}

// Load reads tokenizer.json from a model directory. eot is the end-of-text
// token id from the model config.
func Load(dir string, eot int) (*Tokenizer, error) {
	path := filepath.Join(dir, File)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", config.ErrMissingFile, path)
		}
		return nil, err
	}
	t, err := Parse(raw, eot)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func Parse(raw []byte, eot int) (*Tokenizer, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return nil, fmt.Errorf("malformed tokenizer: %w", err)
	}
	if tj.Model.Type != "" && tj.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	merges, err := parseMerges(tj.Model.Merges)
	if err != nil {
		return nil, err
	}

	vocab := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	size := 0
	add := func(token string, id int) {
		vocab[token] = id
		if id+1 > size {
			size = id + 1
		}
	}
	for token, id := range tj.Model.Vocab {
		add(token, id)
	}
	t := &Tokenizer{
		Vocab:  vocab,
		merges: make(map[string]int, len(merges)),
		eot:    eot,
		split:  regexp2.MustCompile(pretokenizer, regexp2.RE2),
	}
	for _, at := range tj.AddedTokens {
		add(at.Content, at.ID)
		if at.Special {
			t.special = append(t.special, at.Content)
		}
	}
	for rank, m := range merges {
		t.merges[m] = rank
	}

	t.Tokens = make([]string, size)
	for token, id := range vocab {
		t.Tokens[id] = token
	}
	if eot < 0 || eot >= size {
		return nil, fmt.Errorf("invalid end-of-text token: %d (vocabulary has %d tokens)", eot, size)
	}
	return t, nil
}

// parseMerges accepts both ["a b", ...] and [["a", "b"], ...].
func parseMerges(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var flat []string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var pairs [][2]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("malformed merges: %w", err)
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p[0] + " " + p[1]
	}
	return out, nil
}

// EndOfText is the token that terminates generation.
func (t *Tokenizer) EndOfText() int { return t.eot }

func (t *Tokenizer) Size() int { return len(t.Tokens) }

// ByteToRune maps a raw byte to the printable rune used in byte-level
// vocabularies (space becomes 'Ġ').
func ByteToRune(b byte) rune {
	r := rune(b)
	switch {
	case r == 0x00ad:
		return 0x0143
	case r <= 0x0020:
		return r + 0x0100
	case r >= 0x007f && r <= 0x00a0:
		return r + 0x00a2
	}
	return r
}

func runeToByte(r rune) (byte, bool) {
	switch {
	case r == 0x0143:
		return 0xad, true
	case r >= 0x0100 && r <= 0x0120:
		return byte(r - 0x0100), true
	case r >= 0x0121 && r <= 0x0142:
		return byte(r - 0x00a2), true
	case r <= 0xff:
		return byte(r), true
	}
	return 0, false
}

type pair struct {
	a, b  int
	rank  int
	value string
}

type merge struct {
	p, n  int
	runes []rune
}

// Encode splits text into words, maps bytes to runes and merges pairs by rank.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, frag := range t.splitSpecial(text) {
		if id, ok := t.Vocab[frag]; ok && t.isSpecial(frag) {
			ids = append(ids, id)
			continue
		}
		for _, word := range t.words(frag) {
			ids = append(ids, t.encodeWord(word)...)
		}
	}
	return ids
}

func (t *Tokenizer) isSpecial(s string) bool {
	for _, sp := range t.special {
		if sp == s {
			return true
		}
	}
	return false
}

// splitSpecial cuts special tokens out of the text so they are never merged.
func (t *Tokenizer) splitSpecial(text string) []string {
	frags := []string{text}
	for _, sp := range t.special {
		var next []string
		for _, f := range frags {
			if t.isSpecial(f) {
				next = append(next, f)
				continue
			}
			for {
				i := strings.Index(f, sp)
				if i < 0 {
					break
				}
				if i > 0 {
					next = append(next, f[:i])
				}
				next = append(next, sp)
				f = f[i+len(sp):]
			}
			if f != "" {
				next = append(next, f)
			}
		}
		frags = next
	}
	return frags
}

func (t *Tokenizer) words(s string) []string {
	var out []string
	r := []rune(s)
	offset := 0
	for m, _ := t.split.FindRunesMatch(r); m != nil; m, _ = t.split.FindNextMatch(m) {
		if m.Index > offset {
			out = append(out, string(r[offset:m.Index]))
		}
		out = append(out, m.String())
		offset = m.Index + m.Length
	}
	if offset < len(r) {
		out = append(out, string(r[offset:]))
	}
	return out
}

func (t *Tokenizer) encodeWord(word string) []int {
	var sb strings.Builder
	for _, b := range []byte(word) {
		sb.WriteRune(ByteToRune(b))
	}
	mapped := sb.String()
	if id, ok := t.Vocab[mapped]; ok {
		return []int{id}
	}

	runes := []rune(mapped)
	merges := make([]merge, len(runes))
	for i := range runes {
		merges[i] = merge{p: i - 1, n: i + 1, runes: []rune{runes[i]}}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(runes) {
			return nil
		}
		left, right := string(merges[a].runes), string(merges[b].runes)
		rank, ok := t.merges[left+" "+right]
		if !ok {
			return nil
		}
		return &pair{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		if c := cmp.Compare(i.rank, j.rank); c != 0 {
			return c
		}
		return cmp.Compare(i.a, j.a)
	})
	for i := 0; i < len(runes)-1; i++ {
		if p := pairwise(i, i+1); p != nil {
			pairs.Push(p)
		}
	}

	for !pairs.Empty() {
		p, _ := pairs.Pop()
		left, right := merges[p.a], merges[p.b]
		if len(left.runes) == 0 || len(right.runes) == 0 || string(left.runes)+string(right.runes) != p.value {
			continue
		}
		if _, ok := t.Vocab[p.value]; !ok {
			continue
		}

		merges[p.a].runes = append(left.runes, right.runes...)
		merges[p.b].runes = nil
		merges[p.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = p.a
		}
		if next := pairwise(merges[p.a].p, p.a); next != nil {
			pairs.Push(next)
		}
		if next := pairwise(p.a, merges[p.a].n); next != nil {
			pairs.Push(next)
		}
	}

	var ids []int
	for _, m := range merges {
		if len(m.runes) == 0 {
			continue
		}
		if id, ok := t.Vocab[string(m.runes)]; ok {
			ids = append(ids, id)
			continue
		}
		// unknown merge result: fall back to single runes
		for _, r := range m.runes {
			if id, ok := t.Vocab[string(r)]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Decode maps ids back to text. Special tokens are kept verbatim; unknown
// ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		token := t.Tokens[id]
		if t.isSpecial(token) {
			sb.WriteString(token)
			continue
		}
		for _, r := range token {
			if b, ok := runeToByte(r); ok {
				sb.WriteByte(b)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	return sb.String()
}
