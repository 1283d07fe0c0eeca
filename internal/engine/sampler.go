package engine

import (
	"cmp"
	"errors"
	"math"
	"sync"
	"time"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Candidate is a token id with its logit.
type Candidate struct {
	ID    int
	Logit float32
}

// byScore orders candidates by descending logit; exact ties go to the
// lowest token id.
func byScore(a, b Candidate) int {
	if c := cmp.Compare(b.Logit, a.Logit); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// TopK returns the k highest scoring token ids, best first.
func TopK(logits []float32, k int) []Candidate {
	if k > len(logits) {
		k = len(logits)
	}
	q := pq.NewWith(byScore)
	for i, l := range logits {
		if math.IsNaN(float64(l)) {
			continue
		}
		q.Enqueue(Candidate{ID: i, Logit: l})
	}
	out := make([]Candidate, 0, k)
	for range k {
		c, ok := q.Dequeue()
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out
}

// Sampler picks the next token among the top-k logits.
type Sampler struct {
	mu  sync.Mutex
	src rand.Source
}

// NewSampler seeds the sampler; a zero seed uses the clock.
func NewSampler(seed uint64) *Sampler {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Sampler{src: rand.NewSource(seed)}
}

// Sample returns the arg-max when topK is 1, otherwise draws from the
// softmax of the top-k logits.
func (s *Sampler) Sample(logits []float32, topK int) (int, error) {
	if topK < 1 {
		topK = 1
	}
	top := TopK(logits, topK)
	if len(top) == 0 {
		return -1, errors.New("no valid logits to sample from")
	}
	if topK == 1 || len(top) == 1 {
		return top[0].ID, nil
	}

	probs := make([]float64, len(top))
	maxLogit := float64(top[0].Logit)
	for i, c := range top {
		probs[i] = math.Exp(float64(c.Logit) - maxLogit)
	}
	floats.Scale(1/floats.Sum(probs), probs)

	s.mu.Lock()
	defer s.mu.Unlock()
	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		return top[idx].ID, nil
	}
	return -1, errors.New("weighted sampler failed, no valid token found")
}
