// Package catalog resolves model ids to model directories and lists the
// models available under a model root.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/23skdu/longbow-mesh/internal/config"
)

const DefaultTag = "latest"

// Entry is one model found under a root.
type Entry struct {
	ID           string `json:"id"`
	Dir          string `json:"dir"`
	Architecture string `json:"architecture"`
	Decoders     int    `json:"decoders"`
	Hidden       int    `json:"hidden_size"`
	// Bytes is the size of the parameter files.
	Bytes int64 `json:"bytes"`
}

// ParseID splits "name:tag"; a missing tag is DefaultTag.
func ParseID(id string) (name, tag string) {
	name, tag, ok := strings.Cut(id, ":")
	if !ok || tag == "" {
		tag = DefaultTag
	}
	return name, tag
}

// Resolve finds the directory of a model id. "name" resolves to root/name;
// "name:tag" to root/name/tag, falling back to root/name for the default
// tag. Absolute paths are used as is.
func Resolve(root, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("invalid model id: empty")
	}
	if filepath.IsAbs(id) {
		return id, nil
	}
	name, tag := ParseID(id)
	if name == "" || strings.Contains(name, "..") || strings.Contains(tag, "..") {
		return "", fmt.Errorf("invalid model id: %q", id)
	}

	candidates := []string{filepath.Join(root, name, tag)}
	if tag == DefaultTag {
		candidates = append(candidates, filepath.Join(root, name))
	}
	for _, dir := range candidates {
		if _, err := os.Stat(filepath.Join(dir, config.ConfigFile)); err == nil {
			return dir, nil
		}
	}

	msg := fmt.Sprintf("model %s not found in %s", id, root)
	if s := Suggest(root, id); s != "" {
		msg += fmt.Sprintf(" (did you mean %s?)", s)
	}
	return "", fmt.Errorf("%w: %s", config.ErrMissingFile, msg)
}

// List walks root for directories holding a config.json. Models that fail
// to parse are skipped.
func List(root string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if _, err := os.Stat(filepath.Join(path, config.ConfigFile)); err != nil {
			return nil
		}
		cfg, err := config.LoadModelConfig(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		entries = append(entries, Entry{
			ID:           idOf(rel),
			Dir:          path,
			Architecture: cfg.Architecture,
			Decoders:     cfg.DecoderCount,
			Hidden:       cfg.HiddenSize,
			Bytes:        parameterBytes(path),
		})
		return filepath.SkipDir
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: model root %s", config.ErrMissingFile, root)
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// idOf turns "name/tag" back into "name:tag".
func idOf(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 2 {
		return parts[0] + ":" + parts[1]
	}
	return strings.Join(parts, "/")
}

func parameterBytes(dir string) int64 {
	files, _ := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	var total int64
	for _, f := range files {
		if st, err := os.Stat(f); err == nil {
			total += st.Size()
		}
	}
	return total
}

// Suggest returns the closest known model id, or "" when nothing is close.
func Suggest(root, id string) string {
	entries, err := List(root)
	if err != nil {
		return ""
	}
	best, bestDist := "", len(id)/2+1
	for _, e := range entries {
		if d := levenshtein.ComputeDistance(id, e.ID); d < bestDist {
			best, bestDist = e.ID, d
		}
	}
	return best
}
