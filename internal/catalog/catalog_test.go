package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/testmodel"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		id, name, tag string
	}{
		{"gpt2", "gpt2", "latest"},
		{"gpt2:small", "gpt2", "small"},
		{"gpt2:", "gpt2", "latest"},
	}
	for _, tt := range tests {
		name, tag := ParseID(tt.id)
		if name != tt.name || tag != tt.tag {
			t.Errorf("ParseID(%q) = %q, %q; want %q, %q", tt.id, name, tag, tt.name, tt.tag)
		}
	}
}

func TestResolveAndList(t *testing.T) {
	root := t.TempDir()
	_, err := testmodel.Write(filepath.Join(root, "tiny"), testmodel.Options{Decoders: 1})
	require.NoError(t, err)
	_, err = testmodel.Write(filepath.Join(root, "llama", "small"), testmodel.Options{Architecture: "LLAMA", Decoders: 3})
	require.NoError(t, err)

	dir, err := Resolve(root, "tiny")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "tiny"), dir)

	dir, err = Resolve(root, "llama:small")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "llama", "small"), dir)

	abs := filepath.Join(root, "tiny")
	dir, err = Resolve("/elsewhere", abs)
	require.NoError(t, err)
	assert.Equal(t, abs, dir)

	_, err = Resolve(root, "tiyn")
	assert.ErrorIs(t, err, config.ErrMissingFile)
	assert.Contains(t, err.Error(), "did you mean tiny?")

	_, err = Resolve(root, "../etc")
	assert.Error(t, err)

	entries, err := List(root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "llama:small", entries[0].ID)
	assert.Equal(t, "LLAMA", entries[0].Architecture)
	assert.Equal(t, 3, entries[0].Decoders)
	assert.Equal(t, "tiny", entries[1].ID)
	assert.Positive(t, entries[1].Bytes)

	_, err = List(filepath.Join(root, "missing"))
	assert.ErrorIs(t, err, config.ErrMissingFile)
}
