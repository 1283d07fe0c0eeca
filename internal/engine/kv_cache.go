package engine

import (
	"github.com/23skdu/longbow-mesh/internal/metrics"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// KVCache holds the keys and values of one attention layer, one list per
// KV head group. Entries are stored in the model's internal float type.
type KVCache struct {
	storage tensor.FloatType
	// window bounds the entries per group; 0 means unbounded.
	window int
	keys   [][]tensor.Vector
	values [][]tensor.Vector
	// positions counts every appended token since the last Clear, including
	// evicted ones.
	positions int
}

func NewKVCache(groups, window int, storage tensor.FloatType) *KVCache {
	return &KVCache{
		storage: storage,
		window:  window,
		keys:    make([][]tensor.Vector, groups),
		values:  make([][]tensor.Vector, groups),
	}
}

// Append adds one token's key and value per group, evicting the oldest
// entries beyond the window.
func (c *KVCache) Append(keys, values []tensor.Vector) {
	for g := range c.keys {
		c.keys[g] = append(c.keys[g], c.store(keys[g]))
		c.values[g] = append(c.values[g], c.store(values[g]))
	}
	c.positions++
	if c.window > 0 && c.Len() > c.window {
		for g := range c.keys {
			c.keys[g][0], c.values[g][0] = nil, nil
			c.keys[g] = c.keys[g][1:]
			c.values[g] = c.values[g][1:]
		}
		metrics.RecordKVCacheEviction()
	}
}

// store copies v so the cache never aliases a caller's buffer.
func (c *KVCache) store(v tensor.Vector) tensor.Vector {
	if c.storage == tensor.Float32 {
		return tensor.Clone(v)
	}
	return tensor.Convert(v, c.storage)
}

// Keys returns the cached keys of a group, oldest first.
func (c *KVCache) Keys(group int) []tensor.Vector { return c.keys[group] }

func (c *KVCache) Values(group int) []tensor.Vector { return c.values[group] }

// Len is the number of entries per group.
func (c *KVCache) Len() int {
	if len(c.keys) == 0 {
		return 0
	}
	return len(c.keys[0])
}

// Position is the position of the next token to be appended.
func (c *KVCache) Position() int { return c.positions }

func (c *KVCache) Groups() int { return len(c.keys) }

func (c *KVCache) Window() int { return c.window }

// Clear ends the session.
func (c *KVCache) Clear() {
	for g := range c.keys {
		c.keys[g] = nil
		c.values[g] = nil
	}
	c.positions = 0
}
