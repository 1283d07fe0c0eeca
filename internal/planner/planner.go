// Package planner splits a model's decoder stack across workers so that no
// worker is asked to hold more parameters than it has free memory.
package planner

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-mesh/internal/engine"
	"github.com/23skdu/longbow-mesh/internal/metrics"
	"github.com/23skdu/longbow-mesh/internal/protocol"
)

var ErrInsufficientCapacity = errors.New("insufficient cluster capacity")

// DefaultSafetyMultiplier inflates every measured cost.
const DefaultSafetyMultiplier = 1.2

// WorkerInfo is reported by a worker once, when it joins.
type WorkerInfo struct {
	Address    string `json:"address"`
	FreeMemory int64  `json:"free_memory"`
}

// MemoryCost is the resident size in bytes of the head and tail (Main) and of
// one decoder block of each kind.
type MemoryCost struct {
	Main      int64 `json:"main"`
	Attention int64 `json:"attention"`
	NeuralNet int64 `json:"neural_net"`
}

func (c MemoryCost) scale(m float64) MemoryCost {
	mul := func(v int64) int64 { return int64(math.Ceil(float64(v) * m)) }
	return MemoryCost{Main: mul(c.Main), Attention: mul(c.Attention), NeuralNet: mul(c.NeuralNet)}
}

func (c MemoryCost) block(t engine.BlockType) int64 {
	if t == engine.AttentionBlock {
		return c.Attention
	}
	return c.NeuralNet
}

// Total is the cost of a whole model with n decoders.
func (c MemoryCost) Total(n int) int64 {
	return c.Main + int64(n)*(c.Attention+c.NeuralNet)
}

type Options struct {
	SafetyMultiplier float64
}

func DefaultOptions() Options {
	return Options{SafetyMultiplier: DefaultSafetyMultiplier}
}

// Blocks lists a decoder stack in execution order.
func Blocks(decoderCount int) []protocol.DecoderBlock {
	out := make([]protocol.DecoderBlock, 0, 2*decoderCount)
	for d := 0; d < decoderCount; d++ {
		out = append(out,
			protocol.DecoderBlock{Type: engine.AttentionBlock, DecoderID: d},
			protocol.DecoderBlock{Type: engine.NeuralNetBlock, DecoderID: d},
		)
	}
	return out
}

// Plan assigns the decoder stack to workers first-fit, largest worker
// first. The head and tail live on the largest worker; with more than one
// segment a TAIL_ONLY segment on that worker closes the chain.
func Plan(workers []WorkerInfo, cost MemoryCost, decoderCount int, opts Options) ([]protocol.WorkSegment, error) {
	segments, err := plan(workers, cost, decoderCount, opts)
	metrics.RecordPlan(len(segments), err)
	return segments, err
}

func plan(workers []WorkerInfo, cost MemoryCost, decoderCount int, opts Options) ([]protocol.WorkSegment, error) {
	if decoderCount <= 0 {
		return nil, fmt.Errorf("invalid decoder count: %d (must be positive)", decoderCount)
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("%w: no workers registered", ErrInsufficientCapacity)
	}
	if opts.SafetyMultiplier <= 0 {
		opts.SafetyMultiplier = DefaultSafetyMultiplier
	}
	c := cost.scale(opts.SafetyMultiplier)

	sorted := make([]WorkerInfo, len(workers))
	copy(sorted, workers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FreeMemory > sorted[j].FreeMemory
	})

	var total int64
	for _, w := range sorted {
		total += w.FreeMemory
	}
	fail := func(what string, need int64) error {
		return fmt.Errorf("%w: %s needs %d bytes, no worker left (%d workers, %d bytes free, model needs %d)",
			ErrInsufficientCapacity, what, need, len(sorted), total, c.Total(decoderCount))
	}

	worker, segWorker := 0, 0
	budget := sorted[0].FreeMemory - c.Main
	if budget < 0 {
		return nil, fail("head and tail", c.Main)
	}
	segments := []protocol.WorkSegment{{WorkerAddress: sorted[0].Address}}

	for _, b := range Blocks(decoderCount) {
		need := c.block(b.Type)
		for budget < need {
			worker++
			if worker >= len(sorted) {
				return nil, fail(b.String(), need)
			}
			budget = sorted[worker].FreeMemory
		}
		if worker != segWorker {
			segments = append(segments, protocol.WorkSegment{WorkerAddress: sorted[worker].Address})
			segWorker = worker
		}
		last := &segments[len(segments)-1]
		last.Blocks = append(last.Blocks, b)
		budget -= need
	}

	if len(segments) == 1 {
		segments[0].Type = protocol.Full
		return segments, nil
	}
	for i := range segments {
		segments[i].Type = protocol.LayersOnly
	}
	segments[0].Type = protocol.HeadAndLayers
	if len(segments[0].Blocks) == 0 {
		segments[0].Type = protocol.HeadOnly
	}
	segments = append(segments, protocol.WorkSegment{WorkerAddress: sorted[0].Address, Type: protocol.TailOnly})
	return segments, nil
}
