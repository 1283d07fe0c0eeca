package planner

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/engine"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/safetensors"
	"github.com/23skdu/longbow-mesh/internal/testmodel"
)

var unit = MemoryCost{Main: 30, Attention: 20, NeuralNet: 10}

// exact keeps costs unscaled so budgets are easy to reason about.
var exact = Options{SafetyMultiplier: 1}

func checkPlan(t *testing.T, segments []protocol.WorkSegment, workers []WorkerInfo, cost MemoryCost, decoders int) {
	t.Helper()

	var blocks []protocol.DecoderBlock
	heads, tails := 0, 0
	used := map[string]int64{}
	for i, s := range segments {
		blocks = append(blocks, s.Blocks...)
		if s.Type.HasHead() {
			heads++
			if i != 0 {
				t.Errorf("head segment at position %d", i)
			}
			used[s.WorkerAddress] += cost.Main
		}
		if s.Type.HasTail() {
			tails++
		}
		for _, b := range s.Blocks {
			used[s.WorkerAddress] += cost.block(b.Type)
		}
		if err := s.Validate(); err != nil {
			t.Errorf("segment %d: %v", i, err)
		}
	}
	if diff := cmp.Diff(Blocks(decoders), blocks); diff != "" {
		t.Fatalf("blocks do not cover the stack exactly once (-want +got):\n%s", diff)
	}
	if heads != 1 || tails != 1 {
		t.Errorf("expected one head and one tail, got %d and %d", heads, tails)
	}
	if len(segments) > 1 {
		last := segments[len(segments)-1]
		if last.Type != protocol.TailOnly || last.WorkerAddress != segments[0].WorkerAddress {
			t.Errorf("expected TAIL_ONLY on %s, got %s", segments[0].WorkerAddress, last)
		}
	} else if segments[0].Type != protocol.Full {
		t.Errorf("single segment must be FULL, got %s", segments[0].Type)
	}
	for _, w := range workers {
		if used[w.Address] > w.FreeMemory {
			t.Errorf("worker %s uses %d of %d bytes", w.Address, used[w.Address], w.FreeMemory)
		}
	}
}

func TestPlanSingleWorker(t *testing.T) {
	for decoders := 1; decoders <= 8; decoders++ {
		workers := []WorkerInfo{{Address: "a", FreeMemory: 1 << 40}}
		segments, err := Plan(workers, unit, decoders, DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		if len(segments) != 1 || segments[0].Type != protocol.Full {
			t.Fatalf("expected one FULL segment, got %s", protocol.Describe(segments))
		}
		checkPlan(t, segments, workers, unit, decoders)
	}
}

func TestPlanSplitsAcrossWorkers(t *testing.T) {
	// a holds main + 2 decoders, b holds the third
	workers := []WorkerInfo{{Address: "b", FreeMemory: 30}, {Address: "a", FreeMemory: 90}}
	segments, err := Plan(workers, unit, 3, exact)
	if err != nil {
		t.Fatal(err)
	}
	want := []protocol.WorkSegment{
		{WorkerAddress: "a", Type: protocol.HeadAndLayers, Blocks: Blocks(2)},
		{WorkerAddress: "b", Type: protocol.LayersOnly, Blocks: Blocks(3)[4:]},
		{WorkerAddress: "a", Type: protocol.TailOnly},
	}
	if diff := cmp.Diff(want, segments); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanHeadOnly(t *testing.T) {
	// the largest worker only fits the head
	workers := []WorkerInfo{{Address: "a", FreeMemory: 40}, {Address: "b", FreeMemory: 35}, {Address: "c", FreeMemory: 35}}
	segments, err := Plan(workers, unit, 2, exact)
	if err != nil {
		t.Fatal(err)
	}
	if segments[0].Type != protocol.HeadOnly || len(segments[0].Blocks) != 0 {
		t.Errorf("expected HEAD_ONLY first, got %s", protocol.Describe(segments))
	}
	checkPlan(t, segments, workers, unit, 2)
	if len(segments) != 4 {
		t.Errorf("expected head, two layer segments and tail, got %s", protocol.Describe(segments))
	}
}

func TestPlanEqualMemoryKeepsOrder(t *testing.T) {
	workers := []WorkerInfo{{Address: "first", FreeMemory: 60}, {Address: "second", FreeMemory: 60}}
	segments, err := Plan(workers, unit, 2, exact)
	if err != nil {
		t.Fatal(err)
	}
	if segments[0].WorkerAddress != "first" || segments[1].WorkerAddress != "second" {
		t.Errorf("stable order not kept: %s", protocol.Describe(segments))
	}
}

func TestPlanInsufficientCapacity(t *testing.T) {
	tests := []struct {
		name    string
		workers []WorkerInfo
		opts    Options
	}{
		{"no workers", nil, exact},
		{"head too large", []WorkerInfo{{Address: "a", FreeMemory: 29}}, exact},
		{"one block short", []WorkerInfo{{Address: "a", FreeMemory: 80}, {Address: "b", FreeMemory: 9}}, exact},
		{"block larger than any worker", []WorkerInfo{{Address: "a", FreeMemory: 45}, {Address: "b", FreeMemory: 15}, {Address: "c", FreeMemory: 15}}, exact},
		// fits exactly without the multiplier
		{"safety multiplier", []WorkerInfo{{Address: "a", FreeMemory: 90}}, DefaultOptions()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segments, err := Plan(tt.workers, unit, 2, tt.opts)
			if !errors.Is(err, ErrInsufficientCapacity) {
				t.Fatalf("expected ErrInsufficientCapacity, got %v (%s)", err, protocol.Describe(segments))
			}
		})
	}

	if _, err := Plan([]WorkerInfo{{Address: "a", FreeMemory: 1000}}, unit, 0, exact); err == nil {
		t.Error("expected error for zero decoders")
	}
}

func TestPlanRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := range 500 {
		decoders := 1 + rng.Intn(16)
		workers := make([]WorkerInfo, 1+rng.Intn(6))
		var total int64
		for w := range workers {
			workers[w] = WorkerInfo{Address: fmt.Sprintf("w%d", w), FreeMemory: int64(rng.Intn(400))}
			total += workers[w].FreeMemory
		}

		segments, err := Plan(workers, unit, decoders, exact)
		if err != nil {
			if !errors.Is(err, ErrInsufficientCapacity) {
				t.Fatalf("case %d: unexpected error %v", i, err)
			}
			continue
		}
		if total < unit.Total(decoders) {
			t.Fatalf("case %d: planned %d decoders into %d bytes", i, decoders, total)
		}
		checkPlan(t, segments, workers, unit, decoders)
	}
}

func TestMeasure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	cfg, err := testmodel.Write(dir, testmodel.Options{Architecture: "GPT2", Hidden: 8, Heads: 2, Vocab: 40, Context: 16})
	if err != nil {
		t.Fatal(err)
	}
	r, err := safetensors.OpenDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	cost, err := Measure(cfg, r)
	if err != nil {
		t.Fatal(err)
	}
	h, ff, f32 := int64(8), int64(32), int64(4)
	want := MemoryCost{
		// token and position embeddings, final norm
		Main: f32 * (40*h + 16*h + 2*h),
		// norm, fused qkv, output projection
		Attention: f32 * (2*h + h*3*h + 3*h + h*h + h),
		NeuralNet: f32 * (2*h + h*ff + ff + ff*h + h),
	}
	if diff := cmp.Diff(want, cost); diff != "" {
		t.Errorf("cost mismatch (-want +got):\n%s", diff)
	}

	declared := *cfg
	declared.MemorySize = config.MemorySize{Main: 3, AttentionLayer: 2, NeuralNetLayer: 1}
	cost, err = Measure(&declared, r)
	if err != nil {
		t.Fatal(err)
	}
	if cost != (MemoryCost{Main: 3 << 20, Attention: 2 << 20, NeuralNet: 1 << 20}) {
		t.Errorf("declared sizes not used: %+v", cost)
	}
}

func TestBlocksOrder(t *testing.T) {
	got := Blocks(2)
	want := []protocol.DecoderBlock{
		{Type: engine.AttentionBlock, DecoderID: 0},
		{Type: engine.NeuralNetBlock, DecoderID: 0},
		{Type: engine.AttentionBlock, DecoderID: 1},
		{Type: engine.NeuralNetBlock, DecoderID: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
