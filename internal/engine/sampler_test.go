package engine

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTopK(t *testing.T) {
	logits := []float32{0.5, 2, float32(math.NaN()), 2, -1, 3}
	got := TopK(logits, 3)
	want := []Candidate{{ID: 5, Logit: 3}, {ID: 1, Logit: 2}, {ID: 3, Logit: 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TopK mismatch (-want +got):\n%s", diff)
	}

	if got := TopK(logits, 100); len(got) != 5 {
		t.Errorf("expected NaN to be skipped, got %d candidates", len(got))
	}
}

func TestSampleGreedy(t *testing.T) {
	s := NewSampler(1)
	id, err := s.Sample([]float32{0.1, 4, 4, 0.3}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("greedy sample on a tie should pick the lowest id, got %d", id)
	}

	id, err = s.Sample([]float32{0.1, 0.2, 0.9}, 0)
	if err != nil || id != 2 {
		t.Errorf("topK below 1 should be greedy, got %d, %v", id, err)
	}
}

func TestSampleStaysInTopK(t *testing.T) {
	s := NewSampler(42)
	logits := []float32{5, 4.9, -10, -10, 4.8, -10}
	allowed := map[int]bool{0: true, 1: true, 4: true}
	seen := map[int]int{}
	for range 200 {
		id, err := s.Sample(logits, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !allowed[id] {
			t.Fatalf("sampled %d outside the top 3", id)
		}
		seen[id]++
	}
	if len(seen) < 2 {
		t.Errorf("expected near-uniform top-3 sampling to hit several ids, got %v", seen)
	}
}

func TestSampleSeedIsReproducible(t *testing.T) {
	logits := []float32{1, 1.1, 0.9, 1.05, 0.95}
	a, b := NewSampler(7), NewSampler(7)
	for i := range 50 {
		x, _ := a.Sample(logits, 5)
		y, _ := b.Sample(logits, 5)
		if x != y {
			t.Fatalf("draw %d differs: %d != %d", i, x, y)
		}
	}
}

func TestSampleNoValidLogits(t *testing.T) {
	nan := float32(math.NaN())
	if _, err := NewSampler(1).Sample([]float32{nan, nan}, 2); err == nil {
		t.Error("expected error when every logit is NaN")
	}
	if _, err := NewSampler(1).Sample(nil, 1); err == nil {
		t.Error("expected error for empty logits")
	}
}
