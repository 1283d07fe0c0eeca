package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-mesh/internal/engine"
)

func TestSegmentTypes(t *testing.T) {
	tests := []struct {
		typ                SegmentType
		head, layers, tail bool
		input              InputKind
		output             OutputKind
	}{
		{Full, true, true, true, TokenInput, TokenOutput},
		{HeadOnly, true, false, false, TokenInput, HiddenStateOutput},
		{HeadAndLayers, true, true, false, TokenInput, HiddenStateOutput},
		{LayersOnly, false, true, false, HiddenStateInput, HiddenStateOutput},
		{LayersAndTail, false, true, true, HiddenStateInput, TokenOutput},
		{TailOnly, false, false, true, HiddenStateInput, TokenOutput},
	}
	for _, tt := range tests {
		if !tt.typ.Valid() {
			t.Errorf("%s should be valid", tt.typ)
		}
		if tt.typ.HasHead() != tt.head || tt.typ.HasLayers() != tt.layers || tt.typ.HasTail() != tt.tail {
			t.Errorf("%s: head/layers/tail = %v/%v/%v", tt.typ, tt.typ.HasHead(), tt.typ.HasLayers(), tt.typ.HasTail())
		}
		if tt.typ.InputKind() != tt.input || tt.typ.OutputKind() != tt.output {
			t.Errorf("%s: input %s output %s", tt.typ, tt.typ.InputKind(), tt.typ.OutputKind())
		}
	}
	if SegmentType("MIDDLE").Valid() {
		t.Error("unknown segment type reported valid")
	}
}

func TestWorkSegmentValidate(t *testing.T) {
	blocks := []DecoderBlock{{Type: engine.AttentionBlock, DecoderID: 0}, {Type: engine.NeuralNetBlock, DecoderID: 0}}
	valid := []WorkSegment{
		{WorkerAddress: "http://a", Type: Full, Blocks: blocks},
		{WorkerAddress: "http://a", Type: HeadOnly},
		{WorkerAddress: "http://a", Type: TailOnly},
		{WorkerAddress: "http://b", Type: LayersOnly, Blocks: blocks},
	}
	for _, s := range valid {
		if err := s.Validate(); err != nil {
			t.Errorf("%s: unexpected error %v", s, err)
		}
	}
	invalid := []WorkSegment{
		{WorkerAddress: "http://a", Type: "MIDDLE"},
		{Type: Full, Blocks: blocks},
		{WorkerAddress: "http://a", Type: HeadOnly, Blocks: blocks},
		{WorkerAddress: "http://a", Type: LayersOnly},
		{WorkerAddress: "http://a", Type: LayersOnly, Blocks: []DecoderBlock{{Type: "MOE", DecoderID: 1}}},
	}
	for _, s := range invalid {
		if err := s.Validate(); err == nil {
			t.Errorf("%s: expected error", s)
		}
	}
}

func TestHiddenStateCodec(t *testing.T) {
	h := []float32{0.5, -1.25, 3e-7, 42, 0}
	b, err := EncodeHiddenState(h)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeHiddenState(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("hidden state mismatch (-want +got):\n%s", diff)
	}

	if _, err := EncodeHiddenState(nil); err == nil {
		t.Error("expected error for empty hidden state")
	}
	if _, err := DecodeHiddenState([]byte("not arrow")); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestWorkRequestOverJSON(t *testing.T) {
	in, err := NewHiddenStateInput([]float32{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	req := WorkRequest{
		WorkID:  "w1",
		ModelID: "m",
		Input:   in,
		Segment: WorkSegment{WorkerAddress: "http://b", Type: LayersOnly, Blocks: []DecoderBlock{{Type: engine.AttentionBlock, DecoderID: 3}}},
		TopK:    1,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var back WorkRequest
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	h, err := back.Input.Hidden()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3}, h); diff != "" {
		t.Errorf("hidden state lost in transit (-want +got):\n%s", diff)
	}
	if back.Segment.Blocks[0].Type != engine.AttentionBlock {
		t.Errorf("block type lost in transit: %q", back.Segment.Blocks[0].Type)
	}
}

func TestWorkInputOutput(t *testing.T) {
	if err := NewTokenInput(5).Validate(); err != nil {
		t.Error(err)
	}
	if err := NewTokenInput(-1).Validate(); err == nil {
		t.Error("expected error for negative token")
	}
	if err := (WorkInput{Kind: HiddenStateInput}).Validate(); err == nil {
		t.Error("expected error for empty hidden state")
	}
	if err := (WorkInput{Kind: "AUDIO"}).Validate(); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := NewTokenInput(1).Hidden(); err == nil {
		t.Error("token input has no hidden state")
	}

	out, err := NewHiddenStateOutput([]float32{7, 8})
	if err != nil {
		t.Fatal(err)
	}
	next, err := out.Input()
	if err != nil {
		t.Fatal(err)
	}
	if next.Kind != HiddenStateInput || next.Validate() != nil {
		t.Errorf("unexpected relayed input: %+v", next)
	}
	if _, err := NewEmptyOutput().Input(); err == nil {
		t.Error("empty output cannot be relayed")
	}
	if _, err := NewTokenOutput(3).Hidden(); err == nil {
		t.Error("token output has no hidden state")
	}
}
