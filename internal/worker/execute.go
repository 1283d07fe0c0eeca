package worker

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-mesh/internal/metrics"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// Execute runs one token step through the requested segment:
//
//	head:   embed the token at req.Position
//	layers: run the loaded decoder blocks; a prompt token that reaches the
//	        model's last attention layer stops there
//	tail:   sample the next token, unless the token is input only
//
// Anything else returns the hidden state for the next segment.
func (s *State) Execute(req protocol.WorkRequest) (result protocol.WorkResult, err error) {
	start := time.Now()
	seg := req.Segment.Type
	defer func() { metrics.RecordWork(string(seg), time.Since(start), err) }()

	result.WorkID = req.WorkID
	if !seg.Valid() {
		return result, fmt.Errorf("invalid segment type: %q", seg)
	}
	if err := req.Input.Validate(); err != nil {
		return result, err
	}
	if req.Input.Kind != seg.InputKind() {
		return result, fmt.Errorf("segment %s expects %s input, got %s", seg, seg.InputKind(), req.Input.Kind)
	}

	m, ok := s.model(req.ModelID, false)
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrModelNotLoaded, req.ModelID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.transformer
	if t == nil {
		return result, fmt.Errorf("%w: %s", ErrModelNotLoaded, req.ModelID)
	}

	// segments without layers share the transformer of a layered segment
	// and must not wipe its cache
	if req.ClearSession && seg.HasLayers() {
		t.Clear()
	}

	var h tensor.Vector
	switch req.Input.Kind {
	case protocol.TokenInput:
		if h, err = t.PreProcessToken(req.Position, req.Input.Token); err != nil {
			return result, err
		}
	case protocol.HiddenStateInput:
		values, err := req.Input.Hidden()
		if err != nil {
			return result, err
		}
		want := m.cfg.HiddenSize
		if seg.HasLayers() {
			want = t.InputWidth()
		}
		if len(values) != want {
			return result, fmt.Errorf("invalid hidden state: %d values, expected %d", len(values), want)
		}
		h = tensor.F32Vector(values)
	}

	if seg.HasLayers() {
		var more bool
		if h, more = t.ProcessBlocks(h, req.InputOnly); !more {
			result.Output = protocol.NewEmptyOutput()
			return result, nil
		}
	}

	if seg.HasTail() {
		if req.InputOnly {
			result.Output = protocol.NewEmptyOutput()
			return result, nil
		}
		token, err := t.GenerateToken(h, req.TopK)
		if err != nil {
			return result, err
		}
		result.Output = protocol.NewTokenOutput(token)
		return result, nil
	}

	result.Output, err = protocol.NewHiddenStateOutput(tensor.Clone(h))
	return result, err
}
