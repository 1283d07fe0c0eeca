package protocol

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-mesh/internal/engine"
)

// DecoderBlock is the unit of sharding: one half of one decoder.
type DecoderBlock struct {
	Type      engine.BlockType `json:"block_type"`
	DecoderID int              `json:"decoder_id"`
}

func (b DecoderBlock) String() string {
	return fmt.Sprintf("%s[%d]", b.Type, b.DecoderID)
}

// SegmentType fixes what a segment consumes and produces.
type SegmentType string

const (
	Full          SegmentType = "FULL"
	HeadOnly      SegmentType = "HEAD_ONLY"
	HeadAndLayers SegmentType = "HEAD_AND_LAYERS"
	LayersOnly    SegmentType = "LAYERS_ONLY"
	LayersAndTail SegmentType = "LAYERS_AND_TAIL"
	TailOnly      SegmentType = "TAIL_ONLY"
)

func (s SegmentType) Valid() bool {
	switch s {
	case Full, HeadOnly, HeadAndLayers, LayersOnly, LayersAndTail, TailOnly:
		return true
	}
	return false
}

// HasHead reports whether the segment embeds raw tokens.
func (s SegmentType) HasHead() bool {
	switch s {
	case Full, HeadOnly, HeadAndLayers:
		return true
	}
	return false
}

func (s SegmentType) HasLayers() bool {
	switch s {
	case Full, HeadAndLayers, LayersOnly, LayersAndTail:
		return true
	}
	return false
}

// HasTail reports whether the segment produces tokens.
func (s SegmentType) HasTail() bool {
	switch s {
	case Full, LayersAndTail, TailOnly:
		return true
	}
	return false
}

func (s SegmentType) InputKind() InputKind {
	if s.HasHead() {
		return TokenInput
	}
	return HiddenStateInput
}

func (s SegmentType) OutputKind() OutputKind {
	if s.HasTail() {
		return TokenOutput
	}
	return HiddenStateOutput
}

// WorkSegment is one worker's share of a model.
type WorkSegment struct {
	WorkerAddress string         `json:"worker_address"`
	Type          SegmentType    `json:"segment_type"`
	Blocks        []DecoderBlock `json:"blocks"`
}

func (w WorkSegment) String() string {
	if len(w.Blocks) == 0 {
		return fmt.Sprintf("%s@%s", w.Type, w.WorkerAddress)
	}
	first, last := w.Blocks[0], w.Blocks[len(w.Blocks)-1]
	return fmt.Sprintf("%s@%s %s..%s", w.Type, w.WorkerAddress, first, last)
}

// Validate checks the segment against its own type.
func (w WorkSegment) Validate() error {
	if !w.Type.Valid() {
		return fmt.Errorf("invalid segment type: %q", w.Type)
	}
	if w.WorkerAddress == "" {
		return fmt.Errorf("segment %s has no worker address", w.Type)
	}
	if w.Type.HasLayers() != (len(w.Blocks) > 0) {
		return fmt.Errorf("segment %s has %d decoder blocks", w.Type, len(w.Blocks))
	}
	for _, b := range w.Blocks {
		if !b.Type.Valid() {
			return fmt.Errorf("segment %s: unknown block type %q", w.Type, b.Type)
		}
	}
	return nil
}

// Describe renders a plan one segment per line, for logs.
func Describe(segments []WorkSegment) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.String()
	}
	return strings.Join(parts, "; ")
}
