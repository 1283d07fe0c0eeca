package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-mesh/internal/catalog"
	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/engine"
	"github.com/23skdu/longbow-mesh/internal/metrics"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/safetensors"
)

// modelDir resolves a model path, or the model id, against the worker's
// model root.
func (s *State) modelDir(req protocol.LoadModelRequest) (string, error) {
	path := req.ModelPath
	if path == "" {
		path = req.ModelID
	}
	return catalog.Resolve(s.node.ModelRoot, path)
}

// StartLoad runs Load in the background and reports the outcome to the
// server. It returns immediately.
func (s *State) StartLoad(req protocol.LoadModelRequest) {
	go func() {
		timeout := s.node.LoadTimeout
		if timeout <= 0 {
			timeout = config.DefaultNode().LoadTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		msg := protocol.ModelLoaded{ModelID: req.ModelID, TaskID: req.TaskID}
		if err := s.Load(ctx, req); err != nil {
			msg.Error = err.Error()
		}
		if s.reporter == nil {
			return
		}
		if err := s.reporter.ModelLoaded(ctx, msg); err != nil {
			s.log.Error("Failed to report load", "model", req.ModelID, "task", req.TaskID, "error", err)
		}
	}()
}

// Load materializes one segment of a model. Segments of the same model share
// one transformer, so a TAIL_ONLY segment finds the head already loaded.
func (s *State) Load(ctx context.Context, req protocol.LoadModelRequest) error {
	seg := req.Segment
	if err := seg.Validate(); err != nil {
		return err
	}
	if err := s.loads.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for load slot: %w", err)
	}
	defer s.loads.Release(1)

	start := time.Now()
	log := s.log.With("model", req.ModelID)
	log.Info("Loading segment", "task", req.TaskID, "segment", seg.String())

	m, _ := s.model(req.ModelID, true)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transformer == nil {
		dir, err := s.modelDir(req)
		if err != nil {
			return err
		}
		cfg, err := config.LoadModelConfig(dir)
		if err != nil {
			return err
		}
		cfg.ModelID = req.ModelID
		reader, err := safetensors.OpenDir(dir)
		if err != nil {
			return err
		}
		t, err := engine.NewTransformer(cfg, reader, engine.Materialize)
		if err != nil {
			reader.Close()
			return err
		}
		m.cfg, m.reader, m.transformer = cfg, reader, t
	}

	before := m.transformer.ParameterBytes()
	if seg.Type.HasHead() || seg.Type.HasTail() {
		if err := m.transformer.Init(); err != nil {
			return err
		}
	}
	for _, b := range seg.Blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.transformer.AddDecoder(b.DecoderID, b.Type); err != nil {
			return err
		}
	}
	m.segments = append(m.segments, seg)

	loaded := m.transformer.ParameterBytes() - before
	metrics.RecordSegmentLoad(string(seg.Type), time.Since(start), m.transformer.ParameterBytes(), req.ModelID)
	log.Info("Segment loaded", "task", req.TaskID, "segment", seg.Type, "bytes", loaded, "duration", time.Since(start).String())
	return nil
}
