// Package worker holds the models a worker has loaded and executes work
// requests against them.
package worker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/engine"
	"github.com/23skdu/longbow-mesh/internal/logger"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/safetensors"
)

var ErrModelNotLoaded = errors.New("model not loaded")

// Reporter delivers load completions to the server.
type Reporter interface {
	ModelLoaded(ctx context.Context, msg protocol.ModelLoaded) error
}

// model is one transformer per model id. Its mutex serializes loads and work
// against the transformer's KV caches.
type model struct {
	mu          sync.Mutex
	cfg         *config.Config
	reader      *safetensors.Reader
	transformer *engine.Transformer
	segments    []protocol.WorkSegment
}

// State is the worker's active-model table.
type State struct {
	node     config.NodeConfig
	reporter Reporter
	loads    *semaphore.Weighted
	log      *logger.Logger

	mu     sync.Mutex
	models map[string]*model
}

func NewState(node config.NodeConfig, reporter Reporter) *State {
	limit := node.MaxConcurrentLoads
	if limit <= 0 {
		limit = 1
	}
	return &State{
		node:     node,
		reporter: reporter,
		loads:    semaphore.NewWeighted(limit),
		log:      logger.Component("worker"),
		models:   make(map[string]*model),
	}
}

// model returns the entry for id, creating it when create is set.
func (s *State) model(id string, create bool) (*model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok && create {
		m = &model{}
		s.models[id] = m
		ok = true
	}
	return m, ok
}

// Loaded lists the model ids with at least one segment loaded.
func (s *State) Loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.models))
	for id, m := range s.models {
		m.mu.Lock()
		if m.transformer != nil {
			ids = append(ids, id)
		}
		m.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Segments returns the segments loaded for a model.
func (s *State) Segments(modelID string) []protocol.WorkSegment {
	m, ok := s.model(modelID, false)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.WorkSegment(nil), m.segments...)
}

// Close releases every parameter file.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, m := range s.models {
		if m.reader != nil {
			errs = append(errs, m.reader.Close())
		}
		delete(s.models, id)
	}
	return errors.Join(errs...)
}
