// Package cluster is the server side of the mesh: it tracks joined workers,
// plans and loads models across them, and drives queries through the
// segment chain one token at a time.
package cluster

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/metrics"
	"github.com/23skdu/longbow-mesh/internal/planner"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/tokenizer"
)

var (
	ErrLoadTimeout       = errors.New("model load timed out")
	ErrModelNotActive    = errors.New("model not active")
	ErrUnknownQuery      = errors.New("unknown query")
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

// ModelStatus is the lifecycle of a model on the server. Models start
// unknown (absent from the table), become pending when first opened, and end
// active or failed.
type ModelStatus string

const (
	StatusUnknown ModelStatus = "unknown"
	StatusPending ModelStatus = "pending"
	StatusActive  ModelStatus = "active"
	StatusFailed  ModelStatus = "failed"
)

// Worker is a joined worker.
type Worker struct {
	planner.WorkerInfo
	HealthAddress string
	Joined        time.Time
}

type modelState struct {
	id      string
	status  ModelStatus
	err     error
	started time.Time

	cfg       *config.Config
	tokenizer *tokenizer.Tokenizer
	segments  []protocol.WorkSegment
	tasks     map[string]struct{}
	// done is closed when the model leaves pending.
	done chan struct{}

	// queries on one model run one at a time against the shared KV caches
	queryMu sync.Mutex
	session string
	// cached is the number of positions the session holds
	cached int
}

type queryState struct {
	id        string
	modelID   string
	sessionID string
	input     []int
	topK      int
	maxLength int

	tokens []int
	text   string
	ready  bool
	err    error
}

// State is the server's shared store. Every compound operation runs inside
// one critical section.
type State struct {
	mu      sync.Mutex
	workers []Worker
	models  map[string]*modelState
	queries map[string]*queryState
}

func NewState() *State {
	return &State{
		models:  make(map[string]*modelState),
		queries: make(map[string]*queryState),
	}
}

// RegisterWorker adds a worker, or updates the free memory of a known
// address.
func (s *State) RegisterWorker(msg protocol.ClientJoined) error {
	if msg.Address == "" {
		return fmt.Errorf("invalid worker address: empty")
	}
	if msg.FreeMemory <= 0 {
		return fmt.Errorf("invalid free memory: %d (must be positive)", msg.FreeMemory)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := Worker{
		WorkerInfo:    planner.WorkerInfo{Address: msg.Address, FreeMemory: msg.FreeMemory},
		HealthAddress: msg.HealthAddress,
		Joined:        time.Now(),
	}
	for i := range s.workers {
		if s.workers[i].Address == msg.Address {
			s.workers[i] = w
			return nil
		}
	}
	s.workers = append(s.workers, w)
	metrics.RecordWorkerJoined(len(s.workers))
	return nil
}

// Workers returns the joined workers in join order.
func (s *State) Workers() []Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Worker(nil), s.workers...)
}

func (s *State) worker(addr string) (Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.Address == addr {
			return w, true
		}
	}
	return Worker{}, false
}

// addPendingModel inserts a pending model unless one exists. Only the
// caller that inserted gets true.
func (s *State) addPendingModel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; ok {
		return false
	}
	s.models[id] = &modelState{
		id:      id,
		status:  StatusPending,
		started: time.Now(),
		tasks:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	metrics.RecordModelTransition("", string(StatusPending))
	return true
}

// ModelStatus reports a model's status and, for failed models, the error.
func (s *State) ModelStatus(id string) (ModelStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return StatusUnknown, nil
	}
	return m.status, m.err
}

// done returns the channel closed when the model leaves pending.
func (s *State) done(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[id]; ok {
		return m.done
	}
	return nil
}

// setPlan records the plan of a pending model and the tasks that must
// complete before it activates. Tasks are registered before any is sent.
func (s *State) setPlan(id string, cfg *config.Config, segments []protocol.WorkSegment, tasks []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok || m.status != StatusPending {
		return fmt.Errorf("%w: %s", ErrModelNotActive, id)
	}
	m.cfg, m.segments = cfg, segments
	for _, t := range tasks {
		m.tasks[t] = struct{}{}
	}
	return nil
}

func (s *State) setTokenizer(id string, tok *tokenizer.Tokenizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[id]; ok {
		m.tokenizer = tok
	}
}

// CompleteTask removes a task of a pending model and activates the model
// once no task is left. Unknown and repeated task ids are ignored. It
// reports whether this call activated the model.
func (s *State) CompleteTask(modelID, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[modelID]
	if !ok || m.status != StatusPending {
		return false
	}
	if _, ok := m.tasks[taskID]; !ok {
		return false
	}
	delete(m.tasks, taskID)
	if len(m.tasks) > 0 {
		return false
	}
	m.status = StatusActive
	close(m.done)
	metrics.RecordModelTransition(string(StatusPending), string(StatusActive))
	metrics.RecordModelLoad(modelID, string(StatusActive), time.Since(m.started))
	return true
}

// FailModel moves a pending model to failed. It reports whether the model
// was pending.
func (s *State) FailModel(modelID string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[modelID]
	if !ok || m.status != StatusPending {
		return false
	}
	m.status = StatusFailed
	m.err = err
	m.tasks = make(map[string]struct{})
	close(m.done)
	metrics.RecordModelTransition(string(StatusPending), string(StatusFailed))
	metrics.RecordModelLoad(modelID, string(StatusFailed), time.Since(m.started))
	return true
}

// activeModel returns a model that has finished loading.
func (s *State) activeModel(id string) (*modelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok || m.status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrModelNotActive, id)
	}
	return m, nil
}

// Models lists model ids with their status.
func (s *State) Models() map[string]ModelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ModelStatus, len(s.models))
	for id, m := range s.models {
		out[id] = m.status
	}
	return out
}

// Segments returns the plan of a model.
func (s *State) Segments(id string) []protocol.WorkSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return nil
	}
	return append([]protocol.WorkSegment(nil), m.segments...)
}

func (s *State) addQuery(q *queryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[q.id] = q
}

// recordToken appends a generated token and the decoded text so far.
func (s *State) recordToken(id string, token int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queries[id]; ok {
		q.tokens = append(q.tokens, token)
		q.text = text
	}
}

// finishQuery marks a query ready, with the error that ended it if any.
func (s *State) finishQuery(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queries[id]; ok {
		q.ready = true
		q.err = err
	}
}

// PollQuery returns a snapshot of a query.
func (s *State) PollQuery(id string) (protocol.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[id]
	if !ok {
		return protocol.QueryResult{}, fmt.Errorf("%w: %s", ErrUnknownQuery, id)
	}
	res := protocol.QueryResult{
		QueryID: q.id,
		Tokens:  append([]int{}, q.tokens...),
		Text:    q.text,
		Ready:   q.ready,
	}
	if q.err != nil {
		res.Error = q.err.Error()
	}
	return res, nil
}
