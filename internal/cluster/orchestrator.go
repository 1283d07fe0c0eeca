package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-mesh/internal/catalog"
	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/logger"
	"github.com/23skdu/longbow-mesh/internal/metrics"
	"github.com/23skdu/longbow-mesh/internal/planner"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/safetensors"
	"github.com/23skdu/longbow-mesh/internal/tokenizer"
)

// WorkerClient sends instructions to workers by address.
type WorkerClient interface {
	LoadModel(ctx context.Context, addr string, req protocol.LoadModelRequest) error
	Work(ctx context.Context, addr string, req protocol.WorkRequest) (protocol.WorkResult, error)
}

// Prober checks a worker's health endpoint.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// Observer is told about every finished query.
type Observer interface {
	RecordInference(component string, tokens int, duration time.Duration, err error)
}

// Orchestrator runs the server's background actions against a State.
type Orchestrator struct {
	state    *State
	client   WorkerClient
	prober   Prober
	observer Observer
	node     config.NodeConfig
	log      *logger.Logger
}

func NewOrchestrator(state *State, client WorkerClient, node config.NodeConfig) *Orchestrator {
	def := config.DefaultNode()
	if node.LoadTimeout <= 0 {
		node.LoadTimeout = def.LoadTimeout
	}
	if node.RequestTimeout <= 0 {
		node.RequestTimeout = def.RequestTimeout
	}
	if node.SafetyMultiplier < 1 {
		node.SafetyMultiplier = def.SafetyMultiplier
	}
	return &Orchestrator{
		state:  state,
		client: client,
		node:   node,
		log:    logger.Component("server"),
	}
}

// SetProber enables health probes before instructions are sent, when the
// node config asks for them.
func (o *Orchestrator) SetProber(p Prober) { o.prober = p }

func (o *Orchestrator) SetObserver(obs Observer) { o.observer = obs }

func (o *Orchestrator) State() *State { return o.state }

// Join registers a worker.
func (o *Orchestrator) Join(msg protocol.ClientJoined) error {
	if err := o.state.RegisterWorker(msg); err != nil {
		return err
	}
	o.log.Info("Worker joined", "address", msg.Address, "free_memory", msg.FreeMemory)
	return nil
}

// OpenModel returns whether a model is ready to query. The first call for a
// model starts planning and loading in the background; a failed model keeps
// returning its error.
func (o *Orchestrator) OpenModel(modelID string, attempt int) (bool, error) {
	if modelID == "" {
		return false, fmt.Errorf("invalid model id: empty")
	}
	if attempt == 0 {
		o.log.Info("Open model", "model", modelID)
	}
	if o.state.addPendingModel(modelID) {
		go o.loadModel(modelID)
		go o.watch(modelID)
	}
	status, err := o.state.ModelStatus(modelID)
	switch status {
	case StatusActive:
		return true, nil
	case StatusFailed:
		return false, err
	default:
		return false, nil
	}
}

// watch fails a model that is still pending after the load timeout.
func (o *Orchestrator) watch(modelID string) {
	timer := time.NewTimer(o.node.LoadTimeout)
	defer timer.Stop()
	select {
	case <-o.state.done(modelID):
	case <-timer.C:
		o.fail(modelID, fmt.Errorf("%w: %s after %v", ErrLoadTimeout, modelID, o.node.LoadTimeout))
	}
}

func (o *Orchestrator) fail(modelID string, err error) {
	if o.state.FailModel(modelID, err) {
		o.log.Error("Model failed", "model", modelID, "error", err)
	}
}

// loadModel plans a model over the joined workers and instructs each of
// them to load its segment. The tokenizer load is one more task.
func (o *Orchestrator) loadModel(modelID string) {
	log := o.log.With("model", modelID)
	dir, err := catalog.Resolve(o.node.ModelRoot, modelID)
	if err != nil {
		o.fail(modelID, err)
		return
	}
	cfg, err := config.LoadModelConfig(dir)
	if err != nil {
		o.fail(modelID, err)
		return
	}
	cfg.ModelID = modelID

	reader, err := safetensors.OpenDir(dir)
	if err != nil {
		o.fail(modelID, err)
		return
	}
	cost, err := planner.Measure(cfg, reader)
	reader.Close()
	if err != nil {
		o.fail(modelID, err)
		return
	}

	joined := o.state.Workers()
	workers := make([]planner.WorkerInfo, len(joined))
	for i, w := range joined {
		workers[i] = w.WorkerInfo
	}
	segments, err := planner.Plan(workers, cost, cfg.DecoderCount, planner.Options{SafetyMultiplier: o.node.SafetyMultiplier})
	if err != nil {
		o.fail(modelID, fmt.Errorf("plan %s (%d workers): %w", modelID, len(workers), err))
		return
	}
	log.Info("Model planned", "segments", protocol.Describe(segments))

	tokenizerTask := uuid.NewString()
	tasks := []string{tokenizerTask}
	var loads []protocol.LoadModelRequest
	for _, seg := range segments {
		// the tail reuses the head's parameters on the same worker
		if seg.Type == protocol.TailOnly {
			continue
		}
		req := protocol.LoadModelRequest{TaskID: uuid.NewString(), ModelID: modelID, Segment: seg}
		tasks = append(tasks, req.TaskID)
		loads = append(loads, req)
	}
	if err := o.state.setPlan(modelID, cfg, segments, tasks); err != nil {
		log.Warn("Model left pending before its plan was recorded", "error", err)
		return
	}

	go func() {
		tok, err := tokenizer.Load(dir, cfg.EndOfTextToken)
		if err != nil {
			o.fail(modelID, err)
			return
		}
		o.state.setTokenizer(modelID, tok)
		o.completeTask(modelID, tokenizerTask)
	}()

	g, ctx := errgroup.WithContext(context.Background())
	for _, req := range loads {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, o.node.RequestTimeout)
			defer cancel()
			addr := req.Segment.WorkerAddress
			if err := o.probe(ctx, addr); err != nil {
				return err
			}
			if err := o.client.LoadModel(ctx, addr, req); err != nil {
				return fmt.Errorf("load %s on %s: %w", req.Segment.Type, addr, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.fail(modelID, err)
	}
}

// TaskCompleted handles a worker's load report.
func (o *Orchestrator) TaskCompleted(msg protocol.ModelLoaded) {
	if msg.Error != "" {
		o.fail(msg.ModelID, fmt.Errorf("load task %s: %s", msg.TaskID, msg.Error))
		return
	}
	o.completeTask(msg.ModelID, msg.TaskID)
}

func (o *Orchestrator) completeTask(modelID, taskID string) {
	if o.state.CompleteTask(modelID, taskID) {
		o.log.Info("Model active", "model", modelID, "segments", protocol.Describe(o.state.Segments(modelID)))
	}
}

// probe checks a worker's health before an instruction when probing is on.
func (o *Orchestrator) probe(ctx context.Context, addr string) error {
	if o.prober == nil || !o.node.ProbeWorkers {
		return nil
	}
	w, ok := o.state.worker(addr)
	if !ok || w.HealthAddress == "" {
		return nil
	}
	if err := o.prober.Probe(ctx, w.HealthAddress); err != nil {
		metrics.RecordProbeFailure()
		return fmt.Errorf("%w: %s: %v", ErrWorkerUnavailable, addr, err)
	}
	return nil
}
