package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/planner"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/testmodel"
	"github.com/23skdu/longbow-mesh/internal/worker"
)

const mib = 1 << 20

// reporter hands worker load reports straight to the orchestrator.
type reporter struct{ o *Orchestrator }

func (r *reporter) ModelLoaded(_ context.Context, msg protocol.ModelLoaded) error {
	r.o.TaskCompleted(msg)
	return nil
}

// localClient dispatches to in-process workers by address.
type localClient struct {
	mu      sync.Mutex
	workers map[string]*worker.State
	down    map[string]bool
	hold    bool
	sent    []protocol.WorkRequest
	loads   int
}

func (c *localClient) get(addr string) (*worker.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[addr]
	if !ok || c.down[addr] {
		return nil, fmt.Errorf("%w: %s", ErrWorkerUnavailable, addr)
	}
	return w, nil
}

func (c *localClient) LoadModel(_ context.Context, addr string, req protocol.LoadModelRequest) error {
	w, err := c.get(addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	hold := c.hold
	c.loads++
	c.mu.Unlock()
	if !hold {
		w.StartLoad(req)
	}
	return nil
}

func (c *localClient) Work(_ context.Context, addr string, req protocol.WorkRequest) (protocol.WorkResult, error) {
	w, err := c.get(addr)
	if err != nil {
		return protocol.WorkResult{}, err
	}
	c.mu.Lock()
	c.sent = append(c.sent, req)
	c.mu.Unlock()
	return w.Execute(req)
}

func (c *localClient) requests() []protocol.WorkRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.WorkRequest(nil), c.sent...)
}

type mesh struct {
	orch   *Orchestrator
	client *localClient
}

// newMesh starts an orchestrator over in-process workers with the given free
// memory, all reading models from root.
func newMesh(t *testing.T, root string, node config.NodeConfig, free map[string]int64) *mesh {
	t.Helper()
	node.ModelRoot = root
	rep := &reporter{}
	client := &localClient{workers: map[string]*worker.State{}, down: map[string]bool{}}
	o := NewOrchestrator(NewState(), client, node)
	rep.o = o

	for addr, mem := range free {
		w := worker.NewState(node, rep)
		t.Cleanup(func() { w.Close() })
		client.workers[addr] = w
		require.NoError(t, o.Join(protocol.ClientJoined{Address: addr, FreeMemory: mem}))
	}
	return &mesh{orch: o, client: client}
}

func (m *mesh) open(t *testing.T, modelID string) error {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for attempt := 0; time.Now().Before(deadline); attempt++ {
		ready, err := m.orch.OpenModel(modelID, attempt)
		if err != nil || ready {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("model %s did not open", modelID)
	return nil
}

func (m *mesh) query(t *testing.T, req protocol.QueryRequest) protocol.QueryResult {
	t.Helper()
	id, err := m.orch.SubmitQuery(req)
	require.NoError(t, err)
	deadline := time.Now().Add(20 * time.Second)
	for attempt := 0; time.Now().Before(deadline); attempt++ {
		res, err := m.orch.PollQuery(id, attempt)
		require.NoError(t, err)
		if res.Ready {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("query %s did not finish", id)
	return protocol.QueryResult{}
}

// writeModel declares memory costs so the plan is independent of the
// parameter layout: 10 MiB for head and tail, 1 MiB per block.
func writeModel(t *testing.T, decoders int) string {
	t.Helper()
	root := t.TempDir()
	_, err := testmodel.Write(filepath.Join(root, "tiny"), testmodel.Options{
		Architecture: "GPT2",
		Decoders:     decoders,
		Override: &config.Override{
			MemorySize: config.MemorySize{Main: 10, AttentionLayer: 1, NeuralNetLayer: 1},
		},
	})
	require.NoError(t, err)
	return root
}

// scaled is a declared MiB cost after the default safety multiplier.
func scaled(n int64) int64 {
	return int64(math.Ceil(float64(n*mib) * planner.DefaultSafetyMultiplier))
}

func TestSplitModelMatchesSingleWorker(t *testing.T) {
	root := writeModel(t, 4)
	node := config.DefaultNode()

	// A holds head, tail and two decoders; B the other two
	split := newMesh(t, root, node, map[string]int64{
		"a": scaled(10) + 4*scaled(1),
		"b": 4 * scaled(1),
	})
	require.NoError(t, split.open(t, "tiny"))
	segments := split.orch.State().Segments("tiny")
	require.Len(t, segments, 3)
	assert.Equal(t, protocol.HeadAndLayers, segments[0].Type)
	assert.Equal(t, "a", segments[0].WorkerAddress)
	assert.Len(t, segments[0].Blocks, 4)
	assert.Equal(t, protocol.LayersOnly, segments[1].Type)
	assert.Equal(t, "b", segments[1].WorkerAddress)
	assert.Equal(t, protocol.TailOnly, segments[2].Type)
	assert.Equal(t, "a", segments[2].WorkerAddress)

	single := newMesh(t, root, node, map[string]int64{"solo": 1 << 40})
	require.NoError(t, single.open(t, "tiny"))
	require.Len(t, single.orch.State().Segments("tiny"), 1)

	req := protocol.QueryRequest{ModelID: "tiny", Text: "hello", TopK: 1, MaxLength: 5}
	want := single.query(t, req)
	got := split.query(t, req)
	require.Empty(t, got.Error)
	require.Empty(t, want.Error)
	assert.Equal(t, want.Tokens, got.Tokens)
	assert.Equal(t, want.Text, got.Text)
	assert.NotEmpty(t, got.Tokens)
	assert.LessOrEqual(t, len(got.Tokens), 5)

	// prompt tokens never reach the tail
	for _, r := range split.client.requests() {
		if r.Segment.Type == protocol.TailOnly {
			assert.False(t, r.InputOnly)
		}
	}
}

func TestConcurrentOpenLoadsOnce(t *testing.T) {
	root := writeModel(t, 4)
	m := newMesh(t, root, config.DefaultNode(), map[string]int64{
		"a": scaled(10) + 4*scaled(1),
		"b": 4 * scaled(1),
	})

	const callers = 64
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.orch.OpenModel("tiny", i)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, m.open(t, "tiny"))

	var layered int
	for _, seg := range m.orch.State().Segments("tiny") {
		if seg.Type != protocol.TailOnly {
			layered++
		}
	}
	require.Equal(t, 2, layered)

	m.client.mu.Lock()
	defer m.client.mu.Unlock()
	assert.Equal(t, layered, m.client.loads, "every segment is loaded exactly once")
}

func TestSessions(t *testing.T) {
	root := writeModel(t, 2)
	m := newMesh(t, root, config.DefaultNode(), map[string]int64{"solo": 1 << 40})
	require.NoError(t, m.open(t, "tiny"))

	session := m.orch.StartSession()
	first := m.query(t, protocol.QueryRequest{ModelID: "tiny", SessionID: session, Text: "abc", TopK: 1, MaxLength: 2})
	require.Empty(t, first.Error)
	n := len(m.client.requests())
	require.True(t, m.client.requests()[0].ClearSession)

	second := m.query(t, protocol.QueryRequest{ModelID: "tiny", SessionID: session, Text: "de", TopK: 1, MaxLength: 2})
	require.Empty(t, second.Error)
	cont := m.client.requests()[n]
	assert.False(t, cont.ClearSession, "same session keeps the cache")
	assert.Equal(t, 3+len(first.Tokens)-1, cont.Position)
	n = len(m.client.requests())

	third := m.query(t, protocol.QueryRequest{ModelID: "tiny", SessionID: m.orch.StartSession(), Text: "abc", TopK: 1, MaxLength: 2})
	fresh := m.client.requests()[n]
	assert.True(t, fresh.ClearSession)
	assert.Equal(t, 0, fresh.Position)
	assert.Equal(t, first.Tokens, third.Tokens, "a fresh session starts over")
}

func TestEmptyTextStartsFromEndOfText(t *testing.T) {
	root := writeModel(t, 1)
	m := newMesh(t, root, config.DefaultNode(), map[string]int64{"solo": 1 << 40})
	require.NoError(t, m.open(t, "tiny"))

	res := m.query(t, protocol.QueryRequest{ModelID: "tiny", TopK: 1, MaxLength: 3})
	require.Empty(t, res.Error)
	reqs := m.client.requests()
	require.NotEmpty(t, reqs)
	cfg, err := config.LoadModelConfig(filepath.Join(root, "tiny"))
	require.NoError(t, err)
	assert.Equal(t, cfg.EndOfTextToken, reqs[0].Input.Token)
	assert.False(t, reqs[0].InputOnly)
}

func TestOpenModelFailures(t *testing.T) {
	root := writeModel(t, 2)

	t.Run("no capacity", func(t *testing.T) {
		m := newMesh(t, root, config.DefaultNode(), map[string]int64{"a": 5 * mib})
		err := m.open(t, "tiny")
		assert.ErrorIs(t, err, planner.ErrInsufficientCapacity)
		_, again := m.orch.OpenModel("tiny", 7)
		assert.Equal(t, err, again, "failure is permanent")
	})

	t.Run("missing model", func(t *testing.T) {
		m := newMesh(t, root, config.DefaultNode(), map[string]int64{"a": 1 << 40})
		assert.ErrorIs(t, m.open(t, "absent"), config.ErrMissingFile)
	})

	t.Run("worker unreachable", func(t *testing.T) {
		m := newMesh(t, root, config.DefaultNode(), map[string]int64{"a": 1 << 40})
		m.client.down["a"] = true
		assert.ErrorIs(t, m.open(t, "tiny"), ErrWorkerUnavailable)
	})

	t.Run("load timeout", func(t *testing.T) {
		node := config.DefaultNode()
		node.LoadTimeout = 50 * time.Millisecond
		m := newMesh(t, root, node, map[string]int64{"a": 1 << 40})
		m.client.hold = true
		assert.ErrorIs(t, m.open(t, "tiny"), ErrLoadTimeout)
	})

	t.Run("worker load error", func(t *testing.T) {
		m := newMesh(t, root, config.DefaultNode(), map[string]int64{"a": 1 << 40})
		m.client.hold = true
		_, err := m.orch.OpenModel("tiny", 0)
		require.NoError(t, err)
		m.orch.TaskCompleted(protocol.ModelLoaded{ModelID: "tiny", TaskID: "any", Error: "out of memory"})
		err = m.open(t, "tiny")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out of memory")
	})
}

func TestQueryErrors(t *testing.T) {
	root := writeModel(t, 1)
	m := newMesh(t, root, config.DefaultNode(), map[string]int64{"a": 1 << 40})

	_, err := m.orch.SubmitQuery(protocol.QueryRequest{ModelID: "tiny", Text: "hi"})
	assert.ErrorIs(t, err, ErrModelNotActive)
	_, err = m.orch.PollQuery("missing", 0)
	assert.ErrorIs(t, err, ErrUnknownQuery)

	require.NoError(t, m.open(t, "tiny"))
	_, err = m.orch.SubmitQuery(protocol.QueryRequest{ModelID: "tiny", Text: "hi", TopK: -1})
	assert.Error(t, err)

	// a worker failure ends the query, not the model
	m.client.mu.Lock()
	m.client.down["a"] = true
	m.client.mu.Unlock()
	res := m.query(t, protocol.QueryRequest{ModelID: "tiny", Text: "hi", TopK: 1, MaxLength: 2})
	assert.True(t, res.Ready)
	assert.Contains(t, res.Error, ErrWorkerUnavailable.Error())
	ready, err := m.orch.OpenModel("tiny", 1)
	assert.NoError(t, err)
	assert.True(t, ready)
}

type failingProber struct{}

func (failingProber) Probe(context.Context, string) error { return errors.New("connection refused") }

func TestProbeBeforeLoad(t *testing.T) {
	root := writeModel(t, 1)
	node := config.DefaultNode()
	node.ProbeWorkers = true
	m := newMesh(t, root, node, nil)
	m.orch.SetProber(failingProber{})
	w := worker.NewState(node, &reporter{o: m.orch})
	t.Cleanup(func() { w.Close() })
	m.client.workers["a"] = w
	require.NoError(t, m.orch.Join(protocol.ClientJoined{Address: "a", FreeMemory: 1 << 40, HealthAddress: "a:9090"}))

	assert.ErrorIs(t, m.open(t, "tiny"), ErrWorkerUnavailable)
}
