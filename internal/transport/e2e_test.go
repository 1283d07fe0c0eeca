package transport

import (
	"context"
	"math"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mesh/internal/cluster"
	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/monitoring"
	"github.com/23skdu/longbow-mesh/internal/planner"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/testmodel"
	"github.com/23skdu/longbow-mesh/internal/worker"
)

const mib = 1 << 20

func scaled(n int64) int64 {
	return int64(math.Ceil(float64(n*mib) * planner.DefaultSafetyMultiplier))
}

// startMesh runs a server and one HTTP worker per entry in free, all on
// loopback, and returns a client for the server.
func startMesh(t *testing.T, root string, free ...int64) (*Client, []string) {
	t.Helper()
	node := config.DefaultNode()
	node.ModelRoot = root

	orch := cluster.NewOrchestrator(cluster.NewState(), NewWorkers(), node)
	server := httptest.NewServer(NewServer(orch, root, monitoring.NewHealthMonitor("server")).Routes())
	t.Cleanup(server.Close)

	ctx := context.Background()
	var addrs []string
	for _, mem := range free {
		state := worker.NewState(node, NewClient(server.URL))
		t.Cleanup(func() { state.Close() })
		ws := httptest.NewServer(NewWorker(state, monitoring.NewHealthMonitor("worker")).Routes())
		t.Cleanup(ws.Close)
		require.NoError(t, NewClient(server.URL).Join(ctx, protocol.ClientJoined{Address: ws.URL, FreeMemory: mem}))
		addrs = append(addrs, ws.URL)
	}

	c := NewClient(server.URL)
	c.PollInterval = 5 * time.Millisecond
	return c, addrs
}

func TestSplitOverHTTPMatchesSingleWorker(t *testing.T) {
	root := t.TempDir()
	_, err := testmodel.Write(filepath.Join(root, "tiny"), testmodel.Options{
		Architecture: "GPT2",
		Decoders:     4,
		Override: &config.Override{
			MemorySize: config.MemorySize{Main: 10, AttentionLayer: 1, NeuralNetLayer: 1},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	split, addrs := startMesh(t, root, scaled(10)+4*scaled(1), 4*scaled(1))
	require.NoError(t, split.WaitModel(ctx, "tiny"))
	models, err := split.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, cluster.StatusActive, models[0].Status)
	segments := models[0].Segments
	require.Len(t, segments, 3)
	assert.Equal(t, protocol.HeadAndLayers, segments[0].Type)
	assert.Equal(t, addrs[0], segments[0].WorkerAddress)
	assert.Equal(t, protocol.LayersOnly, segments[1].Type)
	assert.Equal(t, addrs[1], segments[1].WorkerAddress)
	assert.Equal(t, protocol.TailOnly, segments[2].Type)

	single, _ := startMesh(t, root, 1<<40)
	require.NoError(t, single.WaitModel(ctx, "tiny"))

	req := protocol.QueryRequest{ModelID: "tiny", Text: "hello mesh", TopK: 1, MaxLength: 5}
	want, err := single.Query(ctx, req)
	require.NoError(t, err)

	var polls int
	id, err := split.SubmitQuery(ctx, req)
	require.NoError(t, err)
	got, err := split.WaitQuery(ctx, id, func(protocol.QueryResult) { polls++ })
	require.NoError(t, err)
	assert.Positive(t, polls)

	assert.Equal(t, want.Tokens, got.Tokens)
	assert.Equal(t, want.Text, got.Text)
	assert.NotEmpty(t, got.Tokens)
	assert.LessOrEqual(t, len(got.Tokens), 5)
}

func TestOpenMissingModelOverHTTP(t *testing.T) {
	c, _ := startMesh(t, t.TempDir(), 1<<40)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.WaitModel(ctx, "absent")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)
	assert.Contains(t, se.Message, config.ErrMissingFile.Error())
}
