package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitorStatus(t *testing.T) {
	hm := NewHealthMonitor("worker")
	status := hm.Status(NodeInfo{Models: []string{"tiny"}})
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "worker", status.Node.Role)
	assert.Equal(t, []string{"tiny"}, status.Node.Models)
	assert.Zero(t, status.Performance.TokensPerSecond)

	hm.RecordInference("query", 10, time.Second, nil)
	hm.RecordInference("query", 10, time.Second, nil)
	status = hm.Status(NodeInfo{})
	assert.Equal(t, "healthy", status.Status)
	assert.InDelta(t, 10.0, status.Performance.TokensPerSecond, 1e-9)
	assert.InDelta(t, 1000.0, status.Performance.AvgLatencyMs, 1e-9)

	hm.RecordInference("work", 0, time.Millisecond, errors.New("model not loaded"))
	status = hm.Status(NodeInfo{})
	assert.Equal(t, "degraded", status.Status)
	require.Len(t, status.Alerts, 1)
	assert.Equal(t, "work", status.Alerts[0].Component)
	assert.InDelta(t, 1.0/3, status.Performance.ErrorRate, 1e-9)

	hm.ResolveAlerts()
	assert.Equal(t, "healthy", hm.Status(NodeInfo{}).Status)
}

func TestHealthMonitorBoundsHistory(t *testing.T) {
	hm := NewHealthMonitor("server")
	for i := 0; i < maxPerfPoints+10; i++ {
		hm.RecordInference("query", 1, 10*time.Second, nil)
	}
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	assert.Len(t, hm.history, maxPerfPoints)
	assert.Len(t, hm.alerts, maxAlerts, "slow inference warnings are capped")
}

func TestHealthServerProbe(t *testing.T) {
	hs, err := StartHealthServer("127.0.0.1:0")
	require.NoError(t, err)
	defer hs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var p Prober
	assert.Error(t, p.Probe(ctx, hs.Addr()), "not serving until told so")
	hs.SetServing(true)
	assert.NoError(t, p.Probe(ctx, hs.Addr()))
	hs.SetServing(false)
	assert.Error(t, p.Probe(ctx, hs.Addr()))
}
