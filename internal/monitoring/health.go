// Package monitoring reports node health: a JSON status document served on
// /healthz, and the gRPC health service the server probes workers with.
package monitoring

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"
)

// Version is reported in health documents.
var Version = "dev"

// HealthStatus represents the health status of a node
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Node        NodeInfo        `json:"node"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// NodeInfo describes what the node is serving.
type NodeInfo struct {
	Role    string   `json:"role"`
	Models  []string `json:"models"`
	Workers int      `json:"workers,omitempty"`
}

// PerformanceInfo summarizes recent inference
type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastInference   time.Time `json:"last_inference"`
}

// Alert represents a node alert
type Alert struct {
	Level     string    `json:"level"`     // warning, error, critical
	Component string    `json:"component"` // query, work, load
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

type perfPoint struct {
	tokens   int
	duration time.Duration
	failed   bool
}

const (
	maxPerfPoints = 1000
	maxAlerts     = 100
	// slowInference raises a warning.
	slowInference = 5 * time.Second
)

// HealthMonitor keeps a rolling window of inference results.
type HealthMonitor struct {
	role      string
	startTime time.Time

	mu            sync.RWMutex
	alerts        []Alert
	lastInference time.Time
	history       []perfPoint
}

func NewHealthMonitor(role string) *HealthMonitor {
	return &HealthMonitor{role: role, startTime: time.Now()}
}

// RecordInference records one finished query or work request.
func (hm *HealthMonitor) RecordInference(component string, tokens int, duration time.Duration, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.lastInference = time.Now()
	hm.history = append(hm.history, perfPoint{tokens: tokens, duration: duration, failed: err != nil})
	if len(hm.history) > maxPerfPoints {
		hm.history = hm.history[1:]
	}

	switch {
	case err != nil:
		hm.addAlert("error", component, err.Error())
	case duration > slowInference:
		hm.addAlert("warning", component, fmt.Sprintf("Slow %s: %.2f ms", component, float64(duration.Nanoseconds())/1e6))
	}
}

func (hm *HealthMonitor) addAlert(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
}

// ResolveAlerts marks every alert resolved.
func (hm *HealthMonitor) ResolveAlerts() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for i := range hm.alerts {
		hm.alerts[i].Resolved = true
	}
}

// Status builds the health document. A node with unresolved error alerts is
// degraded; critical alerts make it critical.
func (hm *HealthMonitor) Status(node NodeInfo) HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	node.Role = hm.role
	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Node:        node,
		Performance: hm.performance(),
		Alerts:      append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{LastInference: hm.lastInference}
	if len(hm.history) == 0 {
		return info
	}

	var tokens, failed int
	var total time.Duration
	latencies := make([]float64, len(hm.history))
	for i, p := range hm.history {
		tokens += p.tokens
		total += p.duration
		latencies[i] = float64(p.duration.Nanoseconds()) / 1e6
		if p.failed {
			failed++
		}
	}
	slices.Sort(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(failed) / float64(len(hm.history))
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}
