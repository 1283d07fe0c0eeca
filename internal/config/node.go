package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/23skdu/longbow-mesh/internal/logger"
)

// NodeConfig holds the process settings of a server or worker.
type NodeConfig struct {
	// ListenAddr is the HTTP listen address of this node.
	ListenAddr string
	// AdvertiseURL is the base URL other nodes use to reach this node.
	AdvertiseURL string
	// ServerURL is the base URL of the server (workers and clients).
	ServerURL string
	// HealthAddr is the gRPC health listen address; empty disables it.
	HealthAddr string
	// ModelRoot contains one directory per model id.
	ModelRoot string

	// FreeMemory overrides detection when positive (bytes).
	FreeMemory int64
	// MemoryFraction is the share of detected free memory a worker offers.
	MemoryFraction float64

	LoadTimeout        time.Duration
	RequestTimeout     time.Duration
	SafetyMultiplier   float64
	MaxConcurrentLoads int64
	ProbeWorkers       bool

	LogLevel  string
	LogFormat string
}

func DefaultNode() NodeConfig {
	return NodeConfig{
		ListenAddr:         ":8080",
		ServerURL:          "http://127.0.0.1:8080",
		ModelRoot:          "models",
		LoadTimeout:        10 * time.Minute,
		RequestTimeout:     60 * time.Second,
		SafetyMultiplier:   1.2,
		MemoryFraction:     0.8,
		MaxConcurrentLoads: 1,
		LogLevel:           "INFO",
		LogFormat:          "text",
	}
}

func (n *NodeConfig) Validate() error {
	if n.ListenAddr == "" {
		return fmt.Errorf("invalid listen address: empty")
	}
	if n.LoadTimeout <= 0 {
		return fmt.Errorf("invalid load timeout: %v (must be positive)", n.LoadTimeout)
	}
	if n.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %v (must be positive)", n.RequestTimeout)
	}
	if n.SafetyMultiplier < 1 {
		return fmt.Errorf("invalid safety multiplier: %v (must be >= 1)", n.SafetyMultiplier)
	}
	if n.MaxConcurrentLoads <= 0 {
		return fmt.Errorf("invalid max concurrent loads: %d (must be positive)", n.MaxConcurrentLoads)
	}
	if n.MemoryFraction <= 0 || n.MemoryFraction > 1 {
		return fmt.Errorf("invalid memory fraction: %v (must be in (0, 1])", n.MemoryFraction)
	}
	if n.FreeMemory < 0 {
		return fmt.Errorf("invalid free memory: %d (must not be negative)", n.FreeMemory)
	}
	return nil
}

// ApplyEnv overrides fields from MESH_* environment variables. Malformed
// values are logged and ignored.
func (n *NodeConfig) ApplyEnv() {
	stringVar("MESH_LISTEN", &n.ListenAddr)
	stringVar("MESH_ADVERTISE_URL", &n.AdvertiseURL)
	stringVar("MESH_SERVER_URL", &n.ServerURL)
	stringVar("MESH_HEALTH_ADDR", &n.HealthAddr)
	stringVar("MESH_MODELS", &n.ModelRoot)
	stringVar("MESH_LOG_LEVEL", &n.LogLevel)
	stringVar("MESH_LOG_FORMAT", &n.LogFormat)

	if s := Var("MESH_FREE_MEMORY"); s != "" {
		if v, err := ParseBytes(s); err != nil {
			warnInvalid("MESH_FREE_MEMORY", s)
		} else {
			n.FreeMemory = v
		}
	}
	durationVar("MESH_LOAD_TIMEOUT", &n.LoadTimeout)
	durationVar("MESH_REQUEST_TIMEOUT", &n.RequestTimeout)
	if s := Var("MESH_SAFETY_MULTIPLIER"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err != nil {
			warnInvalid("MESH_SAFETY_MULTIPLIER", s)
		} else {
			n.SafetyMultiplier = v
		}
	}
	if s := Var("MESH_MEMORY_FRACTION"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err != nil {
			warnInvalid("MESH_MEMORY_FRACTION", s)
		} else {
			n.MemoryFraction = v
		}
	}
	if s := Var("MESH_MAX_LOADS"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err != nil {
			warnInvalid("MESH_MAX_LOADS", s)
		} else {
			n.MaxConcurrentLoads = v
		}
	}
	if s := Var("MESH_PROBE_WORKERS"); s != "" {
		if b, err := strconv.ParseBool(s); err != nil {
			warnInvalid("MESH_PROBE_WORKERS", s)
		} else {
			n.ProbeWorkers = b
		}
	}
}

// Var returns an environment variable stripped of whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func stringVar(key string, dst *string) {
	if s := Var(key); s != "" {
		*dst = s
	}
}

func durationVar(key string, dst *time.Duration) {
	s := Var(key)
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
		return
	}
	// plain integers are seconds
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	warnInvalid(key, s)
}

func warnInvalid(key, value string) {
	if logger.Log != nil {
		logger.Log.Warn("invalid environment variable, using default", "key", key, "value", value)
	}
}

// ParseBytes reads a memory size such as "8GiB", "512m" or "1024". Unit
// suffixes are binary. Zero, negative and overflowing sizes are rejected.
func ParseBytes(s string) (int64, error) {
	v, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid byte size %q: must be positive and below %s", s, units.BytesSize(math.MaxInt64))
	}
	return v, nil
}
