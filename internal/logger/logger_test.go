package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
		want   zerolog.Level
	}{
		{"debug level", "debug", "console", zerolog.DebugLevel},
		{"info level", "info", "console", zerolog.InfoLevel},
		{"warn level", "warn", "console", zerolog.WarnLevel},
		{"warning alias", "WARNING", "console", zerolog.WarnLevel},
		{"error level", "error", "console", zerolog.ErrorLevel},
		{"json format", "info", "json", zerolog.InfoLevel},
		{"uppercase level", "DEBUG", "console", zerolog.DebugLevel},
		{"unknown level", "chatty", "console", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Fatal("expected Log to be initialized")
			}
			if got := zerolog.GlobalLevel(); got != tt.want {
				t.Errorf("expected level %v, got %v", tt.want, got)
			}
		})
	}
	Setup("info", "console")
}

func TestJSONFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	Component("planner").Info("planned",
		"model", "gpt2",
		"segments", 3,
		"err", errors.New("boom"),
	)

	var event map[string]interface{}
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, line)
	}
	if event["component"] != "planner" {
		t.Errorf("expected component planner, got %v", event["component"])
	}
	if event["model"] != "gpt2" {
		t.Errorf("expected model gpt2, got %v", event["model"])
	}
	if event["segments"] != float64(3) {
		t.Errorf("expected segments 3, got %v", event["segments"])
	}
	if event["err"] != "boom" {
		t.Errorf("expected err boom, got %v", event["err"])
	}
}

func TestOddArgumentsIgnored(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.Info("dangling", "key")
	if !strings.Contains(buf.String(), "dangling") {
		t.Errorf("expected message in output, got %q", buf.String())
	}
	if strings.Contains(buf.String(), `"key"`) {
		t.Errorf("dangling key should not be emitted, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")
	defer Setup("info", "console")

	Log.Info("hidden")
	Log.Debug("hidden too")
	Log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info/debug should be filtered at warn, got %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn should be emitted, got %q", out)
	}
}
