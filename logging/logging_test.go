package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mrjvadi/tattoo-broker/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zap.DebugLevel,
		"":        zap.InfoLevel,
		"INFO":    zap.InfoLevel,
		"warning": zap.WarnLevel,
		"error":   zap.ErrorLevel,
	}
	for in, want := range cases {
		lvl, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if lvl.Level() != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, lvl.Level(), want)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetupWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "worker.log")
	logger, err := Setup(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())

	logger.Debug("hidden")
	logger.Info("task finished", zap.String("task", "model_inference"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["msg"] != "task finished" || entry["task"] != "model_inference" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestSetupWithRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	logger, err := Setup(config.LogConfig{
		Level:    "debug",
		Outputs:  []string{path},
		Rotation: config.RotationConfig{Enable: true, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())

	logger.Debug("rotating sink")
	_ = logger.Sync()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "rotating sink") {
		t.Fatalf("log = %q", data)
	}
}

func TestSetupRejectsBadLevel(t *testing.T) {
	if _, err := Setup(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error")
	}
}
