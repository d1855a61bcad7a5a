package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_ProdIsJSONAtInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "prod", "")

	log.Debug("hidden")
	log.Info("room.created", "room", "r1")

	line := strings.TrimSpace(buf.String())
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("output is not a single JSON line: %q", line)
	}
	if got["msg"] != "room.created" || got["room"] != "r1" {
		t.Errorf("got %v", got)
	}
}

func TestNew_DevIsTextAtDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "dev", "")
	log.Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("output = %q, want text debug line", buf.String())
	}
}

func TestNew_LevelOverride(t *testing.T) {
	log := New(&bytes.Buffer{}, "dev", "warn")
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !log.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn should be enabled")
	}
}
