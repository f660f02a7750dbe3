package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")

	logger.Info().Msg("hidden")
	logger.Warn().Str("account_id", "alice:brokerage").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["message"] != "shown" || entry["account_id"] != "alice:brokerage" || entry["level"] != "warn" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	logger := New(&bytes.Buffer{}, "loud", "json")
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("level = %s", logger.GetLevel())
	}
}

func TestHCLogBridge(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).Level(zerolog.DebugLevel)
	hl := NewHCLog("raft", base)

	hl.Warn("entering candidate state", "term", 3)
	hl.Trace("dropped below level")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["level"] != "warn" || entry["component"] != "raft" {
		t.Errorf("entry = %v", entry)
	}
	inner, ok := entry["hclog"].(map[string]any)
	if !ok || inner["@message"] != "entering candidate state" {
		t.Errorf("hclog payload = %v", entry["hclog"])
	}
}
