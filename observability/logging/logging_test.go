package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewRenamesStandardKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "lendingd", "test", slog.LevelInfo, false)
	logger.Info("market listed", "market", "usdc")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["message"] != "market listed" || line["severity"] != "INFO" {
		t.Fatalf("unexpected keys: %v", line)
	}
	if line["service"] != "lendingd" || line["env"] != "test" || line["market"] != "usdc" {
		t.Fatalf("missing attributes: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("expected timestamp key: %v", line)
	}
}

func TestSensitiveKeysAreMasked(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "lendingd", "", slog.LevelInfo, false)
	logger.Info("request", "authorization", "Bearer abc", "token", "")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["authorization"] != RedactedValue {
		t.Fatalf("expected authorization to be masked, got %v", line["authorization"])
	}
	if line["token"] != "" {
		t.Fatalf("empty values must stay empty, got %v", line["token"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "lendingd", "", ParseLevel("warn"), false)
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level: %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn line")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unknown levels default to info")
	}
}
