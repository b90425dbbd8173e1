package logx

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "spider"))
	log.Info("task.dispatched", Int("network_try", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "spider" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["network_try"] != float64(2) {
		t.Fatalf("network_try = %v", m["network_try"])
	}
	if m["message"] != "task.dispatched" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}

func TestParseLevel(t *testing.T) {
	if got := parseLevel("warning", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("bogus", LevelInfo); got != LevelInfo {
		t.Fatalf("parseLevel(bogus) = %v", got)
	}
}
