package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestLeveledAdapter_WritesJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLeveledAdapter("info", &buf, false)
	if err != nil {
		t.Fatalf("NewLeveledAdapter: %v", err)
	}

	logger.Info("report stored",
		String("report_id", "abc"),
		Int("attachments", 2),
		Duration("took", time.Second),
		Err(errors.New("disk full")),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if entry["message"] != "report stored" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["report_id"] != "abc" {
		t.Errorf("report_id = %v", entry["report_id"])
	}
	if entry["error"] != "disk full" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestLeveledAdapter_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLeveledAdapter("warn", &buf, false)
	if err != nil {
		t.Fatal(err)
	}

	logger.Debug("hidden")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got %q", buf.String())
	}

	logger.Warn("shown")
	if buf.Len() == 0 {
		t.Error("expected warn output")
	}
}

func TestLeveledAdapter_BadLevel(t *testing.T) {
	if _, err := NewLeveledAdapter("loud", &bytes.Buffer{}, false); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestZerologAdapter_With(t *testing.T) {
	var buf bytes.Buffer
	base, _ := NewLeveledAdapter("debug", &buf, false)

	base.With(String("component", "delivery")).Debug("tick")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["component"] != "delivery" {
		t.Errorf("component = %v", entry["component"])
	}
}

func TestNoopLogger(t *testing.T) {
	var l Logger = NewNoopLogger()
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x", Err(errors.New("y")))
}
