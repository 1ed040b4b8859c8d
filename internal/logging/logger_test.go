package logging

import (
	"bytes"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
	if logger.level != LevelInfo {
		t.Errorf("expected default level Info, got %s", logger.level)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Info("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("expected no output below configured level, got: %s", buf.String())
	}

	logger.Warn("should appear")
	if !bytes.Contains(buf.Bytes(), []byte("should appear")) {
		t.Errorf("expected warn message in output, got: %s", buf.String())
	}
}

func TestLoggerWithNodeAndPipe(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	scoped := logger.WithNode(2).WithPipe(7)
	scoped.Info("delivered packet")

	out := buf.String()
	for _, want := range []string{"node=2", "pipe=7", "delivered packet"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestLoggerFieldsDoNotLeakBetweenDerivations(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	a := base.WithNode(1)
	b := base.WithNode(2)

	buf.Reset()
	a.Info("from a")
	if bytes.Contains(buf.Bytes(), []byte("node=2")) {
		t.Errorf("derived logger a leaked fields from b: %s", buf.String())
	}

	buf.Reset()
	b.Info("from b")
	if bytes.Contains(buf.Bytes(), []byte("node=1")) {
		t.Errorf("derived logger b leaked fields from a: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !bytes.Contains(buf.Bytes(), []byte("debug message")) || !bytes.Contains(buf.Bytes(), []byte("key=value")) {
		t.Errorf("expected debug message with fields, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !bytes.Contains(buf.Bytes(), []byte("error message")) {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
