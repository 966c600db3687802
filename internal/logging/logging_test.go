package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "voiced.log")
	logger, flush, err := New(Options{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug("hello from test")
	flush()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("expected entry in log file, got %q", data)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voiced.log")
	logger, flush, err := New(Options{Level: "warn", File: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("suppressed")
	logger.Warn("kept")
	flush()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "suppressed") || !strings.Contains(string(data), "kept") {
		t.Fatalf("unexpected log content %q", data)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "chatty"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
