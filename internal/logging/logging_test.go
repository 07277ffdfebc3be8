package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStdoutOnly(t *testing.T) {
	logger, err := New(Options{Level: "info"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hello")
}

func TestNewInvalidLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "termctl.log")
	logger, err := New(Options{Level: "debug", Path: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Named("ssh").Info("connected")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"logger":"ssh"`) {
		t.Errorf("expected named logger in file output, got %s", data)
	}
	if !strings.Contains(string(data), `"msg":"connected"`) {
		t.Errorf("expected message in file output, got %s", data)
	}
}
