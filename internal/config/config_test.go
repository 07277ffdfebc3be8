package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	Cfg = Settings{}
	t.Setenv("TERMCTL_DATA_PATH", "/tmp/termctl-test")
	if err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if Cfg.MaxConnections != 100 {
		t.Errorf("expected MaxConnections 100, got %d", Cfg.MaxConnections)
	}
	if Cfg.ConnectTimeout != 30*time.Second {
		t.Errorf("expected ConnectTimeout 30s, got %s", Cfg.ConnectTimeout)
	}
	if Cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("expected IdleTimeout 30m, got %s", Cfg.IdleTimeout)
	}
	if Cfg.TransferChunkSize != 64*1024 {
		t.Errorf("expected chunk size 65536, got %d", Cfg.TransferChunkSize)
	}
	if Cfg.TransferMaxConcurrent != 5 {
		t.Errorf("expected 5 concurrent transfers, got %d", Cfg.TransferMaxConcurrent)
	}
	if Cfg.AuditRetentionDays != 90 {
		t.Errorf("expected 90 audit retention days, got %d", Cfg.AuditRetentionDays)
	}
	want := filepath.Join("/tmp/termctl-test", "termctl.db")
	if Cfg.DatabasePath != want {
		t.Errorf("expected DatabasePath %q, got %q", want, Cfg.DatabasePath)
	}
}

func TestLoadOverrides(t *testing.T) {
	Cfg = Settings{}
	t.Setenv("TERMCTL_MAX_CONNECTIONS", "10")
	t.Setenv("TERMCTL_IDLE_TIMEOUT", "5m")
	t.Setenv("TERMCTL_DATABASE_PATH", "/data/custom.db")
	if err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if Cfg.MaxConnections != 10 {
		t.Errorf("expected MaxConnections 10, got %d", Cfg.MaxConnections)
	}
	if Cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("expected IdleTimeout 5m, got %s", Cfg.IdleTimeout)
	}
	if Cfg.DatabasePath != "/data/custom.db" {
		t.Errorf("expected explicit database path, got %q", Cfg.DatabasePath)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("TERMCTL_CONNECT_TIMEOUT", "soon")
	if err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
