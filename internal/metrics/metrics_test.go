package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.SetSessions(3)
	m.ObserveConnect(ConnectSuccess)
	m.ObserveConnect(ConnectSuccess)
	m.ObserveConnect(ConnectRejected)
	m.ObserveDisconnect("timeout")
	m.ObserveCommand(CommandExecuted, 120*time.Millisecond)
	m.ObserveCommand(CommandBlocked, 0)
	m.ObserveTransfer("upload", "completed")
	m.AddTransferBytes("upload", 4096)
	m.AddTransferBytes("upload", 0)

	body := scrape(t, m)
	want := []string{
		"termctl_sessions_active 3",
		`termctl_connect_attempts_total{result="success"} 2`,
		`termctl_connect_attempts_total{result="rejected"} 1`,
		`termctl_disconnects_total{reason="timeout"} 1`,
		`termctl_commands_total{verdict="executed"} 1`,
		`termctl_commands_total{verdict="blocked"} 1`,
		"termctl_command_duration_seconds_count 1",
		`termctl_transfers_total{direction="upload",status="completed"} 1`,
		`termctl_transfer_bytes_total{direction="upload"} 4096`,
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("exposition missing %q", w)
		}
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.SetSessions(1)
	m.ObserveConnect(ConnectFailed)
	m.ObserveDisconnect("manual")
	m.ObserveCommand(CommandTimeout, time.Second)
	m.ObserveTransfer("download", "failed")
	m.AddTransferBytes("download", 10)
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.ObserveConnect(ConnectSuccess)
	if strings.Contains(scrape(t, b), `termctl_connect_attempts_total{result="success"}`) {
		t.Error("registries should not share collectors")
	}
}
