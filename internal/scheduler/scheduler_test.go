package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSessions struct{ calls int }

func (f *fakeSessions) ExpireSessionRecords(context.Context) (int64, int64, error) {
	f.calls++
	return 2, 1, nil
}

type fakeAudit struct {
	days  int
	calls int
	err   error
}

func (f *fakeAudit) PurgeOlderThan(days int) (int64, error) {
	f.calls++
	f.days = days
	return 10, f.err
}

type fakeTransfers struct {
	days  int
	calls int
}

func (f *fakeTransfers) Cleanup(_ context.Context, days int) (int64, error) {
	f.calls++
	f.days = days
	return 3, nil
}

func TestRunAllContinuesPastFailures(t *testing.T) {
	sessions := &fakeSessions{}
	audit := &fakeAudit{err: errors.New("database is locked")}
	transfers := &fakeTransfers{}

	s, err := New(Jobs{
		Sessions:              sessions,
		Audit:                 audit,
		Transfers:             transfers,
		AuditRetentionDays:    90,
		TransferRetentionDays: 30,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.RunAll(context.Background())

	if sessions.calls != 1 || audit.calls != 1 || transfers.calls != 1 {
		t.Errorf("calls = %d/%d/%d, want 1/1/1", sessions.calls, audit.calls, transfers.calls)
	}
	if audit.days != 90 || transfers.days != 30 {
		t.Errorf("retention days not passed through: audit=%d transfers=%d", audit.days, transfers.days)
	}
}

func TestEntries(t *testing.T) {
	s, err := New(Jobs{Sessions: &fakeSessions{}, Transfers: &fakeTransfers{}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "session-records" || entries[0].Spec != SessionRecordSpec {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}

	s.Start()
	defer s.Stop(context.Background())
	time.Sleep(10 * time.Millisecond)
	for _, e := range s.Entries() {
		if e.Next.IsZero() || !e.Next.After(time.Now()) {
			t.Errorf("%s: next run not scheduled: %v", e.Name, e.Next)
		}
	}
}

func TestStopWithoutStart(t *testing.T) {
	s, err := New(Jobs{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if len(s.Entries()) != 0 {
		t.Error("expected no entries")
	}
}
