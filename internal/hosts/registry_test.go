package hosts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/database"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	return db
}

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry(setupTestDB(t))
	ctx := context.Background()

	ep := &database.Endpoint{Name: "web-1", Address: "10.0.0.5", Username: "deploy", Group: "prod"}
	if err := r.Create(ctx, ep); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ep.Port != 22 {
		t.Errorf("expected default port 22, got %d", ep.Port)
	}

	got, err := r.Endpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "web-1" || got.Status != database.EndpointDisconnected {
		t.Errorf("unexpected endpoint: %+v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	r := NewRegistry(setupTestDB(t))
	err := r.Create(context.Background(), &database.Endpoint{Name: "bad", Address: "10.0.0.5", Port: 70000, Username: "u"})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	err = r.Create(context.Background(), &database.Endpoint{Name: "no-user", Address: "10.0.0.5"})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for missing username, got %v", err)
	}
}

func TestEndpointNotFound(t *testing.T) {
	r := NewRegistry(setupTestDB(t))
	if _, err := r.Endpoint(context.Background(), 99); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.UpdateStatus(context.Background(), 99, database.EndpointError, time.Now()); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestUpdateStatusConnectedBumpsCounter(t *testing.T) {
	r := NewRegistry(setupTestDB(t))
	ctx := context.Background()
	ep := &database.Endpoint{Name: "db", Address: "db.internal", Username: "root"}
	if err := r.Create(ctx, ep); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if err := r.UpdateStatus(ctx, ep.ID, database.EndpointConnected, at); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if err := r.UpdateStatus(ctx, ep.ID, database.EndpointDisconnected, at); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := r.Endpoint(ctx, ep.ID)
	if got.ConnectionCount != 2 {
		t.Errorf("expected connection count 2, got %d", got.ConnectionCount)
	}
	if got.Status != database.EndpointDisconnected {
		t.Errorf("expected disconnected, got %s", got.Status)
	}
	if got.LastConnectedAt == nil || !got.LastConnectedAt.Equal(at) {
		t.Errorf("unexpected last_connected_at: %v", got.LastConnectedAt)
	}
}

func TestListByGroup(t *testing.T) {
	r := NewRegistry(setupTestDB(t))
	ctx := context.Background()
	for _, ep := range []*database.Endpoint{
		{Name: "a", Address: "10.0.0.1", Username: "u", Group: "prod"},
		{Name: "b", Address: "10.0.0.2", Username: "u", Group: "staging"},
		{Name: "c", Address: "10.0.0.3", Username: "u", Group: "prod"},
	} {
		if err := r.Create(ctx, ep); err != nil {
			t.Fatalf("create %s: %v", ep.Name, err)
		}
	}
	prod, err := r.List(ctx, "prod")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(prod) != 2 || prod[0].Name != "a" || prod[1].Name != "c" {
		t.Errorf("unexpected prod endpoints: %+v", prod)
	}
	all, _ := r.List(ctx, "")
	if len(all) != 3 {
		t.Errorf("expected 3 endpoints, got %d", len(all))
	}
}
