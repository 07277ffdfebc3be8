package auth

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/crypto"
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

func TestMaterialValidate(t *testing.T) {
	tests := []struct {
		m       Material
		wantErr bool
	}{
		{Material{Type: TypePassword, Secret: "x"}, false},
		{Material{Type: TypeKey, Secret: "pem", Passphrase: "p"}, false},
		{Material{Type: "token", Secret: "x"}, true},
		{Material{Type: TypePassword}, true},
	}
	for _, tt := range tests {
		err := tt.m.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%v) error = %v, wantErr %v", tt.m, err, tt.wantErr)
		}
		if err != nil && !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("expected validation kind, got %v", apperr.KindOf(err))
		}
	}
}

func TestMaterialStringMasksSecret(t *testing.T) {
	s := Material{Type: TypePassword, Secret: "hunter2-long"}.String()
	if strings.Contains(s, "hunter2") {
		t.Errorf("secret leaked into String(): %s", s)
	}
}

func TestStoreSaveResolve(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, crypto.NewKeyring(db))
	ctx := context.Background()

	id, err := store.Save(ctx, Material{Type: TypeKey, Secret: "PEM DATA", Passphrase: "pp"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	var raw database.Credential
	db.First(&raw, id)
	if raw.Secret == "PEM DATA" || raw.Passphrase == "pp" {
		t.Fatal("credential stored in plaintext")
	}

	ep := database.Endpoint{Name: "db-1", Address: "10.0.0.9", Username: "root", CredentialID: id}
	if err := db.Create(&ep).Error; err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	m, err := store.Resolve(ctx, ep.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.Type != TypeKey || m.Secret != "PEM DATA" || m.Passphrase != "pp" {
		t.Errorf("unexpected material: %+v", *m)
	}
}

func TestStoreResolveErrors(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, crypto.NewKeyring(db))
	ctx := context.Background()

	if _, err := store.Resolve(ctx, 42); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found for missing endpoint, got %v", err)
	}

	ep := database.Endpoint{Name: "bare", Address: "10.0.0.1", Username: "u"}
	db.Create(&ep)
	if _, err := store.Resolve(ctx, ep.ID); !apperr.IsKind(err, apperr.KindAuthentication) {
		t.Errorf("expected authentication error for endpoint without credential, got %v", err)
	}
}
