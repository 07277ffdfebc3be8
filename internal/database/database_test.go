package database

import (
	"errors"
	"path/filepath"
	"testing"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { Close(db) })
	return db
}

func TestOpenMigratesAllTables(t *testing.T) {
	db := setupTestDB(t)
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T was not created", m)
		}
	}
}

func TestEndpointDefaults(t *testing.T) {
	db := setupTestDB(t)

	ep := Endpoint{Name: "web-1", Address: "10.0.0.5", Username: "deploy"}
	if err := db.Create(&ep).Error; err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	var loaded Endpoint
	if err := db.First(&loaded, ep.ID).Error; err != nil {
		t.Fatalf("load endpoint: %v", err)
	}
	if loaded.Port != 22 {
		t.Errorf("expected default port 22, got %d", loaded.Port)
	}
	if loaded.Status != EndpointDisconnected {
		t.Errorf("expected status %q, got %q", EndpointDisconnected, loaded.Status)
	}
	if loaded.ConnectionCount != 0 {
		t.Errorf("expected connection count 0, got %d", loaded.ConnectionCount)
	}
}

func TestEndpointNameUnique(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Create(&Endpoint{Name: "dup", Address: "a", Username: "u"}).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := db.Create(&Endpoint{Name: "dup", Address: "b", Username: "u"}).Error; err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestSecurityRuleDisabledPersists(t *testing.T) {
	db := setupTestDB(t)
	r := SecurityRule{Name: "r", Type: "blacklist", Content: "x", Severity: "low", Action: "log", Enabled: false}
	if err := db.Create(&r).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}
	var loaded SecurityRule
	db.First(&loaded, r.ID)
	if loaded.Enabled {
		t.Error("disabled rule should stay disabled after insert")
	}
}

func TestSettings(t *testing.T) {
	db := setupTestDB(t)

	if _, err := GetSetting(db, "missing"); !errors.Is(err, ErrSettingNotFound) {
		t.Fatalf("expected ErrSettingNotFound, got %v", err)
	}
	if err := SetSetting(db, "fernet_key", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := SetSetting(db, "fernet_key", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := GetSetting(db, "fernet_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "v2" {
		t.Errorf("expected v2, got %q", v)
	}
}
