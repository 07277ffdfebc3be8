package crypto

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

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

func TestEncryptDecryptRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	k := NewKeyring(db)

	tok, err := k.Encrypt("s3cret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if tok == "s3cret" {
		t.Fatal("ciphertext must differ from plaintext")
	}
	got, err := k.Decrypt(tok)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("expected s3cret, got %q", got)
	}
}

func TestKeyPersistsAcrossKeyrings(t *testing.T) {
	db := setupTestDB(t)
	tok, err := NewKeyring(db).Encrypt("value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := NewKeyring(db).Decrypt(tok)
	if err != nil {
		t.Fatalf("decrypt with fresh keyring: %v", err)
	}
	if got != "value" {
		t.Errorf("expected value, got %q", got)
	}
}

func TestDecryptInvalidToken(t *testing.T) {
	k := NewKeyring(setupTestDB(t))
	if _, err := k.Decrypt("not-a-token"); err == nil {
		t.Fatal("expected error for invalid token")
	}
}

func TestEmptyValues(t *testing.T) {
	k := NewKeyring(setupTestDB(t))
	if v, err := k.Encrypt(""); err != nil || v != "" {
		t.Errorf("Encrypt(\"\") = %q, %v", v, err)
	}
	if v, err := k.Decrypt(""); err != nil || v != "" {
		t.Errorf("Decrypt(\"\") = %q, %v", v, err)
	}
}

func TestMask(t *testing.T) {
	if Mask("") != "" {
		t.Error("empty should mask to empty")
	}
	if Mask("abc") != "****" {
		t.Errorf("short value: %q", Mask("abc"))
	}
	if Mask("hunter22") != "****er22" {
		t.Errorf("long value: %q", Mask("hunter22"))
	}
}
