package sshkeys

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(string(pub), "ssh-ed25519 ") {
		t.Errorf("expected ssh-ed25519 public key, got %q", pub)
	}
	signer, err := ParsePrivateKey(priv, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	parsedPub, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("parse authorized key: %v", err)
	}
	if ssh.FingerprintSHA256(signer.PublicKey()) != ssh.FingerprintSHA256(parsedPub) {
		t.Error("signer and public key fingerprints differ")
	}
}

func TestParseEncryptedKey(t *testing.T) {
	_, priv, err := GenerateEncryptedKeyPair("open sesame")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := ParsePrivateKey(priv, ""); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
	if _, err := ParsePrivateKey(priv, "wrong"); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
	if _, err := ParsePrivateKey(priv, "open sesame"); err != nil {
		t.Fatalf("parse with passphrase: %v", err)
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := ParsePrivateKey([]byte("not a key"), ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveKeyPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := SaveKeyPair(dir, "id_ed25519", priv, pub); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "id_ed25519"))
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected private key mode 0600, got %o", info.Mode().Perm())
	}
	if _, err := os.Stat(filepath.Join(dir, "id_ed25519.pub")); err != nil {
		t.Errorf("public key missing: %v", err)
	}
}
