// Package auth resolves the credentials used to authenticate to an endpoint.
// Material is what the connection manager consumes; Store is a sqlite-backed
// provider that keeps secrets Fernet-encrypted at rest.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/crypto"
	"github.com/gluk-w/termctl/internal/database"
)

const (
	TypePassword = "password"
	TypeKey      = "key"
)

// Material is resolved auth material for a single connection attempt. It is
// never persisted in this form.
type Material struct {
	Type       string `json:"type" validate:"required,oneof=password key"`
	Secret     string `json:"secret" validate:"required"`
	Passphrase string `json:"passphrase,omitempty"`
}

// String hides the secret when Material ends up in a log line.
func (m Material) String() string {
	return fmt.Sprintf("auth.Material{Type: %s, Secret: %s}", m.Type, crypto.Mask(m.Secret))
}

var validate = validator.New()

// Validate checks the material is usable.
func (m *Material) Validate() error {
	if err := validate.Struct(m); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "invalid auth material")
	}
	return nil
}

// Store is the reference Auth Provider backed by the credentials table.
type Store struct {
	db      *gorm.DB
	keyring *crypto.Keyring
}

func NewStore(db *gorm.DB, keyring *crypto.Keyring) *Store {
	return &Store{db: db, keyring: keyring}
}

// Save encrypts m and stores it, returning the credential id.
func (s *Store) Save(ctx context.Context, m Material) (uint, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	secret, err := s.keyring.Encrypt(m.Secret)
	if err != nil {
		return 0, fmt.Errorf("encrypt secret: %w", err)
	}
	passphrase, err := s.keyring.Encrypt(m.Passphrase)
	if err != nil {
		return 0, fmt.Errorf("encrypt passphrase: %w", err)
	}
	cred := database.Credential{Type: m.Type, Secret: secret, Passphrase: passphrase}
	if err := s.db.WithContext(ctx).Create(&cred).Error; err != nil {
		return 0, fmt.Errorf("save credential: %w", err)
	}
	return cred.ID, nil
}

// Resolve returns the decrypted material referenced by the endpoint.
func (s *Store) Resolve(ctx context.Context, endpointID uint) (*Material, error) {
	var ep database.Endpoint
	if err := s.db.WithContext(ctx).First(&ep, endpointID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Errorf(apperr.KindNotFound, "endpoint %d not found", endpointID)
		}
		return nil, fmt.Errorf("load endpoint: %w", err)
	}
	if ep.CredentialID == 0 {
		return nil, apperr.Errorf(apperr.KindAuthentication, "endpoint %d has no stored credential", endpointID)
	}

	var cred database.Credential
	if err := s.db.WithContext(ctx).First(&cred, ep.CredentialID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Errorf(apperr.KindAuthentication, "credential %d for endpoint %d not found", ep.CredentialID, endpointID)
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}

	secret, err := s.keyring.Decrypt(cred.Secret)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindIntegrity, "decrypt credential secret")
	}
	passphrase, err := s.keyring.Decrypt(cred.Passphrase)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindIntegrity, "decrypt credential passphrase")
	}
	return &Material{Type: cred.Type, Secret: secret, Passphrase: passphrase}, nil
}
