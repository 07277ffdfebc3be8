package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/database"
)

const keySetting = "fernet_key"

// Keyring encrypts credential secrets with a Fernet key stored in the
// settings table. The key is generated on first use.
type Keyring struct {
	db  *gorm.DB
	mu  sync.Mutex
	key *fernet.Key
}

func NewKeyring(db *gorm.DB) *Keyring {
	return &Keyring{db: db}
}

func (k *Keyring) getKey() (*fernet.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != nil {
		return k.key, nil
	}

	keyStr, err := database.GetSetting(k.db, keySetting)
	if errors.Is(err, database.ErrSettingNotFound) {
		var nk fernet.Key
		if err := nk.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(k.db, keySetting, nk.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		k.key = &nk
		return k.key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	k.key = key
	return key, nil
}

func (k *Keyring) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := k.getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (k *Keyring) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := k.getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
