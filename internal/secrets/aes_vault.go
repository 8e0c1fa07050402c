package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rendis/entityflow/pkg/schema"
)

const (
	keySize           = 32
	defaultIterations = 100_000
)

// VaultConfig selects the vault key. MasterKey wins over Passphrase; a
// passphrase is stretched with PBKDF2-SHA256 and needs a Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

func (c VaultConfig) key() ([]byte, error) {
	switch {
	case len(c.MasterKey) > 0:
		if len(c.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "master key must be %d bytes, got %d", keySize, len(c.MasterKey))
		}
		return c.MasterKey, nil
	case c.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	case len(c.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iter := c.Iterations
	if iter <= 0 {
		iter = defaultIterations
	}
	return pbkdf2.Key(sha256.New, c.Passphrase, c.Salt, iter, keySize)
}

// AESVault seals tenant secrets with AES-256-GCM. Records are nonce||ciphertext
// and bind "tenant/key" as additional data, so a record copied under another
// tenant or key does not open.
type AESVault struct {
	store SecretStore
	gcm   cipher.AEAD
}

func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, gcm: gcm}, nil
}

func binding(tenantID, key string) []byte { return []byte(tenantID + "/" + key) }

func (v *AESVault) Store(ctx context.Context, tenantID, key string, value []byte) error {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	record := v.gcm.Seal(nonce, nonce, value, binding(tenantID, key))
	return v.store.StoreSecret(ctx, tenantID, key, record)
}

func (v *AESVault) Resolve(ctx context.Context, tenantID, key string) ([]byte, error) {
	record, err := v.store.GetSecret(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	n := v.gcm.NonceSize()
	if len(record) < n {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: record too short", key)
	}
	plain, err := v.gcm.Open(nil, record[:n], record[n:], binding(tenantID, key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: decrypt failed", key).WithCause(err)
	}
	return plain, nil
}

func (v *AESVault) Delete(ctx context.Context, tenantID, key string) error {
	return v.store.DeleteSecret(ctx, tenantID, key)
}

func (v *AESVault) List(ctx context.Context, tenantID string) ([]string, error) {
	return v.store.ListSecrets(ctx, tenantID)
}

// Sign is used for webhook signatures.
func (v *AESVault) Sign(ctx context.Context, tenantID, key string, payload []byte) (string, error) {
	secret, err := v.Resolve(ctx, tenantID, key)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

var _ Vault = (*AESVault)(nil)
