package secrets

import "context"

// Vault holds per-tenant secrets such as webhook signing keys and channel
// credentials. Values are encrypted at rest and resolved in-memory only.
type Vault interface {
	Resolve(ctx context.Context, tenantID, key string) ([]byte, error)
	Store(ctx context.Context, tenantID, key string, value []byte) error
	Delete(ctx context.Context, tenantID, key string) error
	List(ctx context.Context, tenantID string) ([]string, error)
	// Sign returns the hex HMAC-SHA256 of payload keyed by the named secret.
	Sign(ctx context.Context, tenantID, key string, payload []byte) (string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, tenantID, key string, value []byte) error
	GetSecret(ctx context.Context, tenantID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, tenantID, key string) error
	ListSecrets(ctx context.Context, tenantID string) ([]string, error)
}
