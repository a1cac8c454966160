package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/storage"
)

const secretBytes = 24

// KeyManager handles the admin side of API keys: minting, listing,
// disabling, deleting. The secret is returned exactly once at creation and
// only its hash is stored.
type KeyManager struct {
	store storage.APIKeyStore
	auth  *APIKeyAuth // nil skips cache invalidation
}

// NewKeyManager returns a manager over store. auth may be nil (e.g. tests).
func NewKeyManager(store storage.APIKeyStore, auth *APIKeyAuth) *KeyManager {
	return &KeyManager{store: store, auth: auth}
}

// Create mints a new key. rpmLimit 0 means the gateway default applies.
// The returned secret cannot be recovered later.
func (m *KeyManager) Create(ctx context.Context, name string, rpmLimit int64) (*gateway.APIKey, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("%w: key name is required", gateway.ErrBadRequest)
	}
	if rpmLimit < 0 {
		return nil, "", fmt.Errorf("%w: rpm_limit must be >= 0", gateway.ErrBadRequest)
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate key secret: %w", err)
	}
	secret := gateway.APIKeyPrefix + hex.EncodeToString(buf)

	key := &gateway.APIKey{
		ID:         uuid.NewString(),
		SecretHash: gateway.HashKey(secret),
		Prefix:     secret[:8],
		Name:       name,
		RPMLimit:   rpmLimit,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, secret, nil
}

// Get returns one key's metadata.
func (m *KeyManager) Get(ctx context.Context, id string) (*gateway.APIKey, error) {
	return m.store.GetKey(ctx, id)
}

// List returns a page of keys ordered by creation time.
func (m *KeyManager) List(ctx context.Context, offset, limit int) ([]*gateway.APIKey, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.store.ListKeys(ctx, offset, limit)
}

// SetDisabled flips a key's disabled flag and drops it from the auth cache.
func (m *KeyManager) SetDisabled(ctx context.Context, id string, disabled bool) error {
	if err := m.store.SetKeyDisabled(ctx, id, disabled); err != nil {
		return err
	}
	if m.auth != nil {
		m.auth.InvalidateByKeyID(id)
	}
	return nil
}

// Delete removes a key permanently.
func (m *KeyManager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	if m.auth != nil {
		m.auth.InvalidateByKeyID(id)
	}
	return nil
}
