package apikeys

import (
	"context"
	"fmt"
	"time"
)

// Manager issues and revokes API keys
type Manager struct {
	store     *Store
	generator *Generator
}

// NewManager creates a key manager
func NewManager(store *Store) *Manager {
	return &Manager{store: store, generator: NewGenerator()}
}

// CreateKey generates a secret for k, stores k and returns the plaintext key.
// The plaintext is not recoverable afterwards.
func (m *Manager) CreateKey(ctx context.Context, k *APIKey) (string, error) {
	if k.Name == "" {
		return "", fmt.Errorf("api key name is required")
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(time.Now()) {
		return "", fmt.Errorf("api key expiry %s is in the past", k.ExpiresAt.Format(time.RFC3339))
	}

	key, hash, prefix, err := m.generator.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	k.KeyHash = hash
	k.KeyPrefix = prefix
	k.IsActive = true

	if err := m.store.Create(ctx, k); err != nil {
		return "", err
	}
	return key, nil
}

// RevokeKey deactivates a key without deleting it
func (m *Manager) RevokeKey(ctx context.Context, k *APIKey) error {
	if err := m.store.SetActive(ctx, k.ID, false); err != nil {
		return fmt.Errorf("failed to revoke api key %s: %w", k.KeyPrefix, err)
	}
	k.IsActive = false
	return nil
}
