package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/secret"
	"github.com/g1331/autorouter/internal/storage"
	"github.com/google/uuid"
)

// Manager handles the API key lifecycle: generation, binding updates, and
// optional plaintext reveal.
type Manager struct {
	store       storage.APIKeyStore
	box         *secret.Box
	auth        *APIKeyAuth
	allowReveal bool
}

// NewManager returns a key Manager. When allowReveal is false, plaintext is
// never persisted and CreateKey's returned plaintext is the only copy.
func NewManager(store storage.APIKeyStore, box *secret.Box, auth *APIKeyAuth, allowReveal bool) *Manager {
	return &Manager{store: store, box: box, auth: auth, allowReveal: allowReveal}
}

// CreateParams are the admin-supplied fields of a new key.
type CreateParams struct {
	Name        string     `json:"name"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	UpstreamIDs []string   `json:"upstream_ids"`
}

// CreateKey generates a new API key, persists its salted hash, and returns
// the record together with the plaintext. The plaintext is shown exactly
// once unless reveal is enabled for the deployment.
func (m *Manager) CreateKey(ctx context.Context, p CreateParams) (*autorouter.APIKey, string, error) {
	raw, err := generateKey()
	if err != nil {
		return nil, "", err
	}

	key := &autorouter.APIKey{
		ID:          uuid.Must(uuid.NewV7()).String(),
		KeyHash:     autorouter.HashKey(m.box.Salt(), raw),
		KeyPrefix:   raw[:12],
		Name:        p.Name,
		IsActive:    true,
		ExpiresAt:   p.ExpiresAt,
		UpstreamIDs: p.UpstreamIDs,
		CreatedAt:   time.Now().UTC(),
	}
	if m.allowReveal {
		enc, err := m.box.Encrypt(raw)
		if err != nil {
			return nil, "", fmt.Errorf("encrypt key plaintext: %w", err)
		}
		key.PlaintextEnc = enc
	}

	if err := m.store.CreateKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// UpdateKey applies admin mutations and drops the auth cache entry so the
// change takes effect on the next request.
func (m *Manager) UpdateKey(ctx context.Context, key *autorouter.APIKey) error {
	if err := m.store.UpdateKey(ctx, key); err != nil {
		return err
	}
	m.auth.InvalidateByKeyID(key.ID)
	return nil
}

// DeleteKey removes a key and drops its cache entry.
func (m *Manager) DeleteKey(ctx context.Context, id string) error {
	if err := m.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	m.auth.InvalidateByKeyID(id)
	return nil
}

// RevealKey decrypts and returns the stored plaintext of a key. Fails with
// ErrRevealDisabled when the deployment does not persist plaintext.
func (m *Manager) RevealKey(ctx context.Context, id string) (string, error) {
	if !m.allowReveal {
		return "", autorouter.ErrRevealDisabled
	}
	key, err := m.store.GetKey(ctx, id)
	if err != nil {
		return "", err
	}
	if key.PlaintextEnc == "" {
		return "", autorouter.ErrRevealDisabled
	}
	return m.box.Decrypt(key.PlaintextEnc)
}

// generateKey returns a new random key of the form "ar-" + 48 hex chars.
func generateKey() (string, error) {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return autorouter.KeyIDPrefix + hex.EncodeToString(buf[:]), nil
}
