package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/thetenthbox/gpuq/pkg/storage"
	"github.com/thetenthbox/gpuq/pkg/types"
)

const (
	// MaxTokenTTLDays caps token lifetime regardless of what the operator asks for
	MaxTokenTTLDays = 30

	// verdictTTL bounds how stale a cached validation may be
	verdictTTL = 30 * time.Second
)

var (
	// ErrInvalidToken is returned when a token is missing, inactive or expired
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrTokenExists is returned when the fingerprint is already issued
	ErrTokenExists = storage.ErrTokenExists
)

// Identity is the result of a successful validation
type Identity struct {
	UserID  string
	IsAdmin bool
}

// Manager issues, revokes and validates bearer tokens against the store
type Manager struct {
	store storage.Store
	cache *gocache.Cache
}

// NewManager creates a token manager backed by the given store
func NewManager(store storage.Store) *Manager {
	return &Manager{
		store: store,
		cache: gocache.New(verdictTTL, 2*verdictTTL),
	}
}

// Fingerprint returns the one-way hash stored in place of a plaintext
func Fingerprint(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Issue creates a token for userID, revoking any previously active tokens
// for the same user. ttlDays above MaxTokenTTLDays is clamped.
func (m *Manager) Issue(userID, plaintext string, ttlDays int, isAdmin bool) (*types.Token, error) {
	if userID == "" || plaintext == "" {
		return nil, fmt.Errorf("user id and token required")
	}
	if ttlDays <= 0 || ttlDays > MaxTokenTTLDays {
		ttlDays = MaxTokenTTLDays
	}

	now := time.Now().UTC()
	token := &types.Token{
		Fingerprint: Fingerprint(plaintext),
		UserID:      userID,
		IsAdmin:     isAdmin,
		IsActive:    true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(ttlDays) * 24 * time.Hour),
	}

	if err := m.store.CreateToken(token); err != nil {
		return nil, err
	}

	// Issuing deactivates other rows for the user; drop every cached verdict
	m.cache.Flush()
	return token, nil
}

// Revoke deactivates the token with the given plaintext.
// Returns storage.ErrNotFound when no such token exists.
func (m *Manager) Revoke(plaintext string) error {
	fp := Fingerprint(plaintext)
	if err := m.store.RevokeToken(fp); err != nil {
		return err
	}
	m.cache.Delete(fp)
	return nil
}

// Validate checks a plaintext token and returns the bound identity.
// Returns ErrInvalidToken when the row is missing, inactive or expired.
func (m *Manager) Validate(plaintext string) (Identity, error) {
	fp := Fingerprint(plaintext)

	if cached, ok := m.cache.Get(fp); ok {
		return cached.(Identity), nil
	}

	token, err := m.store.GetToken(fp)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("failed to load token: %w", err)
	}

	if !token.IsActive || time.Now().UTC().After(token.ExpiresAt) {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{UserID: token.UserID, IsAdmin: token.IsAdmin}
	m.cache.Set(fp, id, verdictTTL)
	return id, nil
}

// List returns every token row, active or not
func (m *Manager) List() ([]*types.Token, error) {
	return m.store.ListTokens()
}
