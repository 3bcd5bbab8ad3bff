// Package auth resolves bearer session tokens to ledger accounts.
//
// Authentication model:
// - Public endpoints (listings, catalog, offers): No auth required
// - Mutations (list, unlist, buy, offers): Require a session token
// - Admin routes: Require a session whose account is an admin
//
// Sessions are issued by an external session service. This package only
// looks them up by the SHA-256 hash of the raw token.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoToken         = errors.New("session token required")
	ErrInvalidToken    = errors.New("invalid or expired session token")
	ErrSessionNotFound = errors.New("session not found")
)

// Session is an authenticated session bound to one ledger account.
type Session struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of the raw token
	Account   string     `json:"account"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store looks up sessions.
type Store interface {
	GetByHash(ctx context.Context, hash string) (*Session, error)
}

// Manager handles authentication
type Manager struct {
	store  Store
	admins []string
	now    func() time.Time
}

// NewManager creates a new auth manager. admins may use admin routes.
func NewManager(store Store, admins []string) *Manager {
	return &Manager{store: store, admins: admins, now: time.Now}
}

// Validate resolves a raw token (optionally "Bearer "-prefixed) to its session.
func (m *Manager) Validate(ctx context.Context, rawToken string) (*Session, error) {
	rawToken = strings.TrimSpace(strings.TrimPrefix(rawToken, "Bearer "))
	if rawToken == "" {
		return nil, ErrNoToken
	}

	sess, err := m.store.GetByHash(ctx, hashToken(rawToken))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if sess.Revoked {
		return nil, ErrInvalidToken
	}
	if sess.ExpiresAt != nil && m.now().After(*sess.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return sess, nil
}

// IsAdmin reports whether account may use admin routes.
func (m *Manager) IsAdmin(account string) bool {
	return account != "" && slices.Contains(m.admins, account)
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory session table for development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // by hash
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// NewMemoryStoreFromTable seeds a store from token -> account pairs.
func NewMemoryStoreFromTable(table map[string]string) *MemoryStore {
	s := NewMemoryStore()
	for token, account := range table {
		s.Add(token, account, nil)
	}
	return s
}

// Add registers a session for rawToken.
func (s *MemoryStore) Add(rawToken, account string, expiresAt *time.Time) *Session {
	hash := hashToken(rawToken)
	sess := &Session{
		ID:        "sess_" + hash[:16],
		Hash:      hash,
		Account:   account,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[hash] = sess
	return sess
}

// Revoke marks the session for rawToken revoked.
func (s *MemoryStore) Revoke(rawToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[hashToken(rawToken)]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Revoked = true
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[hash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}
