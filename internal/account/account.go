// Package account implements the user-facing account surface named in the
// external interfaces section: profile, password, API-key issuance, and
// magic-link authentication. It is an in-memory stand-in for the external
// account/identity collaborator the runtime depends on but does not own.
package account

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrWrongPassword  = errors.New("current password is incorrect")
	ErrKeyNotFound    = errors.New("api key not found")
	ErrInvalidToken   = errors.New("magic link token is invalid or expired")
)

// Profile is a user's editable account information.
type Profile struct {
	UserID      string `json:"userID"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// APIKey is an issued key; the plaintext secret is returned exactly once,
// at creation, and never again.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	secretHash string
}

type magicLink struct {
	userID    string
	expiresAt time.Time
}

// Store is the in-memory account collaborator stub.
type Store struct {
	mu          sync.RWMutex
	profiles    map[string]*Profile
	passwords   map[string]string // userID -> password (plaintext for the stub; a real collaborator hashes)
	apiKeys     map[string][]*APIKey
	magicLinks  map[string]magicLink // token -> link
}

// New builds an empty account store, seeded with nothing; callers create
// profiles as users are first seen.
func New() *Store {
	return &Store{
		profiles:   make(map[string]*Profile),
		passwords:  make(map[string]string),
		apiKeys:    make(map[string][]*APIKey),
		magicLinks: make(map[string]magicLink),
	}
}

// EnsureProfile returns the profile for userID, creating a blank one if this
// is the first time the account surface has seen them.
func (s *Store) EnsureProfile(userID string) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		return p
	}
	p := &Profile{UserID: userID}
	s.profiles[userID] = p
	return p
}

// GetProfile returns a user's profile.
func (s *Store) GetProfile(userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// UpdateProfile sets displayName/email, leaving absent fields unchanged.
func (s *Store) UpdateProfile(userID, displayName, email string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = &Profile{UserID: userID}
		s.profiles[userID] = p
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	if email != "" {
		p.Email = email
	}
	return p, nil
}

// ChangePassword verifies currentPassword against the stored one (if any)
// before setting newPassword.
func (s *Store) ChangePassword(userID, currentPassword, newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.passwords[userID]; ok && stored != currentPassword {
		return ErrWrongPassword
	}
	s.passwords[userID] = newPassword
	return nil
}

// IssueAPIKey creates a new key for userID and returns it along with the
// plaintext secret, which is never stored or returned again.
func (s *Store) IssueAPIKey(userID, name string, scopes []string, expiresAt *time.Time) (*APIKey, string, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	secret = "hero_" + secret
	key := &APIKey{
		ID:         generateShortID(),
		Name:       name,
		Scopes:     scopes,
		CreatedAt:  time.Now(),
		ExpiresAt:  expiresAt,
		secretHash: hashSecret(secret),
	}

	s.mu.Lock()
	s.apiKeys[userID] = append(s.apiKeys[userID], key)
	s.mu.Unlock()

	return key, secret, nil
}

// ListAPIKeys returns a user's issued keys; plaintext secrets are never
// included, matching the contract that they're shown exactly once.
func (s *Store) ListAPIKeys(userID string) []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*APIKey(nil), s.apiKeys[userID]...)
}

// RevokeAPIKey deletes a key by ID.
func (s *Store) RevokeAPIKey(userID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.apiKeys[userID]
	for i, k := range keys {
		if k.ID == keyID {
			s.apiKeys[userID] = append(keys[:i], keys[i+1:]...)
			return nil
		}
	}
	return ErrKeyNotFound
}

// RequestMagicLink issues a short-lived token for an email-based login,
// valid for 15 minutes.
func (s *Store) RequestMagicLink(userID string) (string, error) {
	token, err := generateSecret()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.magicLinks[token] = magicLink{userID: userID, expiresAt: time.Now().Add(15 * time.Minute)}
	s.mu.Unlock()
	return token, nil
}

// VerifyMagicLink consumes a token, returning the userID it was issued for.
func (s *Store) VerifyMagicLink(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.magicLinks[token]
	if !ok || time.Now().After(link.expiresAt) {
		delete(s.magicLinks, token)
		return "", ErrInvalidToken
	}
	delete(s.magicLinks, token)
	return link.userID, nil
}

func generateSecret() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func generateShortID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// hashSecret returns the SHA-256 hex digest of an API-key secret.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
