// Package auth issues and resolves the bearer tokens that identify the
// calling user. Account storage and login live outside this service; it
// only trusts tokens signed with its fernet key.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"gorm.io/gorm"

	"github.com/gluk-w/vpsdeck/internal/database"
)

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = 12 * time.Hour

const tokenKeySetting = "token_key"

// ErrInvalidToken is returned for malformed, expired or revoked tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the caller a token was issued to.
type Identity struct {
	UserID string `json:"sub"`
	Admin  bool   `json:"adm,omitempty"`
}

// UserResolver maps a bearer token to the user it identifies.
type UserResolver interface {
	ResolveUserID(token string) (Identity, error)
}

// TokenService signs identities into fernet tokens. Tokens carry their own
// issue time, so only revocations need server-side state.
type TokenService struct {
	key *fernet.Key
	ttl time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // token -> latest possible expiry
}

// NewTokenService returns a service using a base64 fernet key.
func NewTokenService(encodedKey string, ttl time.Duration) (*TokenService, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenService{key: key, ttl: ttl, revoked: make(map[string]time.Time)}, nil
}

// LoadOrCreateKey returns configured when set, otherwise the key stored in
// the settings table, generating and saving one on first use.
func LoadOrCreateKey(db *gorm.DB, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	keyStr, err := database.GetSetting(db, tokenKeySetting)
	if err == nil && keyStr != "" {
		return keyStr, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("load token key: %w", err)
	}
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate token key: %w", err)
	}
	keyStr = k.Encode()
	if err := database.SetSetting(db, tokenKeySetting, keyStr); err != nil {
		return "", fmt.Errorf("save token key: %w", err)
	}
	return keyStr, nil
}

// Issue signs a token for id.
func (s *TokenService) Issue(id Identity) (string, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	payload, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(payload, s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(tok), nil
}

// ResolveUserID implements UserResolver.
func (s *TokenService) ResolveUserID(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	s.mu.Lock()
	_, revoked := s.revoked[token]
	s.mu.Unlock()
	if revoked {
		return Identity{}, ErrInvalidToken
	}

	msg := fernet.VerifyAndDecrypt([]byte(token), s.ttl, []*fernet.Key{s.key})
	if msg == nil {
		return Identity{}, ErrInvalidToken
	}
	var id Identity
	if err := json.Unmarshal(msg, &id); err != nil || id.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// Revoke invalidates token before its natural expiry.
func (s *TokenService) Revoke(token string) {
	s.mu.Lock()
	s.revoked[token] = time.Now().Add(s.ttl)
	s.mu.Unlock()
}

// Cleanup forgets revocations of tokens that have expired anyway.
func (s *TokenService) Cleanup() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tok, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, tok)
			n++
		}
	}
	return n
}
