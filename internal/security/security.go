// Package security implements app authentication and permission granting
// (spec.md §4.5, C7): turning a client's self-declared App and optional
// reconnect token into a permission.Set and the token to hand back.
//
// Tokens are HS256 JWTs signed with a key derived per-app via HKDF from a
// single server secret (golang.org/x/crypto/hkdf), the same construction
// internal/auth/crypto.go uses to turn a shared secret into per-purpose
// key material. Deriving per-app keys means a leaked token for one app
// can't be replayed against another app's claims.
package security

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/wirebus/wirebus/internal/busserr"
	"github.com/wirebus/wirebus/internal/ident"
	"github.com/wirebus/wirebus/internal/permission"
)

// GrantStore resolves the permission.Set an app is entitled to. Grants
// are keyed by the app's identifier, not by session or token, so a
// previously approved app gets the same grants back across restarts.
type GrantStore interface {
	Grants(ctx context.Context, appId ident.Id) (permission.Set, error)
	SetGrants(ctx context.Context, appId ident.Id, grants permission.Set) error
}

// MemoryGrantStore is the default GrantStore: process-lifetime only, every
// app starts with no grants until SetGrants is called (e.g. by an admin
// tool or a future approval UI — out of scope here).
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[string]permission.Set
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[string]permission.Set)}
}

func (s *MemoryGrantStore) Grants(_ context.Context, appId ident.Id) (permission.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[appId.Key()], nil
}

func (s *MemoryGrantStore) SetGrants(_ context.Context, appId ident.Id, grants permission.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[appId.Key()] = grants
	return nil
}

// tokenClaims is embedded in every issued token. PermKeys is not filled
// in by issueToken and is not read back: grants always come from the
// GrantStore, on every authentication.
type tokenClaims struct {
	jwt.RegisteredClaims
	AppKey   string   `json:"app"`
	PermKeys []string `json:"perms,omitempty"`
}

// Authenticator is the C7 authenticate_app entry point.
type Authenticator struct {
	secret   []byte
	store    GrantStore
	tokenTTL time.Duration
}

// NewAuthenticator builds an Authenticator. secret must be stable across
// restarts for existing tokens to keep validating.
func NewAuthenticator(secret []byte, store GrantStore) *Authenticator {
	return &Authenticator{secret: secret, store: store, tokenTTL: 30 * 24 * time.Hour}
}

func (a *Authenticator) derivedKey(appKey string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, a.secret, nil, []byte("wirebus-session-token:"+appKey))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// AuthenticateApp resolves the permission.Set for app and returns the
// token the session should send back to the client. A valid, matching
// token is echoed back unchanged so a reconnecting client recognizes its
// own session continuity; an absent or invalid token gets a freshly
// issued one. Either way the grants returned are the ones the GrantStore
// holds for app.Id (spec.md §4.4).
func (a *Authenticator) AuthenticateApp(ctx context.Context, app ident.App, token *string) (permission.Set, string, error) {
	grants, err := a.store.Grants(ctx, app.Id)
	if err != nil {
		return permission.Set{}, "", busserr.Internal("grant lookup", err)
	}

	if token != nil && *token != "" {
		if a.tokenMatches(*token, app) {
			return grants, *token, nil
		}
	}

	issued, err := a.issueToken(app, grants)
	if err != nil {
		return permission.Set{}, "", busserr.Internal("issue token", err)
	}
	return grants, issued, nil
}

func (a *Authenticator) tokenMatches(token string, app ident.App) bool {
	key, err := a.derivedKey(app.Key())
	if err != nil {
		return false
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	return ok && claims.AppKey == app.Key()
}

func (a *Authenticator) issueToken(app ident.App, grants permission.Set) (string, error) {
	key, err := a.derivedKey(app.Key())
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   app.Key(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
		AppKey: app.Key(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", err
	}
	slog.Debug("security: issued token", "app", app.Key(), "jti", claims.ID)
	return signed, nil
}
