// Package token issues and checks scoped bearer tokens for the
// integration surface.
//
// Tokens are held in memory and listed back in full: the admin surface is
// trusted and the documented list contract returns the token value, so there
// is no hashed-at-rest form.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

const tokenBytes = 32

var (
	ErrInvalidName  = errors.New("token: name is required")
	ErrInvalidScope = errors.New("token: unknown scope")
	ErrNotFound     = errors.New("token: not found")
)

// AccessToken is a scoped bearer credential.
type AccessToken struct {
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	Scopes    []string  `json:"scopes"`
	Timestamp time.Time `json:"timestamp"`
}

func (t AccessToken) hasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authority owns the process-wide token set.
//
// All mutations go through Create/Revoke and are atomic with respect to
// concurrent Authorize calls; no caller observes a half-created token.
type Authority struct {
	mu     sync.RWMutex
	byTok  map[string]AccessToken
	order  []string // insertion order of token values
	known  func(scope string) bool
}

// New creates an Authority. known reports whether a scope name is recognized.
func New(known func(scope string) bool) *Authority {
	return &Authority{byTok: map[string]AccessToken{}, known: known}
}

// Create mints a new high-entropy token carrying the given scopes.
func (a *Authority) Create(name string, scopes []string) (AccessToken, error) {
	if strings.TrimSpace(name) == "" {
		return AccessToken{}, ErrInvalidName
	}
	if len(scopes) == 0 {
		return AccessToken{}, ErrInvalidScope
	}
	for _, s := range scopes {
		if !a.known(s) {
			return AccessToken{}, ErrInvalidScope
		}
	}

	secret, err := randomToken()
	if err != nil {
		return AccessToken{}, err
	}
	tok := AccessToken{
		Token:     secret,
		Name:      name,
		Scopes:    append([]string(nil), scopes...),
		Timestamp: time.Now().UTC(),
	}

	a.mu.Lock()
	a.byTok[tok.Token] = tok
	a.order = append(a.order, tok.Token)
	a.mu.Unlock()
	return tok, nil
}

// List returns every token in insertion order, values included.
func (a *Authority) List() []AccessToken {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]AccessToken, 0, len(a.order))
	for _, t := range a.order {
		if tok, ok := a.byTok[t]; ok {
			out = append(out, tok)
		}
	}
	return out
}

// Revoke removes a token. Revocation is immediate: the next Authorize call
// for this token returns false. An unknown token is ErrNotFound, not a no-op.
func (a *Authority) Revoke(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byTok[token]; !ok {
		return ErrNotFound
	}
	delete(a.byTok, token)
	for i, t := range a.order {
		if t == token {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return nil
}

// Authorize reports whether token exists and carries the required scope.
// Unknown and revoked tokens are simply false; it never errors.
func (a *Authority) Authorize(token, requiredScope string) bool {
	if token == "" {
		return false
	}
	a.mu.RLock()
	tok, ok := a.byTok[token]
	a.mu.RUnlock()
	return ok && tok.hasScope(requiredScope)
}

func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
