package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/trellishq/trellis/internal/exchange"
)

// KeySet maps opaque API keys to principals.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]*Principal
}

// NewKeySet creates an empty key set.
func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[string]*Principal)}
}

// Add registers a key for the given principal.
func (s *KeySet) Add(key string, p Principal) {
	s.mu.Lock()
	s.keys[key] = &p
	s.mu.Unlock()
}

// Remove revokes a key.
func (s *KeySet) Remove(key string) {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

// Len returns the number of registered keys.
func (s *KeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Authenticate verifies APIKey credentials.
func (s *KeySet) Authenticate(_ context.Context, creds Credentials) (*Principal, error) {
	c, ok := creds.(APIKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported credential kind %q", ErrInvalidCredentials, creds.Kind())
	}

	s.mu.RLock()
	p, found := s.keys[c.Key]
	s.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: unknown api key", ErrInvalidCredentials)
	}

	out := *p
	return &out, nil
}

var _ Strategy = (*KeySet)(nil)

// APIKeyProvider authenticates API keys carried in a header, a query
// parameter, or a cookie, checked in that order.
type APIKeyProvider struct {
	header     string
	queryParam string
	cookieName string
	keys       *KeySet
}

// NewAPIKeyProvider creates an API key provider. When no location is
// configured the X-API-Key header is used.
func NewAPIKeyProvider(header, queryParam, cookieName string, keys *KeySet) *APIKeyProvider {
	if header == "" && queryParam == "" && cookieName == "" {
		header = "X-API-Key"
	}
	return &APIKeyProvider{
		header:     header,
		queryParam: queryParam,
		cookieName: cookieName,
		keys:       keys,
	}
}

func (p *APIKeyProvider) Name() string { return "api_key" }

// Challenge returns the scheme advertised on 401.
func (p *APIKeyProvider) Challenge() string { return "API-Key" }

// Authenticate verifies the API key on the request.
func (p *APIKeyProvider) Authenticate(ex *exchange.Exchange) (*Principal, error) {
	key, ok := p.extract(ex.Request())
	if !ok {
		return nil, ErrNoCredentials
	}
	return p.keys.Authenticate(ex.Context(), APIKey{Key: key})
}

func (p *APIKeyProvider) extract(r *http.Request) (string, bool) {
	if p.header != "" {
		if key := r.Header.Get(p.header); key != "" {
			return key, true
		}
	}
	if p.queryParam != "" {
		if key := r.URL.Query().Get(p.queryParam); key != "" {
			return key, true
		}
	}
	if p.cookieName != "" {
		if c, err := r.Cookie(p.cookieName); err == nil && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

var _ Provider = (*APIKeyProvider)(nil)
