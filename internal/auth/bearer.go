package auth

import (
	"strings"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/trellishq/trellis/internal/exchange"
)

type cachedPrincipal struct {
	principal *Principal
	expiresAt time.Time
}

// BearerProvider authenticates Authorization: Bearer tokens. Successful
// verifications are cached so hot tokens skip the HMAC work; entries
// never outlive the token's own exp.
type BearerProvider struct {
	tokens *Tokens
	cache  *expirable.LRU[string, cachedPrincipal]
}

// NewBearerProvider creates a bearer token provider. cacheSize <= 0
// disables the verification cache.
func NewBearerProvider(tokens *Tokens, cacheSize int, cacheTTL time.Duration) *BearerProvider {
	p := &BearerProvider{tokens: tokens}
	if cacheSize > 0 {
		p.cache = expirable.NewLRU[string, cachedPrincipal](cacheSize, nil, cacheTTL)
	}
	return p
}

func (p *BearerProvider) Name() string { return "bearer" }

// Challenge returns the WWW-Authenticate value.
func (p *BearerProvider) Challenge() string { return `Bearer realm="api"` }

// Authenticate verifies the bearer token on the request.
func (p *BearerProvider) Authenticate(ex *exchange.Exchange) (*Principal, error) {
	raw, ok := extractBearer(ex.Request().Header.Get("Authorization"))
	if !ok {
		return nil, ErrNoCredentials
	}

	if p.cache != nil {
		if hit, found := p.cache.Get(raw); found {
			if hit.expiresAt.IsZero() || time.Now().Before(hit.expiresAt) {
				out := *hit.principal
				return &out, nil
			}
			p.cache.Remove(raw)
		}
	}

	principal, expiry, err := p.tokens.verifyToken(raw)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Add(raw, cachedPrincipal{principal: principal, expiresAt: expiry})
	}
	out := *principal
	return &out, nil
}

func extractBearer(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):], true
	}
	return "", false
}

var _ Provider = (*BearerProvider)(nil)
