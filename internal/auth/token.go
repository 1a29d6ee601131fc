package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is used when TokenConfig.TTL is unset.
const DefaultTokenTTL = time.Hour

// TokenConfig configures the HS256 token service.
type TokenConfig struct {
	// Secret signs and verifies tokens. Required.
	Secret string
	// Issuer, when set, is stamped into iss and enforced on verify.
	Issuer string
	// TTL bounds token lifetime. Defaults to DefaultTokenTTL.
	TTL time.Duration
}

// Tokens issues and verifies HS256 JWTs. The subject claim carries the
// principal ID; name, roles, permissions and custom claims ride along as
// string-typed claims.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokens creates the token service.
func NewTokens(cfg TokenConfig) (*Tokens, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: token secret must not be empty")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
	}, nil
}

// Issue signs a token for the principal. The principal ID becomes the
// subject and must not be empty.
func (t *Tokens) Issue(p *Principal) (string, error) {
	if p == nil || p.ID == "" {
		return "", errors.New("auth: principal ID required to issue a token")
	}

	claims := jwt.MapClaims{}
	for k, v := range p.Claims {
		claims[k] = v
	}
	if p.Name != "" {
		claims["name"] = p.Name
	}
	if len(p.Roles) > 0 {
		claims["roles"] = strings.Join(p.Roles, ",")
	}
	if len(p.Permissions) > 0 {
		claims["permissions"] = strings.Join(p.Permissions, ",")
	}

	now := time.Now()
	claims["sub"] = p.ID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(t.ttl).Unix()
	if t.issuer != "" {
		claims["iss"] = t.issuer
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a token, rebuilding the principal from its
// claims. All failures wrap ErrInvalidCredentials.
func (t *Tokens) Verify(raw string) (*Principal, error) {
	p, _, err := t.verifyToken(raw)
	return p, err
}

// verifyToken also reports the expiry so callers can bound caching.
func (t *Tokens) verifyToken(raw string) (*Principal, time.Time, error) {
	token, err := jwt.Parse(raw, t.keyFunc)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidCredentials)
	}

	if t.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != t.issuer {
			return nil, time.Time{}, fmt.Errorf("%w: wrong issuer %q", ErrInvalidCredentials, iss)
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, time.Time{}, fmt.Errorf("%w: missing sub claim", ErrInvalidCredentials)
	}

	var expiry time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}

	p := &Principal{ID: sub}
	for k, v := range claims {
		s, isString := v.(string)
		switch k {
		case "sub", "iss", "aud", "iat", "exp", "nbf", "jti":
			continue
		case "name":
			if isString {
				p.Name = s
			}
		case "roles":
			if isString && s != "" {
				p.Roles = strings.Split(s, ",")
			}
		case "permissions":
			if isString && s != "" {
				p.Permissions = strings.Split(s, ",")
			}
		default:
			if isString {
				if p.Claims == nil {
					p.Claims = make(map[string]string)
				}
				p.Claims[k] = s
			}
		}
	}
	return p, expiry, nil
}

// keyFunc admits HS256 only. HS384/HS512 tokens are rejected along with
// everything else.
func (t *Tokens) keyFunc(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return t.secret, nil
}
