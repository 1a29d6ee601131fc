// Package auth verifies request credentials and produces principals.
//
// Extraction and verification are split: a Provider pulls one shape of
// Credentials out of an exchange, then hands them to a Strategy. The
// authenticated Principal is attached to the exchange attributes under
// PrincipalKey so downstream middleware and handlers can read it.
package auth

import (
	"context"
	"errors"

	"github.com/trellishq/trellis/internal/attr"
	"github.com/trellishq/trellis/internal/exchange"
)

var (
	// ErrNoCredentials means the request carried nothing to verify.
	ErrNoCredentials = errors.New("auth: no credentials presented")

	// ErrInvalidCredentials means credentials were presented and rejected.
	// Verification failures wrap this sentinel.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Kind discriminates credential variants.
type Kind string

const (
	KindBasic  Kind = "basic"
	KindBearer Kind = "bearer"
	KindAPIKey Kind = "api_key"
	KindForm   Kind = "form"
)

// Credentials is the closed set of credential shapes a provider can
// extract from a request.
type Credentials interface {
	Kind() Kind
}

// Basic carries credentials from an Authorization: Basic header.
type Basic struct {
	Username string
	Password string
}

func (Basic) Kind() Kind { return KindBasic }

// Bearer carries a token from an Authorization: Bearer header.
type Bearer struct {
	Token string
}

func (Bearer) Kind() Kind { return KindBearer }

// APIKey carries an opaque key from a header, query parameter or cookie.
type APIKey struct {
	Key string
}

func (APIKey) Kind() Kind { return KindAPIKey }

// Form carries a username/password pair posted as form fields.
type Form struct {
	Username string
	Password string
}

func (Form) Kind() Kind { return KindForm }

// Principal is an authenticated identity.
type Principal struct {
	ID          string
	Name        string
	Roles       []string
	Permissions []string
	Claims      map[string]string
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal carries the given permission.
func (p *Principal) HasPermission(perm string) bool {
	for _, q := range p.Permissions {
		if q == perm {
			return true
		}
	}
	return false
}

// Strategy verifies extracted credentials. Implementations reject shapes
// they do not understand.
type Strategy interface {
	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)
}

// Provider extracts credentials from an exchange and verifies them.
// Authenticate returns ErrNoCredentials when the request carries nothing
// for this provider, and an error wrapping ErrInvalidCredentials when
// verification fails.
type Provider interface {
	Name() string

	// Challenge is the WWW-Authenticate value to send on 401, or "" when
	// the scheme has none.
	Challenge() string

	Authenticate(ex *exchange.Exchange) (*Principal, error)
}

// PrincipalKey is the well-known exchange attribute holding the
// authenticated principal.
var PrincipalKey = attr.NewKey[*Principal]("auth.principal")

// Attach stores the principal on the exchange.
func Attach(ex *exchange.Exchange, p *Principal) {
	attr.Set(ex.Attrs(), PrincipalKey, p)
}

// From returns the principal attached to the exchange, if any.
func From(ex *exchange.Exchange) (*Principal, bool) {
	return attr.Get(ex.Attrs(), PrincipalKey)
}
