package auth

import (
	"fmt"

	"github.com/trellishq/trellis/internal/exchange"
)

// BasicProvider authenticates Authorization: Basic headers against a
// user directory.
type BasicProvider struct {
	realm string
	users *UserDirectory
}

// NewBasicProvider creates a Basic authentication provider. An empty
// realm defaults to "Restricted".
func NewBasicProvider(realm string, users *UserDirectory) *BasicProvider {
	if realm == "" {
		realm = "Restricted"
	}
	return &BasicProvider{realm: realm, users: users}
}

func (p *BasicProvider) Name() string { return "basic" }

// Challenge returns the WWW-Authenticate value for this realm.
func (p *BasicProvider) Challenge() string {
	return fmt.Sprintf("Basic realm=%q", p.realm)
}

// Authenticate verifies Basic credentials from the request.
func (p *BasicProvider) Authenticate(ex *exchange.Exchange) (*Principal, error) {
	username, password, ok := ex.Request().BasicAuth()
	if !ok {
		return nil, ErrNoCredentials
	}
	return p.users.Authenticate(ex.Context(), Basic{Username: username, Password: password})
}

var _ Provider = (*BasicProvider)(nil)
