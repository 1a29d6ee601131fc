package auth

import (
	"net/http"

	"github.com/trellishq/trellis/internal/exchange"
)

// FormProvider authenticates username/password pairs posted as form
// fields. Extraction parses the request form, which consumes the body.
type FormProvider struct {
	usernameField string
	passwordField string
	users         *UserDirectory
}

// NewFormProvider creates a form login provider. Field names default to
// "username" and "password".
func NewFormProvider(usernameField, passwordField string, users *UserDirectory) *FormProvider {
	if usernameField == "" {
		usernameField = "username"
	}
	if passwordField == "" {
		passwordField = "password"
	}
	return &FormProvider{
		usernameField: usernameField,
		passwordField: passwordField,
		users:         users,
	}
}

func (p *FormProvider) Name() string { return "form" }

// Challenge returns "": form login has no WWW-Authenticate scheme.
func (p *FormProvider) Challenge() string { return "" }

// Authenticate verifies posted form credentials.
func (p *FormProvider) Authenticate(ex *exchange.Exchange) (*Principal, error) {
	r := ex.Request()
	if r.Method != http.MethodPost {
		return nil, ErrNoCredentials
	}
	username := r.PostFormValue(p.usernameField)
	password := r.PostFormValue(p.passwordField)
	if username == "" && password == "" {
		return nil, ErrNoCredentials
	}
	return p.users.Authenticate(ex.Context(), Form{Username: username, Password: password})
}

var _ Provider = (*FormProvider)(nil)
