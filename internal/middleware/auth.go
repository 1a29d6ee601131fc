package middleware

import (
	"errors"

	"go.uber.org/zap"

	"github.com/trellishq/trellis/internal/auth"
	trellis "github.com/trellishq/trellis/internal/errors"
	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/logging"
	"github.com/trellishq/trellis/internal/pipeline"
)

// Auth creates an authentication middleware over one or more providers,
// tried in order. The first provider that finds credentials decides the
// outcome: on success the principal is attached to the exchange, on
// failure the request is rejected with 401 when required.
//
// When not required a request with missing or bad credentials continues
// anonymously.
func Auth(required bool, providers ...auth.Provider) pipeline.Middleware {
	return func(ex *exchange.Exchange, next pipeline.Next) {
		for _, p := range providers {
			principal, err := p.Authenticate(ex)
			if err == nil {
				auth.Attach(ex, principal)
				next()
				return
			}
			if errors.Is(err, auth.ErrNoCredentials) {
				continue
			}

			// Credentials were presented and rejected.
			logging.Debug("authentication failed",
				zap.String("provider", p.Name()),
				zap.Error(err))
			if required {
				reject(ex, "Invalid credentials", p)
				return
			}
			next()
			return
		}

		// No provider found anything to verify.
		if required {
			reject(ex, "Credentials not provided", providers...)
			return
		}
		next()
	}
}

func reject(ex *exchange.Exchange, details string, providers ...auth.Provider) {
	for _, p := range providers {
		if c := p.Challenge(); c != "" {
			ex.Response().AddHeader("WWW-Authenticate", c)
		}
	}
	err := trellis.ErrUnauthorized.WithDetails(details)
	if id := GetRequestID(ex); id != "" {
		err = err.WithRequestID(id)
	}
	err.WriteJSON(ex.Response())
}

// RequireRole guards a route on a role carried by the authenticated
// principal. It 403s authenticated principals without the role and 401s
// anonymous requests.
func RequireRole(role string) pipeline.Middleware {
	return func(ex *exchange.Exchange, next pipeline.Next) {
		p, ok := auth.From(ex)
		if !ok {
			writeTrellisError(ex, trellis.ErrUnauthorized.WithDetails("Authentication required"))
			return
		}
		if !p.HasRole(role) {
			writeTrellisError(ex, trellis.ErrForbidden.WithDetails("Missing role: "+role))
			return
		}
		next()
	}
}

func writeTrellisError(ex *exchange.Exchange, err *trellis.TrellisError) {
	if id := GetRequestID(ex); id != "" {
		err = err.WithRequestID(id)
	}
	err.WriteJSON(ex.Response())
}
