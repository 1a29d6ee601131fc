// Package middleware provides the platform's request-processing
// middlewares. Each constructor returns a pipeline.Middleware that runs
// against an Exchange and calls next to continue the chain.
package middleware

import (
	"github.com/google/uuid"

	"github.com/trellishq/trellis/internal/attr"
	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/pipeline"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDKey is the exchange attribute holding the request ID.
var RequestIDKey = attr.NewKey[string]("request.id")

// RequestIDConfig configures the request ID middleware.
type RequestIDConfig struct {
	// Header carries the request ID in both directions.
	Header string
	// Generator mints new request IDs.
	Generator func() string
	// TrustHeader reuses an incoming request ID instead of minting one.
	TrustHeader bool
}

// DefaultRequestIDConfig trusts inbound X-Request-ID headers and mints
// UUIDs otherwise.
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      "X-Request-ID",
	Generator:   defaultIDGenerator,
	TrustHeader: true,
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// RequestID creates a request ID middleware with default config.
func RequestID() pipeline.Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig creates a request ID middleware.
func RequestIDWithConfig(cfg RequestIDConfig) pipeline.Middleware {
	if cfg.Header == "" {
		cfg.Header = "X-Request-ID"
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(ex *exchange.Exchange, next pipeline.Next) {
		var id string
		if cfg.TrustHeader {
			id = ex.Header(cfg.Header)
		}
		if id == "" {
			id = cfg.Generator()
		}

		ex.Request().Header.Set(cfg.Header, id)
		ex.Response().SetHeader(cfg.Header, id)
		attr.Set(ex.Attrs(), RequestIDKey, id)

		next()
	}
}

// GetRequestID returns the request ID attached to the exchange, or "".
func GetRequestID(ex *exchange.Exchange) string {
	return attr.GetOr(ex.Attrs(), RequestIDKey, "")
}
