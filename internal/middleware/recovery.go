package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/trellishq/trellis/internal/errors"
	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/logging"
	"github.com/trellishq/trellis/internal/pipeline"
)

// RecoveryConfig configures the recovery middleware.
type RecoveryConfig struct {
	// PrintStack captures the stack trace when a panic occurs.
	PrintStack bool
	// LogFunc is called when a panic occurs.
	LogFunc func(err any, stack []byte)
}

// DefaultRecoveryConfig logs panics with their stack traces.
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    defaultPanicLog,
}

func defaultPanicLog(err any, stack []byte) {
	logging.Error("panic recovered",
		zap.Any("error", err),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware with default config.
func Recovery() pipeline.Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware. A panic downstream is
// logged and answered with a 500 JSON body when the response has not been
// committed; a committed response is left to abort mid-stream.
func RecoveryWithConfig(cfg RecoveryConfig) pipeline.Middleware {
	return func(ex *exchange.Exchange, next pipeline.Next) {
		defer func() {
			if err := recover(); err != nil {
				var stack []byte
				if cfg.PrintStack {
					stack = debug.Stack()
				}
				if cfg.LogFunc != nil {
					cfg.LogFunc(err, stack)
				}

				if ex.Response().Committed() {
					// Headers are out; abort the connection so the client
					// sees a truncated body, not a complete one.
					panic(http.ErrAbortHandler)
				}
				trellisErr := errors.ErrInternalServer.WithDetails(fmt.Sprintf("panic: %v", err))
				if id := GetRequestID(ex); id != "" {
					trellisErr = trellisErr.WithRequestID(id)
				}
				trellisErr.WriteJSON(ex.Response())
			}
		}()

		next()
	}
}
