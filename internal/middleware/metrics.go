package middleware

import (
	"net/http"
	"time"

	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/metrics"
	"github.com/trellishq/trellis/internal/pipeline"
	"github.com/trellishq/trellis/internal/router"
)

// Metrics records one counter increment and one latency observation per
// exchange. The route label is the matched pattern so parameterized paths
// collapse into one series; requests that never match a route share the
// "unmatched" label.
func Metrics(m *metrics.Metrics) pipeline.Middleware {
	return func(ex *exchange.Exchange, next pipeline.Next) {
		start := time.Now()
		next()

		route := router.Pattern(ex)
		if route == "" {
			route = "unmatched"
		}
		status := ex.Response().Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordRequest(ex.Method(), route, status, time.Since(start))
	}
}
