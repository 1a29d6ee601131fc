package middleware

import (
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trellishq/trellis/internal/auth"
	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/logging"
	"github.com/trellishq/trellis/internal/pipeline"
)

// StatusRange is a contiguous range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// Contains reports whether status falls inside the range.
func (r StatusRange) Contains(status int) bool {
	return status >= r.Lo && status <= r.Hi
}

// ParseStatusRange parses a status range string like "4xx", "200" or
// "200-299".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, &StatusRangeError{Input: s}
		}
		return StatusRange{Lo: base, Hi: base + 99}, nil
	}
	if parts := strings.SplitN(s, "-", 2); len(parts) == 2 {
		lo, err1 := strconv.Atoi(parts[0])
		hi, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || lo < 100 || hi > 599 || lo > hi {
			return StatusRange{}, &StatusRangeError{Input: s}
		}
		return StatusRange{Lo: lo, Hi: hi}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, &StatusRangeError{Input: s}
	}
	return StatusRange{Lo: code, Hi: code}, nil
}

// StatusRangeError is returned when a status range string is invalid.
type StatusRangeError struct {
	Input string
}

func (e *StatusRangeError) Error() string {
	return "invalid status range: " + e.Input
}

// AccessLogConfig configures the access log middleware.
type AccessLogConfig struct {
	// SkipPaths are exact paths that are never logged (health probes).
	SkipPaths []string
	// StatusRanges limits logging to matching statuses ("4xx", "200-299").
	// Empty logs everything.
	StatusRanges []string
	// SampleRate keeps the given fraction of lines when in (0,1).
	SampleRate float64
	// LogFunc receives the completed line. Defaults to logging.Info.
	LogFunc func(msg string, fields ...zap.Field)
}

// AccessLog creates an access log middleware that logs every request.
func AccessLog() pipeline.Middleware {
	mw, _ := AccessLogWithConfig(AccessLogConfig{})
	return mw
}

// AccessLogWithConfig creates an access log middleware. It fails when a
// status range does not parse.
func AccessLogWithConfig(cfg AccessLogConfig) (pipeline.Middleware, error) {
	logFunc := cfg.LogFunc
	if logFunc == nil {
		logFunc = logging.Info
	}

	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	var ranges []StatusRange
	for _, s := range cfg.StatusRanges {
		r, err := ParseStatusRange(s)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}

	shouldLog := func(status int) bool {
		if cfg.SampleRate > 0 && cfg.SampleRate < 1 && rand.Float64() >= cfg.SampleRate {
			return false
		}
		if len(ranges) == 0 {
			return true
		}
		for _, r := range ranges {
			if r.Contains(status) {
				return true
			}
		}
		return false
	}

	return func(ex *exchange.Exchange, next pipeline.Next) {
		if skip[ex.Path()] {
			next()
			return
		}

		start := time.Now()
		next()
		elapsed := time.Since(start)

		resp := ex.Response()
		status := resp.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if !shouldLog(status) {
			return
		}

		fields := []zap.Field{
			zap.String("method", ex.Method()),
			zap.String("path", ex.Path()),
			zap.Int("status", status),
			zap.Int64("bytes", resp.BytesWritten()),
			zap.Duration("duration", elapsed),
			zap.String("client_ip", clientIP(ex.Request())),
		}
		if q := ex.Request().URL.RawQuery; q != "" {
			fields = append(fields, zap.String("query", q))
		}
		if id := GetRequestID(ex); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		if ua := ex.Header("User-Agent"); ua != "" {
			fields = append(fields, zap.String("user_agent", ua))
		}
		if p, ok := auth.From(ex); ok {
			fields = append(fields, zap.String("auth_id", p.ID))
		}
		logFunc("request", fields...)
	}, nil
}

// clientIP resolves the originating client address, preferring forwarding
// headers over the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
