package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies a proxy failure. Kinds feed the circuit breaker trigger
// filter and decide the status written on the outer response.
type Kind string

const (
	KindConnect          Kind = "connect"
	KindTimeout          Kind = "timeout"
	KindCircuitOpen      Kind = "circuit_open"
	KindBodyTooLarge     Kind = "body_too_large"
	KindTLS              Kind = "tls"
	KindInvalidResponse  Kind = "invalid_response"
	KindTooManyRedirects Kind = "too_many_redirects"
	// KindAborted marks a forward stopped by the OnUpstreamResponse callback.
	KindAborted Kind = "aborted"
	// KindCancelled marks a client disconnect; no outer response is written.
	KindCancelled Kind = "cancelled"
)

// Status returns the HTTP status the outer response carries for this kind.
// Cancelled has no status; callers must not write one.
func (k Kind) Status() int {
	switch k {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindCancelled:
		return 0
	default:
		return http.StatusBadGateway
	}
}

// upstreamFaults are the kinds recorded against the circuit breaker. Client
// disconnects, oversized bodies and callback aborts are not upstream faults.
var upstreamFaults = map[Kind]bool{
	KindConnect:          true,
	KindTimeout:          true,
	KindTLS:              true,
	KindInvalidResponse:  true,
	KindTooManyRedirects: true,
}

// Error describes a failed forward: what went wrong and which upstream it
// was talking to.
type Error struct {
	Kind     Kind
	Upstream string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxy %s: %s: %v", e.Upstream, e.Kind, e.Err)
	}
	return fmt.Sprintf("proxy %s: %s", e.Upstream, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// errTooManyRedirects is returned by redirectTransport when the redirect
// budget is exhausted.
var errTooManyRedirects = stderrors.New("proxy: too many redirects")

// errBodyTooLarge is returned by the stream loop when the response body
// exceeds the configured cap.
var errBodyTooLarge = stderrors.New("proxy: response body exceeds limit")

// clientWriteError wraps a failure writing to the downstream client so the
// caller can tell it apart from an upstream read failure.
type clientWriteError struct{ err error }

func (e *clientWriteError) Error() string { return "proxy: client write: " + e.err.Error() }
func (e *clientWriteError) Unwrap() error { return e.err }

// classify maps a transport or stream error onto the failure taxonomy.
func classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, context.Canceled):
		return KindCancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case stderrors.Is(err, errTooManyRedirects):
		return KindTooManyRedirects
	case stderrors.Is(err, errBodyTooLarge):
		return KindBodyTooLarge
	}

	var cwe *clientWriteError
	if stderrors.As(err, &cwe) {
		return KindCancelled
	}

	if isTLSError(err) {
		return KindTLS
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "dial" {
		return KindConnect
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return KindConnect
	}

	// Transport reports malformed upstream responses as plain errors.
	if strings.Contains(err.Error(), "malformed HTTP") {
		return KindInvalidResponse
	}

	return KindInvalidResponse
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		authErr     x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		alertErr    tls.AlertError
		sysRootsErr x509.SystemRootsError
	)
	return stderrors.As(err, &recordErr) ||
		stderrors.As(err, &verifyErr) ||
		stderrors.As(err, &authErr) ||
		stderrors.As(err, &hostErr) ||
		stderrors.As(err, &invalidErr) ||
		stderrors.As(err, &alertErr) ||
		stderrors.As(err, &sysRootsErr)
}
