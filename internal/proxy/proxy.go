// Package proxy streams requests to HTTP upstreams. Bodies flow through in
// both directions without buffering, failures map onto a small taxonomy of
// kinds, and every upstream is guarded by a per-host circuit breaker.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/trellishq/trellis/internal/circuitbreaker"
	"github.com/trellishq/trellis/internal/errors"
	"github.com/trellishq/trellis/internal/exchange"
)

// Config holds forwarder-wide settings. Zero values fall back to defaults.
type Config struct {
	// ConnectTimeout bounds dialing the upstream.
	ConnectTimeout time.Duration
	// RequestTimeout bounds the whole forward including body streaming.
	RequestTimeout time.Duration
	// IdleTimeout bounds the gap between response body chunks. Zero
	// disables the check.
	IdleTimeout time.Duration
	// MaxRequestBody rejects requests whose declared length exceeds it.
	MaxRequestBody int64
	// MaxResponseBody aborts responses that grow past it. Zero = unlimited.
	MaxResponseBody int64
	// PreserveHost forwards the client Host header instead of the upstream
	// authority.
	PreserveHost bool
	// AddForwardedHeaders controls X-Forwarded-For/Proto/Host.
	AddForwardedHeaders bool
	// FollowRedirects makes the forwarder chase 3xx responses internally,
	// up to MaxRedirects.
	FollowRedirects bool
	MaxRedirects    int
	// RemoveRequestHeaders are dropped from every outgoing request.
	RemoveRequestHeaders []string
	// RemoveResponseHeaders are dropped from every forwarded response.
	RemoveResponseHeaders []string
	// AdditionalResponseHeaders are appended to every forwarded response.
	AdditionalResponseHeaders map[string]string
	// Transport tunes the underlying connection pool.
	Transport TransportConfig
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 10
	}
	return c
}

// RequestOptions override forwarder settings for a single ProxyTo call.
type RequestOptions struct {
	// RewritePath replaces the upstream path. A query string embedded in
	// the rewrite replaces the incoming one; otherwise the rewrite clears it.
	RewritePath string
	// Timeout overrides Config.RequestTimeout.
	Timeout time.Duration
	// IdleTimeout overrides Config.IdleTimeout.
	IdleTimeout time.Duration
	// RemoveHeaders names request headers dropped for this call only.
	RemoveHeaders []string
	// AddHeaders is applied after every removal and wins over incoming
	// values.
	AddHeaders map[string]string
	// OnUpstreamResponse runs after response headers arrive and before the
	// body streams. Returning an error aborts the forward with a 502.
	OnUpstreamResponse func(*http.Response) error
}

// Forwarder streams exchanges to upstreams.
type Forwarder struct {
	cfg       Config
	transport http.RoundTripper
	breakers  *circuitbreaker.Registry
}

// New creates a forwarder. breakers may be nil to disable admission control.
func New(cfg Config, breakers *circuitbreaker.Registry) *Forwarder {
	cfg = cfg.withDefaults()
	tcfg := cfg.Transport
	if tcfg.DialTimeout == 0 {
		tcfg.DialTimeout = cfg.ConnectTimeout
	}
	var rt http.RoundTripper = NewTransport(tcfg)
	if cfg.FollowRedirects {
		rt = newRedirectTransport(rt, cfg.MaxRedirects)
	}
	return &Forwarder{cfg: cfg, transport: rt, breakers: breakers}
}

// Breakers returns the registry guarding this forwarder's upstreams.
func (f *Forwarder) Breakers() *circuitbreaker.Registry { return f.breakers }

// Close releases idle upstream connections.
func (f *Forwarder) Close() {
	type idleCloser interface{ CloseIdleConnections() }
	if ic, ok := f.transport.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}

// ProxyTo forwards the exchange to upstreamURL and streams the response
// back. On failure it writes the mapped status to the outer response when
// headers are still uncommitted and returns a *Error; client cancellation
// writes nothing. A nil return means the full response body was forwarded.
func (f *Forwarder) ProxyTo(ex *exchange.Exchange, upstreamURL string, opts *RequestOptions) error {
	if opts == nil {
		opts = &RequestOptions{}
	}

	target, err := url.Parse(upstreamURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		perr := &Error{Kind: KindInvalidResponse, Upstream: upstreamURL,
			Err: fmt.Errorf("invalid upstream url %q", upstreamURL)}
		f.writeFailure(ex, perr)
		return perr
	}

	r := ex.Request()

	if f.cfg.MaxRequestBody > 0 && r.ContentLength > f.cfg.MaxRequestBody {
		perr := &Error{Kind: KindBodyTooLarge, Upstream: target.Host,
			Err: fmt.Errorf("request body %d exceeds limit %d", r.ContentLength, f.cfg.MaxRequestBody)}
		f.writeFailure(ex, perr)
		return perr
	}

	var breaker *circuitbreaker.Breaker
	if f.breakers != nil {
		breaker = f.breakers.For(target.Host)
		if !breaker.Allow() {
			perr := &Error{Kind: KindCircuitOpen, Upstream: target.Host,
				Err: fmt.Errorf("circuit open: upstream %s", target.Host)}
			f.writeFailure(ex, perr)
			return perr
		}
	}

	timeout := f.cfg.RequestTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ex.Context(), timeout)
	defer cancel()

	outReq := f.buildRequest(ctx, r, target, opts)

	resp, err := f.transport.RoundTrip(outReq)
	if err != nil {
		perr := &Error{Kind: classify(err), Upstream: target.Host, Err: err}
		f.settle(breaker, perr.Kind)
		f.writeFailure(ex, perr)
		return perr
	}
	defer resp.Body.Close()

	if f.cfg.MaxResponseBody > 0 && resp.ContentLength > f.cfg.MaxResponseBody {
		perr := &Error{Kind: KindBodyTooLarge, Upstream: target.Host,
			Err: fmt.Errorf("response body %d exceeds limit %d", resp.ContentLength, f.cfg.MaxResponseBody)}
		f.settle(breaker, perr.Kind)
		f.writeFailure(ex, perr)
		return perr
	}

	if opts.OnUpstreamResponse != nil {
		if cbErr := opts.OnUpstreamResponse(resp); cbErr != nil {
			perr := &Error{Kind: KindAborted, Upstream: target.Host, Err: cbErr}
			f.settle(breaker, perr.Kind)
			f.writeFailure(ex, perr)
			return perr
		}
	}

	w := ex.Response()
	copyResponseHeaders(w.Header(), resp.Header, f.cfg.RemoveResponseHeaders)
	for k, v := range f.cfg.AdditionalResponseHeaders {
		w.Header().Add(k, v)
	}
	w.WriteHeader(resp.StatusCode)

	body := io.ReadCloser(resp.Body)
	idle := f.cfg.IdleTimeout
	if opts.IdleTimeout > 0 {
		idle = opts.IdleTimeout
	}
	if idle > 0 {
		body = newIdleTimeoutReader(body, idle)
	}

	if err := f.streamBody(w, body); err != nil {
		perr := &Error{Kind: classify(err), Upstream: target.Host, Err: err}
		f.settle(breaker, perr.Kind)
		return perr
	}

	if breaker != nil {
		breaker.RecordSuccess()
	}
	w.End()
	return nil
}

// settle reports the outcome of an admitted request to the breaker. Kinds
// that are not upstream faults release the admission without a verdict.
func (f *Forwarder) settle(b *circuitbreaker.Breaker, kind Kind) {
	if b == nil {
		return
	}
	if upstreamFaults[kind] {
		b.RecordFailure(string(kind))
		return
	}
	b.Release()
}

// buildRequest assembles the outgoing request: target URL, forwarded
// headers, streamed body.
func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, target *url.URL, opts *RequestOptions) *http.Request {
	targetURL := *target
	switch {
	case opts.RewritePath != "":
		if i := strings.IndexByte(opts.RewritePath, '?'); i >= 0 {
			targetURL.Path = opts.RewritePath[:i]
			targetURL.RawQuery = opts.RewritePath[i+1:]
		} else {
			targetURL.Path = opts.RewritePath
			targetURL.RawQuery = ""
		}
	case target.Path != "" && target.Path != "/":
		targetURL.RawQuery = r.URL.RawQuery
	default:
		targetURL.Path = r.URL.Path
		targetURL.RawQuery = r.URL.RawQuery
	}

	// Construct the request directly, avoiding a URL round-trip through
	// String() + Parse().
	outReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	outReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		outReq.Header[k] = vv
	}
	removeHopHeaders(outReq.Header)
	for _, h := range f.cfg.RemoveRequestHeaders {
		outReq.Header.Del(h)
	}
	for _, h := range opts.RemoveHeaders {
		outReq.Header.Del(h)
	}

	if f.cfg.PreserveHost {
		outReq.Host = r.Host
	}

	if f.cfg.AddForwardedHeaders {
		if ip := clientIP(r); ip != "" {
			if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
				outReq.Header.Set("X-Forwarded-For", prior+", "+ip)
			} else {
				outReq.Header.Set("X-Forwarded-For", ip)
			}
		}
		if r.TLS != nil {
			outReq.Header.Set("X-Forwarded-Proto", "https")
		} else {
			outReq.Header.Set("X-Forwarded-Proto", "http")
		}
		outReq.Header.Set("X-Forwarded-Host", r.Host)
	}

	for k, v := range opts.AddHeaders {
		outReq.Header.Set(k, v)
	}

	return outReq
}

// writeFailure maps the error onto the outer response. Nothing is written
// for client cancellation or once headers are committed.
func (f *Forwarder) writeFailure(ex *exchange.Exchange, perr *Error) {
	if perr.Kind == KindCancelled {
		return
	}
	w := ex.Response()
	if w.Committed() {
		return
	}
	reqID := w.Header().Get("X-Request-ID")
	switch perr.Kind {
	case KindCircuitOpen:
		errors.ErrServiceUnavailable.
			WithDetails("circuit open: upstream " + perr.Upstream).
			WithRequestID(reqID).
			WriteJSON(w)
	case KindTimeout:
		errors.ErrGatewayTimeout.WithRequestID(reqID).WriteJSON(w)
	case KindBodyTooLarge:
		errors.ErrRequestEntityTooLarge.WithRequestID(reqID).WriteJSON(w)
	default:
		errors.ErrBadGateway.WithDetails(perr.Err.Error()).WithRequestID(reqID).WriteJSON(w)
	}
}

var streamBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// streamBody copies the upstream body to the client chunk by chunk, flushing
// after every write so chunked and event-stream responses flow through as
// received.
func (f *Forwarder) streamBody(w *exchange.Response, body io.Reader) error {
	bufp := streamBufPool.Get().(*[]byte)
	defer streamBufPool.Put(bufp)
	buf := *bufp

	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if f.cfg.MaxResponseBody > 0 && written+int64(n) > f.cfg.MaxResponseBody {
				return errBodyTooLarge
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return &clientWriteError{werr}
			}
			written += int64(n)
			w.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// copyResponseHeaders copies src into dst minus hop-by-hop headers and the
// configured removal set.
func copyResponseHeaders(dst, src http.Header, removals []string) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
	for _, h := range removals {
		dst.Del(h)
	}
}

// Hop-by-hop headers stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// clientIP returns the peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsCancelled reports whether err is a proxy error caused by the client
// going away.
func IsCancelled(err error) bool {
	var perr *Error
	return stderrors.As(err, &perr) && perr.Kind == KindCancelled
}
