// Package exchange bundles a single HTTP request, its in-progress response,
// and typed per-request attributes. One Exchange is created per request and
// travels through the middleware pipeline to the route handler.
package exchange

import (
	"context"
	"io"
	"net/http"

	"github.com/trellishq/trellis/internal/attr"
)

// Exchange pairs a request with its streaming response. It is bound to the
// goroutine handling the request; attributes are not safe for concurrent
// mutation.
type Exchange struct {
	req   *http.Request
	resp  *Response
	attrs *attr.Bag
}

// New builds an Exchange around a ResponseWriter and Request.
func New(w http.ResponseWriter, r *http.Request) *Exchange {
	return &Exchange{
		req:   r,
		resp:  newResponse(w),
		attrs: attr.NewBag(),
	}
}

// Request returns the underlying request.
func (ex *Exchange) Request() *http.Request { return ex.req }

// SetRequest replaces the underlying request, typically after deriving one
// with a new context.
func (ex *Exchange) SetRequest(r *http.Request) { ex.req = r }

// Response returns the streaming response writer.
func (ex *Exchange) Response() *Response { return ex.resp }

// Attrs returns the typed attribute bag.
func (ex *Exchange) Attrs() *attr.Bag { return ex.attrs }

// Context returns the request context. It is cancelled when the client
// disconnects or the server shuts the request down.
func (ex *Exchange) Context() context.Context { return ex.req.Context() }

// Method returns the request method.
func (ex *Exchange) Method() string { return ex.req.Method }

// Path returns the request URL path.
func (ex *Exchange) Path() string { return ex.req.URL.Path }

// Header returns the first value of the named request header.
func (ex *Exchange) Header(name string) string { return ex.req.Header.Get(name) }

// Query returns the first value of the named query parameter.
func (ex *Exchange) Query(name string) string { return ex.req.URL.Query().Get(name) }

// Cookie returns the named request cookie.
func (ex *Exchange) Cookie(name string) (*http.Cookie, error) { return ex.req.Cookie(name) }

// Cookies returns all request cookies.
func (ex *Exchange) Cookies() []*http.Cookie { return ex.req.Cookies() }

// Body returns the request body stream. The caller does not own the stream;
// the server closes it when the request completes.
func (ex *Exchange) Body() io.ReadCloser { return ex.req.Body }
