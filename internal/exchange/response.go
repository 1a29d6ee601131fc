package exchange

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrResponseEnded is returned by writes made after End.
var ErrResponseEnded = errors.New("exchange: response already ended")

// Response is a write-only streaming view of the HTTP response. It tracks
// whether headers have been committed so late failures (handler panics,
// proxy errors mid-stream) can decide between sending an error response and
// aborting the connection.
type Response struct {
	w         http.ResponseWriter
	status    int
	committed bool
	ended     bool
	written   int64
}

func newResponse(w http.ResponseWriter) *Response {
	return &Response{w: w}
}

// Header returns the response header map. Mutations after commit have no
// effect on the wire.
func (r *Response) Header() http.Header { return r.w.Header() }

// SetHeader sets the named header, replacing existing values.
func (r *Response) SetHeader(name, value string) { r.w.Header().Set(name, value) }

// AddHeader appends a value to the named header.
func (r *Response) AddHeader(name, value string) { r.w.Header().Add(name, value) }

// DelHeader removes the named header.
func (r *Response) DelHeader(name string) { r.w.Header().Del(name) }

// SetCookie emits a Set-Cookie header for c.
func (r *Response) SetCookie(c *http.Cookie) { http.SetCookie(r.w, c) }

// WriteHeader commits the status line and headers. Subsequent calls are
// ignored.
func (r *Response) WriteHeader(status int) {
	if r.committed || r.ended {
		return
	}
	r.status = status
	r.committed = true
	r.w.WriteHeader(status)
}

// Write streams p to the client, committing a 200 status first when headers
// are not yet sent.
func (r *Response) Write(p []byte) (int, error) {
	if r.ended {
		return 0, ErrResponseEnded
	}
	if !r.committed {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.w.Write(p)
	r.written += int64(n)
	return n, err
}

// WriteString streams s to the client.
func (r *Response) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Text writes a plain-text body with the given status.
func (r *Response) Text(status int, body string) error {
	r.SetHeader("Content-Type", "text/plain; charset=utf-8")
	r.WriteHeader(status)
	_, err := r.WriteString(body)
	return err
}

// JSON encodes v as the response body with the given status.
func (r *Response) JSON(status int, v any) error {
	r.SetHeader("Content-Type", "application/json")
	r.WriteHeader(status)
	return json.NewEncoder(r).Encode(v)
}

// Flush pushes buffered bytes to the client when the underlying writer
// supports it.
func (r *Response) Flush() {
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
}

// End finalizes the response. An uncommitted response is committed with its
// pending status (200 when none was set). Writes after End fail with
// ErrResponseEnded.
func (r *Response) End() {
	if r.ended {
		return
	}
	if !r.committed {
		r.WriteHeader(http.StatusOK)
	}
	r.ended = true
}

// Committed reports whether the status line and headers have been sent.
func (r *Response) Committed() bool { return r.committed }

// Ended reports whether End has been called.
func (r *Response) Ended() bool { return r.ended }

// Status returns the committed status code, or 0 before commit.
func (r *Response) Status() int { return r.status }

// BytesWritten returns the number of body bytes written so far.
func (r *Response) BytesWritten() int64 { return r.written }

// Unwrap exposes the underlying ResponseWriter for upgrades and hijacking.
func (r *Response) Unwrap() http.ResponseWriter { return r.w }

// SwapWriter replaces the underlying writer and returns the previous one.
// Middleware interposing a filtering writer (compression, buffering) must
// restore the previous writer before returning.
func (r *Response) SwapWriter(w http.ResponseWriter) http.ResponseWriter {
	old := r.w
	r.w = w
	return old
}
