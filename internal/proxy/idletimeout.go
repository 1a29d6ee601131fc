package proxy

import (
	"context"
	"io"
	"time"
)

// idleTimeoutReader wraps an io.ReadCloser to enforce an idle timeout. A
// Read that produces no data within the window returns
// context.DeadlineExceeded. The helper goroutine reads into a buffer owned
// by the reader, never the caller's, so a read abandoned by a timeout
// cannot scribble on memory the caller has already reused.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	buf     []byte
	pending chan readResult
}

type readResult struct {
	n   int
	err error
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	return &idleTimeoutReader{rc: rc, timeout: timeout}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	if r.pending == nil {
		if len(r.buf) < len(p) {
			r.buf = make([]byte, len(p))
		}
		r.pending = make(chan readResult, 1)
		go func(buf []byte, ch chan readResult) {
			n, err := r.rc.Read(buf)
			ch <- readResult{n, err}
		}(r.buf[:len(p)], r.pending)
	}

	select {
	case res := <-r.pending:
		r.pending = nil
		n := copy(p, r.buf[:res.n])
		return n, res.err
	case <-time.After(r.timeout):
		return 0, context.DeadlineExceeded
	}
}

// Close closes the underlying reader, unblocking any abandoned read.
func (r *idleTimeoutReader) Close() error {
	return r.rc.Close()
}
