package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/pipeline"
)

// CompressionConfig configures response compression.
type CompressionConfig struct {
	// Level is the compression level (1-9 gzip scale). Defaults to 6.
	Level int
	// MinSize is the smallest body worth compressing. Defaults to 1024.
	MinSize int
	// ContentTypes limits compression to these media types. Empty uses a
	// default set of text-like types.
	ContentTypes []string
	// Algorithms enables a subset of {"zstd", "gzip"}. Empty enables both.
	Algorithms []string
}

// Server preference; the client's q-values can override.
var defaultAlgoOrder = []string{"zstd", "gzip"}

var defaultCompressibleTypes = []string{
	"text/html", "text/css", "text/plain", "text/javascript",
	"application/javascript", "application/json", "application/xml",
	"text/xml", "image/svg+xml",
}

// AlgorithmStats counts work done by one compression algorithm.
type AlgorithmStats struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Count    int64 `json:"count"`
}

type algorithmMetrics struct {
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	count    atomic.Int64
}

// Compressor negotiates and applies response compression.
type Compressor struct {
	level        int
	minSize      int
	contentTypes map[string]bool
	algoOrder    []string
	metrics      map[string]*algorithmMetrics
	zstdPool     sync.Pool
}

// NewCompressor creates a Compressor from config.
func NewCompressor(cfg CompressionConfig) *Compressor {
	c := &Compressor{
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
		metrics:      make(map[string]*algorithmMetrics),
	}
	if c.level <= 0 || c.level > 9 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	enabled := make(map[string]bool)
	if len(cfg.Algorithms) > 0 {
		for _, algo := range cfg.Algorithms {
			enabled[algo] = true
		}
	} else {
		enabled["zstd"] = true
		enabled["gzip"] = true
	}
	for _, algo := range defaultAlgoOrder {
		if enabled[algo] {
			c.algoOrder = append(c.algoOrder, algo)
			c.metrics[algo] = &algorithmMetrics{}
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}
	for _, ct := range types {
		c.contentTypes[strings.ToLower(ct)] = true
	}

	zstdLevel := zstd.EncoderLevelFromZstd(c.level)
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}
	return c
}

// Middleware returns the compression middleware. Responses below MinSize,
// with non-compressible content types, or already encoded pass through
// untouched.
func (c *Compressor) Middleware() pipeline.Middleware {
	return func(ex *exchange.Exchange, next pipeline.Next) {
		algo := c.Negotiate(ex.Request())
		if algo == "" {
			next()
			return
		}

		cw := &compressingWriter{
			ResponseWriter: ex.Response().Unwrap(),
			compressor:     c,
			algorithm:      algo,
			statusCode:     http.StatusOK,
		}
		raw := ex.Response().SwapWriter(cw)
		defer ex.Response().SwapWriter(raw)

		next()
		cw.Close()
	}
}

// encodingPref is one parsed Accept-Encoding entry.
type encodingPref struct {
	encoding string
	quality  float64
}

// parseAcceptEncoding parses an Accept-Encoding header per RFC 7231 §5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: enc, quality: q})
	}
	return prefs
}

// Negotiate selects the compression algorithm for the request, or ""
// when none is acceptable.
func (c *Compressor) Negotiate(r *http.Request) string {
	prefs := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	// Highest client quality wins; ties go to server preference order.
	bestAlgo := ""
	bestQ := -1.0
	for _, algo := range c.algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue
		}
		if q > bestQ {
			bestQ = q
			bestAlgo = algo
		}
	}
	return bestAlgo
}

// Stats returns per-algorithm counters.
func (c *Compressor) Stats() map[string]AlgorithmStats {
	out := make(map[string]AlgorithmStats, len(c.metrics))
	for algo, m := range c.metrics {
		out[algo] = AlgorithmStats{
			BytesIn:  m.bytesIn.Load(),
			BytesOut: m.bytesOut.Load(),
			Count:    m.count.Load(),
		}
	}
	return out
}

func (c *Compressor) isCompressibleType(contentType string) bool {
	ct := contentType
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return c.contentTypes[strings.ToLower(ct)]
}

// encodingWriter is a closable compressing writer.
type encodingWriter interface {
	io.Writer
	Close() error
}

type optionalFlusher interface {
	Flush() error
}

// countWriter counts compressed bytes on their way out.
type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// pooledZstdWriter returns its encoder to the pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) { return pw.enc.Write(p) }

func (pw *pooledZstdWriter) Flush() error { return pw.enc.Flush() }

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

func (c *Compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	default:
		gz, _ := gzip.NewWriterLevel(w, c.level)
		return gz
	}
}

// compressingWriter defers the compress-or-not decision until enough body
// bytes have arrived to clear the minimum size, then streams through the
// negotiated encoder.
type compressingWriter struct {
	http.ResponseWriter
	compressor    *Compressor
	algorithm     string
	encWriter     encodingWriter
	countWriter   *countWriter
	statusCode    int
	headerWritten bool
	decided       bool
	compressing   bool
	buf           []byte
	bytesIn       int64
}

func (w *compressingWriter) WriteHeader(code int) {
	if w.headerWritten {
		return
	}
	w.statusCode = code

	if w.decided {
		w.commit()
		return
	}
	// An explicit non-compressible type or prior encoding settles it now;
	// otherwise hold the header until the body size is known.
	if !w.eligible() {
		w.decided = true
		w.compressing = false
		w.commit()
	}
}

func (w *compressingWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.buf = append(w.buf, b...)
		if !w.eligible() {
			w.decided = true
			w.compressing = false
			w.flushBuffer()
			return len(b), nil
		}
		if len(w.buf) >= w.compressor.minSize {
			w.decided = true
			w.compressing = true
			w.flushBuffer()
		}
		return len(b), nil
	}

	if w.compressing && w.encWriter != nil {
		w.bytesIn += int64(len(b))
		return w.encWriter.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// eligible reports whether the response, as currently headed, may still
// be compressed.
func (w *compressingWriter) eligible() bool {
	if w.ResponseWriter.Header().Get("Content-Encoding") != "" {
		return false
	}
	ct := w.ResponseWriter.Header().Get("Content-Type")
	return ct == "" || w.compressor.isCompressibleType(ct)
}

func (w *compressingWriter) commit() {
	if w.headerWritten {
		return
	}
	w.headerWritten = true
	if w.compressing {
		w.ResponseWriter.Header().Del("Content-Length")
		w.ResponseWriter.Header().Set("Content-Encoding", w.algorithm)
		w.ResponseWriter.Header().Add("Vary", "Accept-Encoding")
		cw := &countWriter{w: w.ResponseWriter}
		w.countWriter = cw
		w.encWriter = w.compressor.newEncodingWriter(cw, w.algorithm)
	}
	w.ResponseWriter.WriteHeader(w.statusCode)
}

func (w *compressingWriter) flushBuffer() {
	w.commit()
	if len(w.buf) == 0 {
		return
	}
	if w.compressing && w.encWriter != nil {
		w.bytesIn += int64(len(w.buf))
		w.encWriter.Write(w.buf)
	} else {
		w.ResponseWriter.Write(w.buf)
	}
	w.buf = nil
}

// Close settles an undecided response as uncompressed and finishes the
// encoder stream. Must be called once the handler returns.
func (w *compressingWriter) Close() {
	if !w.decided {
		w.decided = true
		w.compressing = false
		w.flushBuffer()
		return
	}
	if w.compressing && w.encWriter != nil {
		w.encWriter.Close()
		if m, ok := w.compressor.metrics[w.algorithm]; ok {
			m.bytesIn.Add(w.bytesIn)
			if w.countWriter != nil {
				m.bytesOut.Add(w.countWriter.n)
			}
			m.count.Add(1)
		}
	}
}

// Flush forces a streaming decision so chunked responses (SSE) are not
// held back waiting for the size gate.
func (w *compressingWriter) Flush() {
	if !w.decided {
		w.decided = true
		w.compressing = w.eligible() && len(w.buf) >= w.compressor.minSize
		w.flushBuffer()
	}
	if w.compressing && w.encWriter != nil {
		if f, ok := w.encWriter.(optionalFlusher); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (w *compressingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
