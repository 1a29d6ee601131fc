package middleware

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-yaml"

	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/pipeline"
)

// ContentNegotiationConfig configures response re-encoding.
type ContentNegotiationConfig struct {
	// Supported lists the formats offered: "json", "xml", "yaml".
	Supported []string
	// Default is used when the request has no Accept header. Defaults to
	// "json".
	Default string
	// Override forces a format regardless of the Accept header.
	Override string
}

// NegotiationStats counts outcomes per format.
type NegotiationStats struct {
	JSON          int64 `json:"json"`
	XML           int64 `json:"xml"`
	YAML          int64 `json:"yaml"`
	NotAcceptable int64 `json:"not_acceptable"`
}

// Negotiator re-encodes JSON handler output into the format the client
// asked for.
type Negotiator struct {
	supported     map[string]bool
	defaultFmt    string
	override      string
	jsonCount     atomic.Int64
	xmlCount      atomic.Int64
	yamlCount     atomic.Int64
	notAcceptable atomic.Int64
}

// NewNegotiator creates a Negotiator from config.
func NewNegotiator(cfg ContentNegotiationConfig) (*Negotiator, error) {
	supported := make(map[string]bool, len(cfg.Supported))
	for _, f := range cfg.Supported {
		switch f {
		case "json", "xml", "yaml":
			supported[f] = true
		default:
			return nil, fmt.Errorf("unsupported content negotiation format: %s", f)
		}
	}
	if len(supported) == 0 {
		supported["json"] = true
	}

	defaultFmt := cfg.Default
	if defaultFmt == "" {
		defaultFmt = "json"
	}
	if !supported[defaultFmt] {
		return nil, fmt.Errorf("default format %q not in supported list", defaultFmt)
	}
	if cfg.Override != "" && !supported[cfg.Override] {
		return nil, fmt.Errorf("override format %q not in supported list", cfg.Override)
	}

	return &Negotiator{
		supported:  supported,
		defaultFmt: defaultFmt,
		override:   cfg.Override,
	}, nil
}

// Middleware returns the negotiation middleware. Handlers keep producing
// JSON; xml/yaml responses are re-encoded from it. An Accept header
// matching none of the supported formats gets 406.
func (n *Negotiator) Middleware() pipeline.Middleware {
	return func(ex *exchange.Exchange, next pipeline.Next) {
		format := n.override
		if format == "" {
			format = n.negotiate(ex.Header("Accept"))
		}

		if format == "" {
			n.notAcceptable.Add(1)
			ex.Response().Text(http.StatusNotAcceptable, "406 Not Acceptable")
			return
		}

		if format == "json" {
			n.jsonCount.Add(1)
			next()
			return
		}

		bw := &bufferWriter{header: make(http.Header)}
		raw := ex.Response().SwapWriter(bw)
		func() {
			defer ex.Response().SwapWriter(raw)
			next()
		}()

		body := bw.body.Bytes()
		status := bw.status
		if status == 0 {
			status = http.StatusOK
		}

		var encoded []byte
		var contentType string
		var err error
		switch format {
		case "xml":
			encoded, err = jsonToXML(body)
			contentType = "application/xml; charset=utf-8"
			n.xmlCount.Add(1)
		case "yaml":
			encoded, err = jsonToYAML(body)
			contentType = "application/yaml; charset=utf-8"
			n.yamlCount.Add(1)
		}

		copyHeader(raw.Header(), bw.header)
		if err != nil {
			// Not JSON after all; send what the handler produced.
			raw.Header().Set("Content-Length", strconv.Itoa(len(body)))
			raw.WriteHeader(status)
			raw.Write(body)
			return
		}
		raw.Header().Set("Content-Type", contentType)
		raw.Header().Set("Content-Length", strconv.Itoa(len(encoded)))
		raw.WriteHeader(status)
		raw.Write(encoded)
	}
}

// Stats returns negotiation counters.
func (n *Negotiator) Stats() NegotiationStats {
	return NegotiationStats{
		JSON:          n.jsonCount.Load(),
		XML:           n.xmlCount.Load(),
		YAML:          n.yamlCount.Load(),
		NotAcceptable: n.notAcceptable.Load(),
	}
}

// negotiate picks the best supported format for an Accept header, or ""
// when nothing matches.
func (n *Negotiator) negotiate(accept string) string {
	if accept == "" {
		return n.defaultFmt
	}

	type mediaType struct {
		format  string
		quality float64
	}
	var candidates []mediaType

	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		mt := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx >= 0 {
			mt = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}

		var format string
		switch strings.ToLower(mt) {
		case "application/json", "text/json":
			format = "json"
		case "application/xml", "text/xml":
			format = "xml"
		case "application/yaml", "text/yaml", "application/x-yaml":
			format = "yaml"
		case "*/*", "application/*", "text/*":
			format = n.defaultFmt
		default:
			continue
		}

		if n.supported[format] && q > 0 {
			candidates = append(candidates, mediaType{format: format, quality: q})
		}
	}

	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].quality > candidates[j].quality
	})
	return candidates[0].format
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// jsonToXML re-encodes a JSON document under a <response> root.
func jsonToXML(data []byte) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<response>")
	writeXMLValue(&buf, parsed)
	buf.WriteString("</response>")
	return buf.Bytes(), nil
}

func writeXMLValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case map[string]any:
		// Deterministic element order.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			name := xmlSafeName(k)
			buf.WriteString("<" + name + ">")
			writeXMLValue(buf, val[k])
			buf.WriteString("</" + name + ">")
		}
	case []any:
		for _, child := range val {
			buf.WriteString("<item>")
			writeXMLValue(buf, child)
			buf.WriteString("</item>")
		}
	case string:
		xml.EscapeText(buf, []byte(val))
	case float64:
		if val == float64(int64(val)) {
			buf.WriteString(strconv.FormatInt(int64(val), 10))
		} else {
			buf.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
		}
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case nil:
	default:
		fmt.Fprintf(buf, "%v", val)
	}
}

// xmlSafeName coerces a JSON key into a valid XML element name.
func xmlSafeName(name string) string {
	if name == "" {
		return "element"
	}
	var b strings.Builder
	for i, r := range name {
		if i == 0 && r >= '0' && r <= '9' {
			b.WriteRune('_')
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// jsonToYAML re-encodes a JSON document as YAML.
func jsonToYAML(data []byte) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return yaml.Marshal(parsed)
}

// bufferWriter captures a response for re-encoding.
type bufferWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferWriter) Header() http.Header { return b.header }

func (b *bufferWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}
