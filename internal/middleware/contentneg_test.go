package middleware

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/goccy/go-yaml"

	"github.com/trellishq/trellis/internal/exchange"
)

func mustNegotiator(t *testing.T, cfg ContentNegotiationConfig) *Negotiator {
	t.Helper()
	n, err := NewNegotiator(cfg)
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}
	return n
}

func jsonHandler(status int, v any) func(*exchange.Exchange) {
	return func(ex *exchange.Exchange) {
		ex.Response().JSON(status, v)
	}
}

func acceptRequest(accept string) *http.Request {
	req := httptest.NewRequest("GET", "/resource", nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req
}

func TestNegotiatorJSONFastPath(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{Supported: []string{"json", "xml", "yaml"}})

	rec := run(acceptRequest("application/json"), jsonHandler(200, map[string]any{"ok": true}), n.Middleware())

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}
	if got := n.Stats().JSON; got != 1 {
		t.Errorf("json count = %d", got)
	}
}

func TestNegotiatorXMLReencode(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{Supported: []string{"json", "xml"}})

	payload := map[string]any{"name": "amy", "age": 30, "tags": []string{"a", "b"}}
	rec := run(acceptRequest("application/xml"), jsonHandler(200, payload), n.Middleware())

	if ct := rec.Header().Get("Content-Type"); ct != "application/xml; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := xml.Header + "<response><age>30</age><name>amy</name><tags><item>a</item><item>b</item></tags></response>"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if cl := rec.Header().Get("Content-Length"); cl != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %q, body is %d bytes", cl, len(want))
	}
	if got := n.Stats().XML; got != 1 {
		t.Errorf("xml count = %d", got)
	}
}

func TestNegotiatorYAMLReencode(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{Supported: []string{"json", "yaml"}})

	payload := map[string]string{"name": "amy", "role": "admin"}
	rec := run(acceptRequest("application/yaml"), jsonHandler(200, payload), n.Middleware())

	if ct := rec.Header().Get("Content-Type"); ct != "application/yaml; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := yaml.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not YAML: %v\n%s", err, rec.Body.String())
	}
	if body["name"] != "amy" || body["role"] != "admin" {
		t.Errorf("body = %v", body)
	}
	if got := n.Stats().YAML; got != 1 {
		t.Errorf("yaml count = %d", got)
	}
}

func TestNegotiatorNotAcceptable(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{Supported: []string{"json"}})

	called := false
	terminal := func(ex *exchange.Exchange) { called = true }
	rec := run(acceptRequest("application/xml"), terminal, n.Middleware())

	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", rec.Code)
	}
	if rec.Body.String() != "406 Not Acceptable" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if called {
		t.Error("handler ran despite 406")
	}
	if got := n.Stats().NotAcceptable; got != 1 {
		t.Errorf("not_acceptable count = %d", got)
	}
}

func TestNegotiatorDefaultFormatWhenNoAccept(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{
		Supported: []string{"json", "yaml"},
		Default:   "yaml",
	})

	rec := run(acceptRequest(""), jsonHandler(200, map[string]string{"k": "v"}), n.Middleware())

	if ct := rec.Header().Get("Content-Type"); ct != "application/yaml; charset=utf-8" {
		t.Errorf("Content-Type = %q, want configured default", ct)
	}
}

func TestNegotiatorWildcardUsesDefault(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{Supported: []string{"json", "xml"}})

	rec := run(acceptRequest("*/*"), jsonHandler(200, map[string]string{"k": "v"}), n.Middleware())

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, wildcard should resolve to default json", ct)
	}
}

func TestNegotiatorQualityOrdering(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{Supported: []string{"json", "xml", "yaml"}})

	rec := run(acceptRequest("application/xml;q=0.8, application/yaml;q=0.9"),
		jsonHandler(200, map[string]string{"k": "v"}), n.Middleware())

	if ct := rec.Header().Get("Content-Type"); ct != "application/yaml; charset=utf-8" {
		t.Errorf("Content-Type = %q, higher quality must win", ct)
	}
}

func TestNegotiatorOverride(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{
		Supported: []string{"json", "xml"},
		Override:  "xml",
	})

	rec := run(acceptRequest("application/json"), jsonHandler(200, map[string]string{"k": "v"}), n.Middleware())

	if ct := rec.Header().Get("Content-Type"); ct != "application/xml; charset=utf-8" {
		t.Errorf("Content-Type = %q, override must beat Accept", ct)
	}
}

func TestNegotiatorPassesThroughNonJSONBody(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{Supported: []string{"json", "xml"}})

	terminal := func(ex *exchange.Exchange) {
		ex.Response().Text(http.StatusTeapot, "plain text, not json")
	}
	rec := run(acceptRequest("application/xml"), terminal, n.Middleware())

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "plain text, not json" {
		t.Errorf("body = %q, unencodable bodies must pass through", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q, original type must survive", ct)
	}
}

func TestNegotiatorCopiesHandlerHeaders(t *testing.T) {
	n := mustNegotiator(t, ContentNegotiationConfig{Supported: []string{"json", "xml"}})

	terminal := func(ex *exchange.Exchange) {
		ex.Response().SetHeader("X-Resource-Version", "7")
		ex.Response().JSON(http.StatusCreated, map[string]string{"id": "r1"})
	}
	rec := run(acceptRequest("text/xml"), terminal, n.Middleware())

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, handler status must survive re-encoding", rec.Code)
	}
	if got := rec.Header().Get("X-Resource-Version"); got != "7" {
		t.Errorf("X-Resource-Version = %q", got)
	}
}

func TestNewNegotiatorValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  ContentNegotiationConfig
	}{
		{"unknown format", ContentNegotiationConfig{Supported: []string{"csv"}}},
		{"default not supported", ContentNegotiationConfig{Supported: []string{"xml"}, Default: "json"}},
		{"override not supported", ContentNegotiationConfig{Supported: []string{"json"}, Override: "yaml"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewNegotiator(tc.cfg); err == nil {
				t.Error("expected config error")
			}
		})
	}
}

func TestJSONToXML(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "escaping",
			in:   `{"msg":"a<b & c>d"}`,
			want: "<msg>a&lt;b &amp; c&gt;d</msg>",
		},
		{
			name: "numbers",
			in:   `{"i":42,"f":3.5}`,
			want: "<f>3.5</f><i>42</i>",
		},
		{
			name: "booleans and null",
			in:   `{"on":true,"gone":null}`,
			want: "<gone></gone><on>true</on>",
		},
		{
			name: "nested",
			in:   `{"user":{"name":"amy","ids":[1,2]}}`,
			want: "<user><ids><item>1</item><item>2</item></ids><name>amy</name></user>",
		},
		{
			name: "unsafe key",
			in:   `{"1bad key":"v"}`,
			want: "<_1bad_key>v</_1bad_key>",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := jsonToXML([]byte(tc.in))
			if err != nil {
				t.Fatalf("jsonToXML: %v", err)
			}
			want := xml.Header + "<response>" + tc.want + "</response>"
			if string(got) != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}

	if _, err := jsonToXML([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
