package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/pipeline"
)

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	var loggedErr any
	var loggedStack []byte
	cfg := RecoveryConfig{
		PrintStack: true,
		LogFunc: func(err any, stack []byte) {
			loggedErr = err
			loggedStack = stack
		},
	}
	terminal := func(ex *exchange.Exchange) { panic("boom") }

	rec := run(httptest.NewRequest("GET", "/panic", nil), terminal, RecoveryWithConfig(cfg))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	details, _ := body["details"].(string)
	if !strings.Contains(details, "boom") {
		t.Errorf("details = %q, want panic value", details)
	}
	if loggedErr != "boom" {
		t.Errorf("logged err = %v", loggedErr)
	}
	if len(loggedStack) == 0 {
		t.Error("no stack captured")
	}
}

func TestRecoveryAbortsCommittedResponse(t *testing.T) {
	terminal := func(ex *exchange.Exchange) {
		ex.Response().WriteHeader(http.StatusOK)
		ex.Response().Write([]byte("partial"))
		panic("mid-stream")
	}

	rec := httptest.NewRecorder()
	ex := exchange.New(rec, httptest.NewRequest("GET", "/", nil))
	p := pipeline.New(RecoveryWithConfig(RecoveryConfig{LogFunc: func(any, []byte) {}}))

	aborted := func() (aborted bool) {
		defer func() {
			r := recover()
			if r == http.ErrAbortHandler {
				aborted = true
				return
			}
			if r != nil {
				panic(r)
			}
		}()
		p.Execute(ex, terminal)
		return false
	}()

	if !aborted {
		t.Fatal("committed-response panic did not abort the connection")
	}
	if got := rec.Body.String(); got != "partial" {
		t.Errorf("body = %q, nothing may be appended after the abort", got)
	}
}

func TestRecoveryIncludesRequestID(t *testing.T) {
	terminal := func(ex *exchange.Exchange) { panic("boom") }

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := run(req, terminal, RequestID(),
		RecoveryWithConfig(RecoveryConfig{LogFunc: func(any, []byte) {}}))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["request_id"] != "req-42" {
		t.Errorf("request_id = %v", body["request_id"])
	}
}

func TestRecoveryPassesThroughWhenNoPanic(t *testing.T) {
	terminal := func(ex *exchange.Exchange) { ex.Response().Text(204, "") }

	rec := run(httptest.NewRequest("GET", "/", nil), terminal, Recovery())

	if rec.Code != 204 {
		t.Errorf("status = %d", rec.Code)
	}
}
