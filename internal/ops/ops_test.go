package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trellishq/trellis/internal/channels"
	"github.com/trellishq/trellis/internal/circuitbreaker"
	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/health"
	"github.com/trellishq/trellis/internal/metrics"
	"github.com/trellishq/trellis/internal/router"
	"github.com/trellishq/trellis/internal/tasks"
)

func request(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	s := NewServer(Config{Addr: ":0"}, Sources{})

	rec := request(t, s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["uptime"] == "" {
		t.Error("uptime missing")
	}
}

func TestReadyzWithNoSources(t *testing.T) {
	s := NewServer(Config{Addr: ":0"}, Sources{})

	rec := request(t, s, http.MethodGet, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if decode(t, rec)["status"] != "ready" {
		t.Error("expected ready status")
	}
}

func TestReadyzReportsStoppedWorker(t *testing.T) {
	w := tasks.NewWorker(tasks.NewMemoryStore(), tasks.NewRegistry(), tasks.WorkerConfig{})
	s := NewServer(Config{Addr: ":0"}, Sources{Worker: w})

	rec := request(t, s, http.MethodGet, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "not_ready" {
		t.Errorf("status field = %v", body["status"])
	}
	if !strings.Contains(rec.Body.String(), "task worker not running") {
		t.Errorf("reasons missing worker message: %s", rec.Body.String())
	}
}

func TestReadyzCustomChecks(t *testing.T) {
	s := NewServer(Config{Addr: ":0"}, Sources{
		Ready: func(context.Context) []string { return []string{"redis unavailable"} },
	})

	rec := request(t, s, http.MethodGet, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "redis unavailable") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRoutesListing(t *testing.T) {
	rt := router.New()
	_ = rt.GET("/users/:id", func(*exchange.Exchange) {})
	_ = rt.POST("/users", func(*exchange.Exchange) {})

	s := NewServer(Config{Addr: ":0"}, Sources{Routes: rt.Routes})

	rec := request(t, s, http.MethodGet, "/routes")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
	if !strings.Contains(rec.Body.String(), "/users/:id") {
		t.Error("routes listing missing pattern")
	}
}

func TestBreakersSnapshotAndReset(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1})
	breakers.For("api.internal:9000").RecordFailure("timeout")

	s := NewServer(Config{Addr: ":0"}, Sources{Breakers: breakers})

	rec := request(t, s, http.MethodGet, "/breakers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"api.internal:9000"`) {
		t.Errorf("breakers body = %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"state":"open"`) {
		t.Errorf("expected open breaker in %s", rec.Body.String())
	}

	rec = request(t, s, http.MethodPost, "/breakers/api.internal:9000/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", rec.Code)
	}
	snap := breakers.Snapshots()["api.internal:9000"]
	if snap.State != "closed" {
		t.Errorf("state after reset = %s, want closed", snap.State)
	}
}

func TestBreakerResetUnknown(t *testing.T) {
	s := NewServer(Config{Addr: ":0"}, Sources{
		Breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{}),
	})

	rec := request(t, s, http.MethodPost, "/breakers/nope/reset")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestChannelsSnapshot(t *testing.T) {
	layer := channels.NewLayer()
	s := NewServer(Config{Addr: ":0"}, Sources{
		Layer:    layer,
		Sessions: func() int { return 7 },
	})

	rec := request(t, s, http.MethodGet, "/channels")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["open_sessions"] != float64(7) {
		t.Errorf("open_sessions = %v, want 7", body["open_sessions"])
	}
	if _, ok := body["groups"]; !ok {
		t.Error("groups missing")
	}
}

func seedTask(t *testing.T, store tasks.Store, id string, status tasks.Status, queue string) {
	t.Helper()
	now := time.Now()
	err := store.Save(context.Background(), &tasks.Task{
		ID:           id,
		Name:         "email:send",
		Queue:        queue,
		Status:       status,
		CreatedAt:    now,
		ScheduledFor: now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTasksCounts(t *testing.T) {
	store := tasks.NewMemoryStore()
	seedTask(t, store, "t1", tasks.StatusPending, "default")
	seedTask(t, store, "t2", tasks.StatusPending, "default")
	seedTask(t, store, "t3", tasks.StatusCompleted, "default")

	s := NewServer(Config{Addr: ":0"}, Sources{Store: store})

	rec := request(t, s, http.MethodGet, "/tasks")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	counts, ok := body["counts"].(map[string]any)
	if !ok {
		t.Fatalf("counts missing in %s", rec.Body.String())
	}
	if counts["PENDING"] != float64(2) || counts["COMPLETED"] != float64(1) {
		t.Errorf("counts = %v", counts)
	}
	if _, ok := body["tasks"]; ok {
		t.Error("unfiltered listing should not include tasks")
	}
}

func TestTasksStatusFilter(t *testing.T) {
	store := tasks.NewMemoryStore()
	seedTask(t, store, "t1", tasks.StatusPending, "default")
	seedTask(t, store, "t2", tasks.StatusFailed, "default")

	s := NewServer(Config{Addr: ":0"}, Sources{Store: store})

	rec := request(t, s, http.MethodGet, "/tasks?status=failed")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	list, ok := decode(t, rec)["tasks"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("tasks = %v, want one failed task", list)
	}

	rec = request(t, s, http.MethodGet, "/tasks?status=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status = %d, want 400", rec.Code)
	}

	rec = request(t, s, http.MethodGet, "/tasks?limit=zero")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestTaskByID(t *testing.T) {
	store := tasks.NewMemoryStore()
	seedTask(t, store, "t1", tasks.StatusPending, "default")

	s := NewServer(Config{Addr: ":0"}, Sources{Store: store})

	rec := request(t, s, http.MethodGet, "/tasks/t1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if decode(t, rec)["id"] != "t1" {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = request(t, s, http.MethodGet, "/tasks/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", rec.Code)
	}
}

func TestWorkerStats(t *testing.T) {
	w := tasks.NewWorker(tasks.NewMemoryStore(), tasks.NewRegistry(), tasks.WorkerConfig{})
	s := NewServer(Config{Addr: ":0"}, Sources{Worker: w})

	rec := request(t, s, http.MethodGet, "/worker")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if decode(t, rec)["worker_id"] == "" {
		t.Error("worker_id missing")
	}
}

func TestUpstreamsSnapshot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := health.NewProber(health.Config{})
	defer p.Stop()
	if err := p.Add(health.Target{Name: "billing", URL: upstream.URL, UpAfter: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.Probe("billing")

	s := NewServer(Config{Addr: ":0"}, Sources{Prober: p})
	rec := request(t, s, http.MethodGet, "/upstreams")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
	if !strings.Contains(rec.Body.String(), `"state":"up"`) {
		t.Errorf("snapshot missing up state: %s", rec.Body.String())
	}

	// Without a prober the endpoint does not exist.
	bare := NewServer(Config{Addr: ":0"}, Sources{})
	if rec := request(t, bare, http.MethodGet, "/upstreams"); rec.Code != http.StatusNotFound {
		t.Errorf("status without prober = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(Config{Addr: ":0", MetricsPath: "/metrics"}, Sources{
		Metrics: metrics.New(),
	})

	rec := request(t, s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("scrape output missing runtime metrics")
	}
}

func TestUnknownEndpointJSON404(t *testing.T) {
	s := NewServer(Config{Addr: ":0"}, Sources{})

	rec := request(t, s, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if decode(t, rec)["message"] != "Route not found: /nope" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestPprofMounting(t *testing.T) {
	s := NewServer(Config{Addr: ":0", Pprof: true}, Sources{})

	rec := request(t, s, http.MethodGet, "/debug/pprof/cmdline")
	if rec.Code != http.StatusOK {
		t.Errorf("pprof cmdline status = %d, want 200", rec.Code)
	}

	s = NewServer(Config{Addr: ":0"}, Sources{})
	rec = request(t, s, http.MethodGet, "/debug/pprof/cmdline")
	if rec.Code != http.StatusNotFound {
		t.Errorf("pprof should be absent when disabled, got %d", rec.Code)
	}
}
