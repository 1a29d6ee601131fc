// Package ops serves the operational surface on its own listener: liveness
// and readiness probes, Prometheus metrics, optional pprof, and JSON
// introspection of routes, circuit breakers, channel groups and the task
// queue. It binds separately from the main server so it can stay off the
// public network.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/trellishq/trellis/internal/channels"
	"github.com/trellishq/trellis/internal/circuitbreaker"
	trellis "github.com/trellishq/trellis/internal/errors"
	"github.com/trellishq/trellis/internal/health"
	"github.com/trellishq/trellis/internal/logging"
	"github.com/trellishq/trellis/internal/metrics"
	"github.com/trellishq/trellis/internal/router"
	"github.com/trellishq/trellis/internal/tasks"
)

// Config tunes the ops listener.
type Config struct {
	Addr        string
	MetricsPath string
	Pprof       bool
}

// Sources are the subsystems the ops surface reports on. Nil fields drop
// the endpoints that would serve them.
type Sources struct {
	// Routes lists the registered HTTP routes.
	Routes func() []router.Route
	// Breakers is the upstream circuit breaker registry.
	Breakers *circuitbreaker.Registry
	// Layer is the channel group layer.
	Layer *channels.Layer
	// Sessions counts open WebSocket sessions.
	Sessions func() int
	// Store is the task store.
	Store tasks.Store
	// Worker is the task worker.
	Worker *tasks.Worker
	// Prober reports probed upstream states.
	Prober *health.Prober
	// Metrics serves the scrape endpoint.
	Metrics *metrics.Metrics
	// Ready contributes extra readiness checks; it returns the reasons the
	// process is not ready, or none.
	Ready func(ctx context.Context) []string
}

// Server is the ops HTTP server.
type Server struct {
	cfg     Config
	src     Sources
	started time.Time
	http    *http.Server
}

// NewServer builds the ops server and its route table.
func NewServer(cfg Config, src Sources) *Server {
	s := &Server{
		cfg:     cfg,
		src:     src,
		started: time.Now(),
	}

	r := httprouter.New()
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		trellis.New(http.StatusNotFound, "Route not found: "+req.URL.Path).WriteJSON(w)
	})

	r.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	r.HandlerFunc(http.MethodGet, "/readyz", s.handleReady)

	if src.Routes != nil {
		r.HandlerFunc(http.MethodGet, "/routes", s.handleRoutes)
	}
	if src.Breakers != nil {
		r.HandlerFunc(http.MethodGet, "/breakers", s.handleBreakers)
		r.POST("/breakers/:name/reset", s.handleBreakerReset)
	}
	if src.Layer != nil || src.Sessions != nil {
		r.HandlerFunc(http.MethodGet, "/channels", s.handleChannels)
	}
	if src.Store != nil {
		r.HandlerFunc(http.MethodGet, "/tasks", s.handleTasks)
		r.GET("/tasks/:id", s.handleTask)
	}
	if src.Worker != nil {
		r.HandlerFunc(http.MethodGet, "/worker", s.handleWorker)
	}
	if src.Prober != nil {
		r.HandlerFunc(http.MethodGet, "/upstreams", s.handleUpstreams)
	}
	if src.Metrics != nil && cfg.MetricsPath != "" {
		r.Handler(http.MethodGet, cfg.MetricsPath, src.Metrics.Handler())
	}
	if cfg.Pprof {
		// httprouter cannot mix static and wildcard segments, so pprof
		// keeps its own mux behind a catch-all.
		pm := http.NewServeMux()
		pm.HandleFunc("/debug/pprof/", pprof.Index)
		pm.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		pm.HandleFunc("/debug/pprof/profile", pprof.Profile)
		pm.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		pm.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handler(http.MethodGet, "/debug/pprof/*rest", pm)
		r.Handler(http.MethodPost, "/debug/pprof/*rest", pm)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start blocks serving the ops listener until Shutdown.
func (s *Server) Start() error {
	logging.Info("ops server listening", zap.String("addr", s.cfg.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.started).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var reasons []string

	if s.src.Worker != nil && !s.src.Worker.Stats().Running {
		reasons = append(reasons, "task worker not running")
	}
	if s.src.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		reasons = append(reasons, s.src.Ready(ctx)...)
	}

	if len(reasons) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"reasons": reasons,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.src.Routes()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(routes),
		"routes": routes,
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	snaps := s.src.Breakers.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(snaps),
		"breakers": snaps,
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if !s.src.Breakers.Reset(name) {
		trellis.New(http.StatusNotFound, "Unknown breaker: "+name).WriteJSON(w)
		return
	}
	logging.Info("circuit breaker reset via ops API", zap.String("upstream", name))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "reset",
		"upstream": name,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{}
	if s.src.Layer != nil {
		groups, grouped := s.src.Layer.Snapshot()
		body["groups"] = groups
		body["grouped_sessions"] = grouped
	}
	if s.src.Sessions != nil {
		body["open_sessions"] = s.src.Sessions()
	}
	writeJSON(w, http.StatusOK, body)
}

// validStatuses guards the status query parameter.
var validStatuses = map[tasks.Status]bool{
	tasks.StatusPending:    true,
	tasks.StatusScheduled:  true,
	tasks.StatusProcessing: true,
	tasks.StatusCompleted:  true,
	tasks.StatusFailed:     true,
	tasks.StatusCancelled:  true,
	tasks.StatusRetrying:   true,
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.src.Store.CountByStatus(ctx)
	if err != nil {
		trellis.New(http.StatusInternalServerError, "Task store error").WriteJSON(w)
		logging.Error("ops task count failed", zap.Error(err))
		return
	}
	body := map[string]any{"counts": counts}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			trellis.New(http.StatusBadRequest, "Invalid limit: "+v).WriteJSON(w)
			return
		}
		limit = n
	}

	var (
		list     []*tasks.Task
		filtered bool
	)
	switch {
	case r.URL.Query().Get("status") != "":
		status := tasks.Status(strings.ToUpper(r.URL.Query().Get("status")))
		if !validStatuses[status] {
			trellis.New(http.StatusBadRequest, "Invalid status: "+r.URL.Query().Get("status")).WriteJSON(w)
			return
		}
		list, err = s.src.Store.GetByStatus(ctx, status, limit)
		filtered = true
	case r.URL.Query().Get("queue") != "":
		list, err = s.src.Store.GetByQueue(ctx, r.URL.Query().Get("queue"), limit)
		filtered = true
	}
	if err != nil {
		trellis.New(http.StatusInternalServerError, "Task store error").WriteJSON(w)
		logging.Error("ops task list failed", zap.Error(err))
		return
	}
	if filtered {
		if list == nil {
			list = []*tasks.Task{}
		}
		body["tasks"] = list
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	t, err := s.src.Store.GetByID(r.Context(), id)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		trellis.New(http.StatusNotFound, "Unknown task: "+id).WriteJSON(w)
		return
	}
	if err != nil {
		trellis.New(http.StatusInternalServerError, "Task store error").WriteJSON(w)
		logging.Error("ops task fetch failed", zap.String("id", id), zap.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleWorker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Worker.Stats())
}

func (s *Server) handleUpstreams(w http.ResponseWriter, _ *http.Request) {
	snap := s.src.Prober.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(snap),
		"upstreams": snap,
	})
}
