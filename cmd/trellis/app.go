package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trellishq/trellis/internal/attr"
	"github.com/trellishq/trellis/internal/auth"
	"github.com/trellishq/trellis/internal/channels"
	"github.com/trellishq/trellis/internal/circuitbreaker"
	"github.com/trellishq/trellis/internal/config"
	trellis "github.com/trellishq/trellis/internal/errors"
	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/health"
	"github.com/trellishq/trellis/internal/logging"
	"github.com/trellishq/trellis/internal/metrics"
	"github.com/trellishq/trellis/internal/middleware"
	"github.com/trellishq/trellis/internal/ops"
	"github.com/trellishq/trellis/internal/pipeline"
	"github.com/trellishq/trellis/internal/proxy"
	"github.com/trellishq/trellis/internal/router"
	"github.com/trellishq/trellis/internal/server"
	"github.com/trellishq/trellis/internal/tasks"
)

// maxJSONBody bounds request bodies read by the built-in handlers.
const maxJSONBody = 1 << 20

// app owns every subsystem the process runs. It is assembled once from the
// loaded configuration; structural config changes need a restart.
type app struct {
	cfg *config.Config

	server   *server.Server
	ops      *ops.Server
	metrics  *metrics.Metrics
	fwd      *proxy.Forwarder
	breakers *circuitbreaker.Registry
	layer    *channels.Layer

	store  tasks.Store
	worker *tasks.Worker
	disp   *tasks.Dispatcher

	prober *health.Prober

	tokens   *auth.Tokens
	tokenTTL time.Duration

	draining  atomic.Bool
	drainOnce sync.Once
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.metrics = metrics.New()
	a.layer = channels.NewLayer()

	a.breakers = circuitbreaker.NewRegistry(breakerConfig(cfg.Breaker))
	breakers := a.breakers
	a.fwd = proxy.New(proxy.Config{
		ConnectTimeout:      cfg.Proxy.ConnectTimeout,
		RequestTimeout:      cfg.Proxy.RequestTimeout,
		IdleTimeout:         cfg.Proxy.IdleTimeout,
		MaxRequestBody:      cfg.Proxy.MaxRequestBody,
		MaxResponseBody:     cfg.Proxy.MaxResponseBody,
		PreserveHost:        cfg.Proxy.PreserveHost,
		AddForwardedHeaders: cfg.Proxy.ForwardedHeaders,
		FollowRedirects:     cfg.Proxy.FollowRedirects,
		MaxRedirects:        cfg.Proxy.MaxRedirects,
		Transport: proxy.TransportConfig{
			DialTimeout:         cfg.Proxy.ConnectTimeout,
			MaxIdleConns:        cfg.Proxy.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Proxy.MaxIdleConnsPerHost,
			InsecureSkipVerify:  cfg.Proxy.TLSSkipVerify,
		},
	}, breakers)

	if cfg.Tasks.Enabled {
		store, err := newTaskStore(cfg.Tasks)
		if err != nil {
			return nil, fmt.Errorf("task store: %w", err)
		}
		reg := tasks.NewRegistry()
		registerTaskHandlers(reg)
		a.store = store
		a.disp = tasks.NewDispatcher(store, reg)
		a.worker = tasks.NewWorker(store, reg, tasks.WorkerConfig{
			Queues:                cfg.Tasks.Queues,
			Concurrency:           cfg.Tasks.Concurrency,
			PollInterval:          cfg.Tasks.PollInterval,
			ScheduleCheckInterval: cfg.Tasks.ScheduleCheckInterval,
			StaleCheckInterval:    cfg.Tasks.StaleCheckInterval,
			StaleTimeout:          cfg.Tasks.StaleTimeout,
			Retry: tasks.RetryPolicy{
				BaseDelay:  cfg.Tasks.Retry.BaseDelay,
				MaxDelay:   cfg.Tasks.Retry.MaxDelay,
				Multiplier: cfg.Tasks.Retry.Multiplier,
				Jitter:     cfg.Tasks.Retry.Jitter,
			},
		})
	}

	if cfg.Health.Enabled {
		a.prober = health.NewProber(health.Config{
			Timeout:  cfg.Health.Timeout,
			Interval: cfg.Health.Interval,
		})
		for _, t := range cfg.Health.Targets {
			err := a.prober.Add(health.Target{
				Name:      t.Name,
				URL:       t.URL,
				Path:      t.Path,
				Method:    t.Method,
				Address:   t.Address,
				Expect:    t.Expect,
				Timeout:   t.Timeout,
				Interval:  t.Interval,
				UpAfter:   t.UpAfter,
				DownAfter: t.DownAfter,
			})
			if err != nil {
				return nil, fmt.Errorf("health target %q: %w", t.Name, err)
			}
		}
	}

	providers, err := a.buildAuth(cfg.Auth)
	if err != nil {
		return nil, err
	}

	a.server = server.New(server.Config{
		Addr:              cfg.Server.Address,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		Session: channels.SessionConfig{
			WriteWait:      cfg.Channels.WriteWait,
			PongWait:       cfg.Channels.PongWait,
			MaxMessageSize: cfg.Channels.MaxMessageSize,
			SendQueueSize:  cfg.Channels.SendQueueSize,
		},
	})

	negotiator, err := middleware.NewNegotiator(middleware.ContentNegotiationConfig{
		Supported: []string{"json", "xml", "yaml"},
	})
	if err != nil {
		return nil, err
	}
	a.server.Use(
		middleware.RequestID(),
		middleware.AccessLog(),
		middleware.Metrics(a.metrics),
		middleware.Recovery(),
		middleware.NewCompressor(middleware.CompressionConfig{}).Middleware(),
		negotiator.Middleware(),
	)
	if len(providers) > 0 {
		a.server.Use(middleware.Auth(false, providers...))
	}
	for _, m := range cfg.Mounts {
		a.server.Use(mount(a.fwd, m))
	}

	if err := a.routes(); err != nil {
		return nil, err
	}

	a.metrics.ObserveBreakers(breakers)
	a.metrics.ObserveChannels(a.layer)
	a.metrics.ObserveSessions(a.server.SessionCount)
	if a.worker != nil {
		a.metrics.ObserveWorker(a.worker)
	}

	if cfg.Ops.Enabled {
		a.ops = ops.NewServer(ops.Config{
			Addr:        cfg.Ops.Address,
			MetricsPath: cfg.Ops.MetricsPath,
			Pprof:       cfg.Ops.Pprof,
		}, ops.Sources{
			Routes:   a.server.Router().Routes,
			Breakers: breakers,
			Layer:    a.layer,
			Sessions: a.server.SessionCount,
			Store:    a.store,
			Worker:   a.worker,
			Prober:   a.prober,
			Metrics:  a.metrics,
			Ready:    a.readiness,
		})
	}

	return a, nil
}

func breakerConfig(c config.BreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		ResetTimeout:     c.ResetTimeout,
		WindowSize:       c.WindowSize,
		WindowDuration:   c.WindowDuration,
		TriggerKinds:     c.TriggerKinds,
	}
}

// applyConfig applies the settings that take effect without a restart.
func (a *app) applyConfig(next *config.Config) {
	logging.SetLevel(next.Logging.Level)
	a.breakers.UpdateConfig(breakerConfig(next.Breaker))
}

// buildAuth assembles the credential providers the config declares. An empty
// config yields no providers and the server runs unauthenticated.
func (a *app) buildAuth(cfg config.AuthConfig) ([]auth.Provider, error) {
	var providers []auth.Provider

	if len(cfg.Users) > 0 {
		users := make([]auth.User, 0, len(cfg.Users))
		for _, u := range cfg.Users {
			users = append(users, auth.User{
				Username:     u.Username,
				PasswordHash: u.PasswordHash,
				Name:         u.Name,
				Roles:        u.Roles,
			})
		}
		dir := auth.NewUserDirectory(auth.BcryptHasher{}, users...)
		providers = append(providers,
			auth.NewBasicProvider(cfg.Realm, dir),
			auth.NewFormProvider("", "", dir),
		)
	}

	if len(cfg.APIKeys) > 0 {
		keys := auth.NewKeySet()
		for _, k := range cfg.APIKeys {
			keys.Add(k.Key, auth.Principal{ID: k.ID, Name: k.Name, Roles: k.Roles})
		}
		providers = append(providers, auth.NewAPIKeyProvider(cfg.APIKeyHeader, "", "", keys))
	}

	if cfg.JWT.Secret != "" {
		tokens, err := auth.NewTokens(auth.TokenConfig{
			Secret: cfg.JWT.Secret,
			Issuer: cfg.JWT.Issuer,
			TTL:    cfg.JWT.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("jwt: %w", err)
		}
		a.tokens = tokens
		a.tokenTTL = cfg.JWT.TTL
		if a.tokenTTL <= 0 {
			a.tokenTTL = auth.DefaultTokenTTL
		}
		providers = append(providers, auth.NewBearerProvider(tokens, 1024, 5*time.Minute))
	}

	return providers, nil
}

func (a *app) routes() error {
	rt := a.server.Router()

	if err := rt.GET("/", a.handleIndex); err != nil {
		return err
	}
	if err := rt.POST("/echo", a.handleEcho); err != nil {
		return err
	}

	if a.disp != nil {
		if err := rt.POST("/tasks", a.handleTaskSubmit); err != nil {
			return err
		}
		if err := rt.GET("/tasks/:id", a.handleTaskStatus); err != nil {
			return err
		}
		if err := rt.DELETE("/tasks/:id", a.handleTaskCancel); err != nil {
			return err
		}
	}

	if a.tokens != nil {
		if err := rt.POST("/auth/token", a.handleTokenIssue); err != nil {
			return err
		}
	}

	admin := middleware.RequireRole("admin")
	if err := rt.POST("/channels/:group/broadcast", guard(admin, a.handleBroadcast)); err != nil {
		return err
	}

	return a.server.HandleWS("/ws/rooms/:room", channels.ChannelAware(a.layer, &roomRelay{layer: a.layer}))
}

// Run starts every configured component and blocks until the context is
// cancelled or one of them fails.
func (a *app) Run(ctx context.Context) error {
	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			return fmt.Errorf("task worker: %w", err)
		}
	}
	if a.prober != nil {
		a.prober.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Start(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.drain()
		logging.Info("shutting down http server")
		shCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		return a.server.Shutdown(shCtx)
	})

	if a.ops != nil {
		g.Go(func() error {
			if err := a.ops.Start(); err != nil {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Keep /readyz answering not_ready through the drain window.
			a.drain()
			shCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
			defer cancel()
			return a.ops.Shutdown(shCtx)
		})
	}
	if a.worker != nil {
		g.Go(func() error {
			<-gctx.Done()
			logging.Info("stopping task worker")
			return a.worker.Stop(a.shutdownTimeout())
		})
	}
	if a.prober != nil {
		g.Go(func() error {
			<-gctx.Done()
			a.prober.Stop()
			return nil
		})
	}

	return g.Wait()
}

// drain flips readiness and pauses so load balancers see the flip before
// the listeners close. Concurrent callers block until the first finishes.
func (a *app) drain() {
	a.drainOnce.Do(func() {
		a.draining.Store(true)
		if d := a.cfg.Shutdown.DrainDelay; d > 0 {
			logging.Info("draining before shutdown", zap.Duration("delay", d))
			time.Sleep(d)
		}
	})
}

func (a *app) shutdownTimeout() time.Duration {
	if t := a.cfg.Shutdown.Timeout; t > 0 {
		return t
	}
	return 30 * time.Second
}

// readiness feeds the ops /readyz endpoint.
func (a *app) readiness(_ context.Context) []string {
	var reasons []string
	if a.draining.Load() {
		reasons = append(reasons, "shutting down")
	}
	if a.prober != nil {
		reasons = append(reasons, a.prober.Unready()...)
	}
	return reasons
}

// Close releases resources owned by the app after Run returns.
func (a *app) Close() {
	a.fwd.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Warn("task store close", zap.Error(err))
		}
	}
}

func newTaskStore(cfg config.TasksConfig) (tasks.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return tasks.NewMemoryStore(), nil
	case "sqlite":
		return tasks.NewSQLiteStore(context.Background(), cfg.SQLitePath)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		return tasks.NewRedisStore(client, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// registerTaskHandlers binds the built-in handlers so the queue has
// something to execute out of the box.
func registerTaskHandlers(reg *tasks.Registry) {
	reg.Register("echo", func(_ context.Context, t *tasks.Task) ([]byte, error) {
		return t.Args, nil
	})
	reg.Register("sleep", func(ctx context.Context, t *tasks.Task) ([]byte, error) {
		var req struct {
			Duration string `json:"duration"`
		}
		if err := json.Unmarshal(t.Args, &req); err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(d):
			return []byte(`{"slept":"` + d.String() + `"}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// mount forwards everything under a path prefix to one upstream.
func mount(fwd *proxy.Forwarder, m config.MountConfig) pipeline.Middleware {
	prefix := strings.TrimSuffix(m.Prefix, "/")
	u, _ := url.Parse(m.Upstream) // validated at config load
	base := strings.TrimSuffix(u.Path, "/")
	pattern := prefix + "/*"

	return func(ex *exchange.Exchange, next pipeline.Next) {
		path := ex.Path()
		if path != prefix && !strings.HasPrefix(path, prefix+"/") {
			next()
			return
		}

		// The router never sees this request; stamp the pattern so the
		// metrics route label stays bounded.
		attr.Set(ex.Attrs(), router.PatternKey, pattern)

		opts := &proxy.RequestOptions{}
		if m.StripPrefix || base != "" {
			p := path
			if m.StripPrefix {
				p = strings.TrimPrefix(path, prefix)
			}
			rewrite := base + p
			if rewrite == "" {
				rewrite = "/"
			}
			// A rewrite replaces the query string too, so carry the
			// incoming one over.
			if q := ex.Request().URL.RawQuery; q != "" {
				rewrite += "?" + q
			}
			opts.RewritePath = rewrite
		}

		if err := fwd.ProxyTo(ex, m.Upstream, opts); err != nil {
			logging.Warn("mount forward failed",
				zap.String("prefix", m.Prefix),
				zap.String("upstream", m.Upstream),
				zap.Error(err))
		}
	}
}

// guard applies middleware to a single route.
func guard(mw pipeline.Middleware, h router.Handler) router.Handler {
	return func(ex *exchange.Exchange) {
		mw(ex, func() { h(ex) })
	}
}

func writeError(ex *exchange.Exchange, err *trellis.TrellisError) {
	if id := middleware.GetRequestID(ex); id != "" {
		err = err.WithRequestID(id)
	}
	err.WriteJSON(ex.Response())
}

func (a *app) handleIndex(ex *exchange.Exchange) {
	ex.Response().JSON(http.StatusOK, map[string]string{
		"service": "trellis",
		"version": version,
		"built":   buildTime,
	})
}

func (a *app) handleEcho(ex *exchange.Exchange) {
	body, err := io.ReadAll(io.LimitReader(ex.Body(), maxJSONBody))
	if err != nil {
		writeError(ex, trellis.ErrBadRequest.WithDetails("Could not read request body"))
		return
	}
	resp := map[string]string{
		"method": ex.Method(),
		"path":   ex.Path(),
		"body":   string(body),
	}
	if q := ex.Request().URL.RawQuery; q != "" {
		resp["query"] = q
	}
	ex.Response().JSON(http.StatusOK, resp)
}

func (a *app) handleTaskSubmit(ex *exchange.Exchange) {
	var req struct {
		Name         string          `json:"name"`
		Args         json.RawMessage `json:"args"`
		Queue        string          `json:"queue"`
		Priority     int             `json:"priority"`
		Delay        string          `json:"delay"`
		ScheduledFor *time.Time      `json:"scheduled_for"`
		MaxRetries   int             `json:"max_retries"`
	}
	if err := json.NewDecoder(io.LimitReader(ex.Body(), maxJSONBody)).Decode(&req); err != nil {
		writeError(ex, trellis.ErrBadRequest.WithDetails("Invalid JSON body"))
		return
	}
	if req.Name == "" {
		writeError(ex, trellis.ErrBadRequest.WithDetails("name is required"))
		return
	}

	opts := tasks.EnqueueOptions{
		Queue:      req.Queue,
		Priority:   tasks.Priority(req.Priority),
		MaxRetries: req.MaxRetries,
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			writeError(ex, trellis.ErrBadRequest.WithDetails("delay: "+err.Error()))
			return
		}
		opts.Delay = d
	}
	if req.ScheduledFor != nil {
		opts.ScheduledFor = *req.ScheduledFor
	}

	id, err := a.disp.Enqueue(ex.Context(), req.Name, req.Args, opts)
	if err != nil {
		writeError(ex, trellis.ErrBadRequest.WithDetails(err.Error()))
		return
	}
	ex.Response().JSON(http.StatusAccepted, map[string]string{"id": id})
}

func (a *app) handleTaskStatus(ex *exchange.Exchange) {
	id := router.Param(ex, "id")
	t, err := a.store.GetByID(ex.Context(), id)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			writeError(ex, trellis.ErrNotFound.WithDetails("No task with id "+id))
			return
		}
		logging.Error("task lookup failed", zap.String("id", id), zap.Error(err))
		writeError(ex, trellis.ErrInternalServer)
		return
	}
	ex.Response().JSON(http.StatusOK, t)
}

func (a *app) handleTaskCancel(ex *exchange.Exchange) {
	id := router.Param(ex, "id")
	if err := a.disp.Cancel(ex.Context(), id); err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			writeError(ex, trellis.ErrNotFound.WithDetails("No task with id "+id))
			return
		}
		writeError(ex, trellis.New(http.StatusConflict, err.Error()))
		return
	}
	ex.Response().JSON(http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (a *app) handleTokenIssue(ex *exchange.Exchange) {
	p, ok := auth.From(ex)
	if !ok {
		writeError(ex, trellis.ErrUnauthorized.WithDetails("Authenticate to obtain a token"))
		return
	}
	token, err := a.tokens.Issue(p)
	if err != nil {
		logging.Error("token issue failed", zap.String("principal", p.ID), zap.Error(err))
		writeError(ex, trellis.ErrInternalServer)
		return
	}
	ex.Response().JSON(http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(a.tokenTTL.Seconds()),
	})
}

func (a *app) handleBroadcast(ex *exchange.Exchange) {
	group := router.Param(ex, "group")
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(ex.Body(), maxJSONBody)).Decode(&req); err != nil {
		writeError(ex, trellis.ErrBadRequest.WithDetails("Invalid JSON body"))
		return
	}
	if req.Message == "" {
		writeError(ex, trellis.ErrBadRequest.WithDetails("message is required"))
		return
	}
	res, _ := a.layer.GroupSend(group, req.Message, channels.SendOptions{})
	ex.Response().JSON(http.StatusOK, map[string]any{
		"group":  group,
		"sent":   res.Sent,
		"failed": res.Failed,
	})
}

// roomRelay fans frames out to everyone connected to the same room.
type roomRelay struct {
	channels.NopHandler
	layer *channels.Layer
}

func (h *roomRelay) OnConnect(s *channels.Session) {
	h.layer.GroupAdd(roomGroup(s), s)
}

func (h *roomRelay) OnText(s *channels.Session, msg string) {
	h.layer.GroupSend(roomGroup(s), msg, channels.SendOptions{})
}

func (h *roomRelay) OnBinary(s *channels.Session, data []byte) {
	h.layer.GroupSendBinary(roomGroup(s), data, channels.SendOptions{})
}

func (h *roomRelay) OnError(s *channels.Session, err error) {
	logging.Debug("room session error", zap.String("session", s.ID()), zap.Error(err))
}

func roomGroup(s *channels.Session) string {
	return "room:" + server.Params(s).ByName("room")
}
