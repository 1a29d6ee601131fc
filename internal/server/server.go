// Package server hosts the HTTP middleware pipeline and the WebSocket
// route table on a single listener. Ordinary requests flow through the
// pipeline into the router; upgrade requests bypass the pipeline and
// dispatch straight to a matched session handler.
package server

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trellishq/trellis/internal/attr"
	"github.com/trellishq/trellis/internal/channels"
	trellis "github.com/trellishq/trellis/internal/errors"
	"github.com/trellishq/trellis/internal/exchange"
	"github.com/trellishq/trellis/internal/logging"
	"github.com/trellishq/trellis/internal/pipeline"
	"github.com/trellishq/trellis/internal/radix"
	"github.com/trellishq/trellis/internal/router"
)

// Config tunes the HTTP listener and WebSocket sessions.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int

	// Session configures accepted WebSocket sessions.
	Session channels.SessionConfig

	// CheckOrigin vets the Origin header of upgrade requests. Nil accepts
	// every origin.
	CheckOrigin func(*http.Request) bool
}

// Server routes requests through the pipeline and dispatches WebSocket
// upgrades. Register routes, middleware and WS handlers before Start.
type Server struct {
	cfg  Config
	rt   *router.Router
	pipe *pipeline.Pipeline

	wsMu     sync.RWMutex
	wsTree   *radix.Tree[channels.Handler]
	upgrader websocket.Upgrader

	httpServer *http.Server

	sessMu   sync.Mutex
	sessions map[string]*channels.Session
}

// New builds a Server from config.
func New(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		rt:       router.New(),
		pipe:     pipeline.New(),
		wsTree:   radix.New[channels.Handler](),
		sessions: make(map[string]*channels.Session),
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	return s
}

// Router returns the HTTP route table.
func (s *Server) Router() *router.Router { return s.rt }

// Use appends middleware to the request pipeline.
func (s *Server) Use(mw ...pipeline.Middleware) { s.pipe.Use(mw...) }

// HandleWS registers a WebSocket handler for pattern. Patterns use the
// same syntax and precedence as HTTP routes; captured parameters land on
// the session attribute bag.
func (s *Server) HandleWS(pattern string, h channels.Handler) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return s.wsTree.Insert(pattern, h)
}

// Params returns the path parameters captured when the session's route
// was matched at upgrade time.
func Params(sess *channels.Session) radix.Params {
	return attr.GetOr(sess.Attrs(), router.ParamsKey, nil)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWS(w, r)
		return
	}

	ex := exchange.New(w, r)
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			// Deliberate abort, already logged by whoever raised it.
			panic(rec)
		}
		logging.Error("unrecovered handler panic",
			zap.Any("panic", rec),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.ByteString("stack", debug.Stack()))
		if ex.Response().Committed() {
			// Headers are out; drop the connection so the client sees a
			// truncated body instead of a silently complete one.
			panic(http.ErrAbortHandler)
		}
		reqID := ex.Response().Header().Get("X-Request-ID")
		trellis.ErrInternalServer.WithRequestID(reqID).WriteJSON(ex.Response())
	}()
	s.pipe.Execute(ex, s.rt.Serve)
}

// serveWS matches the upgrade request against the WS route table and, on a
// hit, upgrades and runs the session until the peer goes away.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.wsMu.RLock()
	h, params, ok := s.wsTree.Search(r.URL.Path)
	s.wsMu.RUnlock()
	if !ok {
		trellis.New(http.StatusNotFound, "Route not found: "+r.URL.Path).WriteJSON(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		logging.Warn("websocket upgrade failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		return
	}

	sess := channels.NewSession(conn, s.cfg.Session)
	if len(params) > 0 {
		attr.Set(sess.Attrs(), router.ParamsKey, params)
	}
	logging.Debug("websocket session opened",
		zap.String("session_id", sess.ID()),
		zap.String("path", r.URL.Path))

	s.trackSession(sess)
	defer s.forgetSession(sess)
	sess.Run(h)
}

func (s *Server) trackSession(sess *channels.Session) {
	s.sessMu.Lock()
	s.sessions[sess.ID()] = sess
	s.sessMu.Unlock()
}

func (s *Server) forgetSession(sess *channels.Session) {
	s.sessMu.Lock()
	delete(s.sessions, sess.ID())
	s.sessMu.Unlock()
}

// SessionCount reports the number of connected WebSocket sessions.
func (s *Server) SessionCount() int {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return len(s.sessions)
}

// Start serves on the configured address until Shutdown. Like
// http.Server.ListenAndServe it returns http.ErrServerClosed after a clean
// shutdown.
func (s *Server) Start() error {
	logging.Info("http server listening", zap.String("addr", s.cfg.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections, closes WebSocket sessions, and
// drains in-flight HTTP requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessMu.Lock()
	open := make([]*channels.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessMu.Unlock()

	// http.Server.Shutdown does not wait for hijacked connections, so the
	// sessions are told to go away explicitly.
	for _, sess := range open {
		sess.Close(websocket.CloseGoingAway, "server shutting down")
	}

	return s.httpServer.Shutdown(ctx)
}
