// Package server assembles the gateway: routes, middleware chain, and
// the shutdown hooks main drives during graceful drain.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lingolive/gateway/pkg/gateway/auth"
	"github.com/lingolive/gateway/pkg/gateway/config"
	"github.com/lingolive/gateway/pkg/gateway/handlers"
	"github.com/lingolive/gateway/pkg/gateway/lifecycle"
	"github.com/lingolive/gateway/pkg/gateway/live/connections"
	"github.com/lingolive/gateway/pkg/gateway/metrics"
	"github.com/lingolive/gateway/pkg/gateway/mw"
	"github.com/lingolive/gateway/pkg/gateway/ratelimit"
	"github.com/lingolive/gateway/pkg/pipeline"
	"github.com/lingolive/gateway/pkg/tutor"
)

// Dependencies is everything the server needs from main: the domain
// core, the pipelines, and the ambient pieces.
type Dependencies struct {
	Config        config.Config
	Logger        *slog.Logger
	Authenticator auth.Authenticator
	Registry      *tutor.Registry
	Messages      *pipeline.MessagePipeline
	Voice         *pipeline.VoicePipeline
	Progress      tutor.ProgressStore
	Metrics       *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	authenticator auth.Authenticator
	limiter       *ratelimit.Limiter
	lifecycle     *lifecycle.Lifecycle
	connections   *connections.Tracker
	metrics       *metrics.Metrics
}

func New(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Authenticator == nil {
		deps.Authenticator = auth.PassthroughAuthenticator{}
	}

	s := &Server{
		cfg:           deps.Config,
		logger:        logger,
		mux:           http.NewServeMux(),
		authenticator: deps.Authenticator,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:             deps.Config.LimitRPS,
			Burst:           deps.Config.LimitBurst,
			MaxLiveSessions: deps.Config.LimitMaxSessionsPerUser,
		}),
		lifecycle:   &lifecycle.Lifecycle{},
		connections: connections.NewTracker(),
		metrics:     deps.Metrics,
	}

	s.routes(deps)
	return s
}

func (s *Server) routes(deps Dependencies) {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:        s.cfg,
		Logger:        s.logger,
		Authenticator: deps.Authenticator,
		Registry:      deps.Registry,
		Messages:      deps.Messages,
		Voice:         deps.Voice,
		Progress:      deps.Progress,
		Metrics:       s.metrics,
		Limiter:       s.limiter,
		Lifecycle:     s.lifecycle,
		Connections:   s.connections,
	})

	sessions := handlers.SessionsHandler{
		Config:        s.cfg,
		Logger:        s.logger,
		Registry:      deps.Registry,
		Messages:      deps.Messages,
		VoicePipeline: deps.Voice,
		Progress:      deps.Progress,
		Metrics:       s.metrics,
	}
	s.mux.HandleFunc("POST /v1/sessions", sessions.Join)
	s.mux.HandleFunc("GET /v1/sessions/{id}", sessions.Get)
	s.mux.HandleFunc("POST /v1/sessions/{id}/messages", sessions.Message)
	s.mux.HandleFunc("POST /v1/sessions/{id}/voice", sessions.Voice)
	s.mux.HandleFunc("POST /v1/sessions/{id}/end", sessions.End)
	s.mux.HandleFunc("GET /v1/progress", sessions.UserProgress)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// Handler builds the middleware chain around the mux. RequestID is
// outermost so every later layer can log and stamp it.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, h)
	h = mw.Auth(s.cfg, s.authenticator, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness; /readyz reports not-ready and /v1/live
// refuses new connections.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

// WarnLiveConnections tells every open live connection shutdown is near.
func (s *Server) WarnLiveConnections(code, message string) int {
	return s.connections.WarnAll(code, message)
}

// WaitLiveConnections blocks until open live connections finish or ctx
// expires.
func (s *Server) WaitLiveConnections(ctx context.Context) bool {
	return s.connections.Wait(ctx)
}

// CancelLiveConnections force-closes whatever is still open.
func (s *Server) CancelLiveConnections() int {
	return s.connections.CancelAll()
}

// LiveConnectionCount reports open live connections.
func (s *Server) LiveConnectionCount() int {
	return s.connections.Count()
}
