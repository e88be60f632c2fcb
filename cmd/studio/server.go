package main

import (
	"context"
	"net/http"
	"time"

	"plato/pkg/audit"
	"plato/pkg/execution"
	"plato/pkg/httpx"
	"plato/pkg/metrics"
	"plato/pkg/ratelimit"
	"plato/pkg/session"
	"plato/pkg/store"
	"plato/pkg/stream"
	"plato/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Server struct {
	Repo      store.Repository
	Sessions  *session.Provider
	Audit     *audit.Writer
	Guard     *execution.Guard
	Finalizer *execution.Finalizer
	Metrics   *metrics.Registry
	Events    *stream.Hub
	Logger    *zap.Logger

	CORSAllowedOrigins  string
	WSAllowedOrigins    []string
	MaxRequestBodyBytes int64
	OperationTimeout    time.Duration
}

func newServer(cfg config, repo store.Repository, cache store.Cache, limiter ratelimit.Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	hub.OnClients = reg.SetStreamClients
	writer := &audit.Writer{Store: repo, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}
	sessions := &session.Provider{Store: repo, Cache: cache, TTL: cfg.SessionTTL, SecureCookies: cfg.CookieSecure}

	return &Server{
		Repo:     repo,
		Sessions: sessions,
		Audit:    writer,
		Guard: &execution.Guard{
			Identity:         sessions,
			Limiter:          limiter,
			Budget:           writer,
			Blocks:           reg,
			RateLimit:        cfg.RateLimitPerMinute,
			BudgetMaxPerDay:  cfg.BudgetMaxPerDay,
			OperationTimeout: cfg.OperationTimeout,
		},
		Finalizer: &execution.Finalizer{
			Audit:            writer,
			Publishers:       map[string]execution.Publisher{"stream": hub},
			Metrics:          reg,
			Logger:           logger,
			OperationTimeout: cfg.OperationTimeout,
		},
		Metrics:             reg,
		Events:              hub,
		Logger:              logger,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		WSAllowedOrigins:    cfg.WSAllowedOrigins,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OperationTimeout:    cfg.OperationTimeout,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)

	// The websocket upgrade needs the raw ResponseWriter, so the feed sits
	// outside the instrumented group.
	r.Method(http.MethodGet, "/v1/stream", &stream.Handler{Hub: s.Events, OriginPatterns: s.WSAllowedOrigins, Logger: s.Logger})

	r.Group(func(r chi.Router) {
		r.Use(s.metricsMiddleware)
		r.Use(telemetry.HTTPMiddleware("studio"))
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "studio"})
		})
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
		r.Route("/api", func(r chi.Router) {
			r.Get("/csrf", s.handleCSRF)
			r.Post("/validate", s.guarded("/api/validate", s.handleValidate))
			r.Post("/compile", s.guarded("/api/compile", s.handleCompile))
			r.Get("/compile/{id}", s.guarded("/api/compile/[id]", s.handleGetCompile))
			r.Post("/generate", s.guarded("/api/generate", s.handleGenerate))
			r.Post("/check", s.guarded("/api/check", s.handleCheck))
			r.Post("/feedback", s.guarded("/api/feedback", s.handleFeedback))
			r.Get("/executions/{id}", s.guarded("/api/executions/[id]", s.handleGetExecution))
		})
	})
	return r
}

// call carries one allowed request through its route handler. Handlers set
// Request once the body decoded and passed its limits; it is the payload
// recorded in the execution log.
type call struct {
	ExecutionID string
	Caller      session.Caller
	Request     any
}

func (c *call) ok(message string, data any) execution.Envelope {
	return execution.Success(c.ExecutionID, message, data)
}

func (c *call) fail(class execution.FailClass, message string) execution.Envelope {
	return execution.Fail(c.ExecutionID, class, message)
}

type routeFunc func(w http.ResponseWriter, r *http.Request, c *call) execution.Envelope

// guarded runs the guard for route, then h when allowed, and always
// finishes through the finalizer so every request leaves one execution
// record.
func (s *Server) guarded(route string, h routeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := s.Guard.Check(r.Context(), r, route)
		c := &call{ExecutionID: out.ExecutionID, Caller: out.Caller}

		var env execution.Envelope
		if out.Allowed() {
			env = s.invoke(w, r, route, c, h)
		} else {
			env = *out.Blocked
		}
		env = s.Finalizer.Finalize(r.Context(), env, route, out.Caller.UserID, c.Request)

		session.WriteCookies(w, out.Caller.SetCookies)
		httpx.WriteJSON(w, env.FailClass.HTTPStatus(), env)
	}
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, route string, c *call, h routeFunc) (env execution.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			s.Logger.Error("route handler panicked",
				zap.String("route", route),
				zap.String("execution_id", c.ExecutionID),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			env = c.fail(execution.Unknown, execution.MsgUnknown)
		}
	}()
	return h(w, r, c)
}

// bounded limits a single persistence call.
func (s *Server) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.OperationTimeout
	if timeout <= 0 {
		timeout = execution.DefaultOperationTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		s.Metrics.Observe(route, rec.code, time.Since(start))
	})
}
