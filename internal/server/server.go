package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"buildpulse/internal/config"
	"buildpulse/internal/engine"
	"buildpulse/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute
	GlobalRateLimit  = 120
	WebhookRateLimit = 60
)

// Server is the HTTP surface over the analytics engine.
type Server struct {
	Store    *store.Store
	Engine   *engine.Engine
	Config   *config.Config
	Logger   *slog.Logger
	TestMode bool
	httpSrv  *http.Server
}

// NewServer creates a server instance.
func NewServer(s *store.Store, eng *engine.Engine, cfg *config.Config, logger *slog.Logger, testMode bool) *Server {
	return &Server{
		Store:    s,
		Engine:   eng,
		Config:   cfg,
		Logger:   logger,
		TestMode: testMode,
	}
}

// Router creates and configures the HTTP router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", req.Method,
					"path", req.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, req)
		})
	})

	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	r.Get("/health", s.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/pipelines", s.HandleListPipelines)
		r.Route("/pipelines/{pipelineID}", func(r chi.Router) {
			r.Get("/metrics", s.HandleMetrics)
			r.Get("/queue", s.HandleQueueForecast)
			r.Get("/patterns", s.HandlePatterns)
			r.Get("/prediction", s.HandlePrediction)
			r.Post("/evaluate", s.HandleEvaluate)
		})
		r.Get("/alerts", s.HandleListAlerts)
		r.Post("/alerts/{alertID}/acknowledge", s.HandleAcknowledgeAlert)
		r.Post("/alerts/{alertID}/resolve", s.HandleResolveAlert)
	})

	// Webhook intake gets a stricter per-IP budget
	if !s.TestMode {
		r.With(NewWebhookRateLimitMiddleware(WebhookRateLimit, s.Logger)).Post("/in/{pipelineName}", s.HandleWebhook)
	} else {
		r.Post("/in/{pipelineName}", s.HandleWebhook)
	}

	return r
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
