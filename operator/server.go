package operator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/skills"
)

const defaultListen = "127.0.0.1:7788"

type Config struct {
	Listen      string
	CORSOrigins []string
	RateLimit   RateLimitConfig
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Deps are the airlock components the API exposes.
type Deps struct {
	Airlock    *guard.Airlock
	Registry   *skills.Registry
	Bus        *guard.Bus
	Authorizer guard.Authorizer
	Logger     *slog.Logger
}

// Server is the local operator surface: pending approvals, policy, audit
// and a websocket stream of bus events.
type Server struct {
	cfg    Config
	deps   Deps
	log    *slog.Logger
	router chi.Router

	origins  []string
	upgrader websocket.Upgrader
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Airlock == nil {
		return nil, fmt.Errorf("missing airlock")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = defaultListen
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	s := &Server{cfg: cfg, deps: deps, log: deps.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.origins = cfg.CORSOrigins
	if len(s.origins) == 0 {
		s.origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"pending": s.deps.Airlock.Queue().Len(),
		})
	})

	limiter := newClientLimiters(s.cfg.RateLimit)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/pending", s.handleListPending)
		r.Get("/pending/{id}", s.handleGetPending)
		r.Get("/policy", s.handleGetPolicy)
		r.Get("/audit", s.handleListAudit)
		r.Get("/classify", s.handleClassify)
		r.Get("/skills", s.handleSkills)
		r.With(s.requireStreamOwner).Get("/events", s.handleEvents)

		r.Post("/gate", s.handleGate)

		r.Group(func(r chi.Router) {
			r.Use(limiter.middleware)
			r.Use(s.requireOwner)
			r.Post("/pending/{id}/resolve", s.handleResolve)
			r.Put("/policy/tools", s.handleUpdateToolPolicy)
			r.Put("/policy/permissions", s.handleUpdatePermissions)
		})
	})
	return r
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("operator_listening", "addr", s.cfg.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("operator server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("operator_shutdown")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("operator shutdown: %w", err)
	}
	return nil
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("operator_request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
