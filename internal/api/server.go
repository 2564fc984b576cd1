package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/runctx/internal/device"
	"github.com/seantiz/runctx/internal/engine"
	"github.com/seantiz/runctx/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server serves the session API over HTTP.
type Server struct {
	addr    string
	router  *chi.Mux
	store   store.Store
	devices *device.Registry
	engine  *engine.Engine
	logger  *slog.Logger
}

// NewServer builds the router and its middleware chain. Nothing listens
// until Run is called.
func NewServer(addr string, s store.Store, devices *device.Registry, eng *engine.Engine, logger *slog.Logger) *Server {
	srv := &Server{
		addr:    addr,
		router:  chi.NewRouter(),
		store:   s,
		devices: devices,
		engine:  eng,
		logger:  logger,
	}

	srv.router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		srv.requestLogger,
		metricsMiddleware,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}),
	)

	srv.router.Get("/healthz", srv.handleHealthz)
	srv.router.Handle("/metrics", metricsHandler())

	srv.router.Route("/v1", func(r chi.Router) {
		r.Get("/parameters", srv.handleListParameters)
		r.Get("/devices", srv.handleListDevices)
		r.Get("/stats", srv.handleGetStats)

		r.Post("/sessions", srv.handleCreateSession)
		r.Get("/sessions", srv.handleListSessions)
		r.Get("/sessions/{id}", srv.handleGetSession)
		r.Post("/sessions/{id}/run", srv.handleRunSession)
	})

	return srv
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run listens on the configured address and serves until ctx is done. It then
// drains open requests and waits for background session runs, so their
// outcome reaches the store before the caller closes it.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	s.engine.Wait()

	s.logger.Info("server stopped")
	return nil
}

// requestLogger logs one line per request, at error level for 5xx responses.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.LogAttrs(r.Context(), level, "request",
			slog.String("method", r.Method),
			slog.String("route", routePattern(r)),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
