// Package httpserver is the generic chi-based HTTP server component
// shared by the Admin API and the Proxy Facade — each registers its own
// routes on the shared router before Start is called: standard
// middleware stack, graceful-shutdown-with-timeout Stop, synchronous
// bind in Start with a background Serve goroutine. otelchi adds trace propagation to every
// request on top of chi's own RequestID middleware.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"go.uber.org/zap"

	"github.com/comfylb/balancer/internal/core"
	"github.com/comfylb/balancer/internal/logging"
)

type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	GracefulTimeout time.Duration
	ServiceName     string // used as the otelchi span service name
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = ":8100"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.GracefulTimeout == 0 {
		c.GracefulTimeout = 10 * time.Second
	}
	if c.ServiceName == "" {
		c.ServiceName = "balancer"
	}
}

type Server struct {
	*core.BaseComponent

	name    string
	cfg     Config
	router  chi.Router
	server  *http.Server
	started bool
}

// New builds the server and its router immediately so callers can
// register routes before Start is ever invoked.
func New(name string, cfg Config) *Server {
	cfg.applyDefaults()
	s := &Server{
		BaseComponent: core.NewBaseComponent(name, "logging"),
		name:          name,
		cfg:           cfg,
		router:        chi.NewRouter(),
	}
	s.setupMiddlewares()
	return s
}

func (s *Server) Router() chi.Router { return s.router }

func (s *Server) setupMiddlewares() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(otelchi.Middleware(s.cfg.ServiceName, otelchi.WithChiRoutes(s.router)))
	s.router.Use(s.accessLog)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.L().Info(r.Context(), "http_access",
			zap.String("server", s.name),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("dur", time.Since(start)),
		)
	})
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	// Bind synchronously so a port conflict surfaces as a Start error
	// the caller can map to a fatal exit code, instead of only showing
	// up asynchronously in the log.
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("%s listen on %s: %w", s.name, s.cfg.Address, err)
	}

	s.server = &http.Server{
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		Handler:      s.router,
	}
	go func() {
		logging.L().Infof("%s listening on %s", s.name, s.cfg.Address)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Errorf("%s server error: %v", s.name, err)
		}
	}()
	s.started = true
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	defer func() { _ = s.BaseComponent.Stop(ctx) }()
	if !s.started || s.server == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.GracefulTimeout)
	defer cancel()
	if err := s.server.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("%s graceful shutdown failed: %w", s.name, err)
	}
	logging.L().Infof("%s stopped", s.name)
	return nil
}

func (s *Server) HealthCheck() error {
	if err := s.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if !s.started {
		return fmt.Errorf("%s not started", s.name)
	}
	return nil
}
