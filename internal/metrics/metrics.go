// Package metrics is the Prometheus exposition component: its own
// registry (not the global default, so tests can spin up isolated
// instances), a handful of balancer-specific vectors, and an HTTP
// server serving /metrics. The component shape — its own registry,
// optional Go/process collectors, synchronous bind in Start with a
// background Serve, graceful
// Stop — mirrors the rest of this module's HTTP-serving components.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comfylb/balancer/internal/core"
	"github.com/comfylb/balancer/internal/logging"
)

type Config struct {
	Address string
	Path    string
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = ":9090"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

type Metrics struct {
	*core.BaseComponent

	cfg      Config
	registry *prometheus.Registry
	server   *http.Server
	started  bool

	TasksTotal        *prometheus.CounterVec
	TaskDuration       *prometheus.HistogramVec
	BackendQueueDepth  *prometheus.GaugeVec
	BackendStatus      *prometheus.GaugeVec
	SubmitRetries      prometheus.Counter
}

func New(cfg Config) *Metrics {
	cfg.applyDefaults()
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		BaseComponent: core.NewBaseComponent("metrics", "logging"),
		cfg:           cfg,
		registry:      registry,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "balancer_tasks_total", Help: "Tasks terminated, by final state.",
		}, []string{"state"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "balancer_task_duration_seconds", Help: "Time from task creation to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"state"}),
		BackendQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "balancer_backend_queue_depth", Help: "Reserved+pending+running per backend.",
		}, []string{"backend"}),
		BackendStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "balancer_backend_healthy", Help: "1 if the backend is healthy, else 0.",
		}, []string{"backend"}),
		SubmitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "balancer_submit_retries_total", Help: "Retried submissions due to SubmitUnavailable.",
		}),
	}
	registry.MustRegister(m.TasksTotal, m.TaskDuration, m.BackendQueueDepth, m.BackendStatus, m.SubmitRetries)
	return m
}

func (m *Metrics) Start(ctx context.Context) error {
	if err := m.BaseComponent.Start(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", m.cfg.Address)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", m.cfg.Address, err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.cfg.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logging.L().Infof("metrics listening on %s%s", m.cfg.Address, m.cfg.Path)
		if err := m.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.L().Errorf("metrics server error: %v", err)
		}
	}()
	m.started = true
	return nil
}

func (m *Metrics) Stop(ctx context.Context) error {
	defer func() { _ = m.BaseComponent.Stop(ctx) }()
	if !m.started || m.server == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

func (m *Metrics) HealthCheck() error {
	if err := m.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if !m.started {
		return fmt.Errorf("metrics not started")
	}
	return nil
}
