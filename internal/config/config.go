// Package config loads and validates the balancer's YAML configuration
// file, applying defaults before unmarshaling so a partially specified
// file still produces a usable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comfylb/balancer/internal/errs"
	"github.com/comfylb/balancer/internal/logging"
)

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Debug           bool          `yaml:"debug"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

func (s ServerConfig) Address() string { return s.Host + ":" + strconv.Itoa(s.Port) }

type SchedulerConfig struct {
	Strategy   string `yaml:"strategy"`
	PreferIdle bool   `yaml:"prefer_idle"`
}

type HealthCheckConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
}

type QueueConfig struct {
	MaxSize        int           `yaml:"max_size"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	DispatchWorkers int          `yaml:"dispatch_workers"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
}

type BackendConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Weight   int    `yaml:"weight"`
	MaxQueue int    `yaml:"max_queue"`
	Enabled  bool   `yaml:"enabled"`
}

func (b BackendConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

func (b BackendConfig) WSURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", b.Host, b.Port)
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // sqlite|mysql|postgres
	DSN     string `yaml:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type TracingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	ServiceName   string `yaml:"service_name"`
}

type RedisConfig struct {
	Enabled bool     `yaml:"enabled"`
	Mode    string   `yaml:"mode"` // single|cluster|sentinel
	Addrs   []string `yaml:"addrs"`
}

// AppConfig aggregates every configuration section the balancer reads.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Queue       QueueConfig       `yaml:"queue"`
	Backends    []BackendConfig   `yaml:"backends"`
	Logging     logging.Config    `yaml:"logging"`
	Audit       AuditConfig       `yaml:"audit"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Redis       RedisConfig       `yaml:"redis"`
}

// Load reads and parses path, applying defaults first so a partially
// specified file still produces a usable configuration. A missing or
// unreadable file is a fatal ConfigInvalid; defaults are only applied
// on top of a file that was read. An empty backend list is accepted
// (Validate logs a warning).
func Load(path string) (*AppConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, "read config file", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, "parse config file", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8100, GracefulTimeout: 10 * time.Second},
		Scheduler: SchedulerConfig{Strategy: "least_busy", PreferIdle: true},
		HealthCheck: HealthCheckConfig{
			Interval: 5 * time.Second, Timeout: 3 * time.Second,
			UnhealthyThreshold: 3, HealthyThreshold: 1,
		},
		Queue: QueueConfig{
			MaxSize: 1000, RetryInterval: time.Second, MaxRetries: 3,
			DispatchWorkers: 0, SubmitTimeout: 30 * time.Second,
		},
		Logging: *logging.DefaultConfig(),
		Audit:   AuditConfig{Enabled: true, Driver: "sqlite", DSN: "balancer_audit.db"},
		Metrics: MetricsConfig{Enabled: true, Address: ":9090"},
		Tracing: TracingConfig{Enabled: false, ServiceName: "comfy-balancer"},
	}
}

var validStrategies = map[string]bool{"least_busy": true, "round_robin": true, "weighted": true}

// Validate enforces the invariants a config must satisfy before the
// application boots; every failure here is fatal (exit code 1).
func Validate(cfg *AppConfig) error {
	if cfg.Server.Port <= 0 {
		return errs.New(errs.ConfigInvalid, "server.port must be positive")
	}
	if len(cfg.Backends) == 0 {
		logging.L().Warnf("config: no backends declared at startup, balancer will start empty")
	}
	seen := make(map[string]bool, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if b.Name == "" {
			return errs.New(errs.ConfigInvalid, "backend entry missing name")
		}
		if seen[b.Name] {
			return errs.New(errs.ConfigInvalid, fmt.Sprintf("duplicate backend name %q", b.Name))
		}
		seen[b.Name] = true
		if b.Port <= 0 {
			return errs.New(errs.ConfigInvalid, fmt.Sprintf("backend %q has invalid port", b.Name))
		}
		if b.MaxQueue <= 0 {
			return errs.New(errs.ConfigInvalid, fmt.Sprintf("backend %q max_queue must be >= 1", b.Name))
		}
		if b.Weight <= 0 {
			return errs.New(errs.ConfigInvalid, fmt.Sprintf("backend %q weight must be >= 1", b.Name))
		}
	}
	if !validStrategies[cfg.Scheduler.Strategy] {
		return errs.New(errs.ConfigInvalid, fmt.Sprintf("unknown scheduler strategy %q", cfg.Scheduler.Strategy))
	}
	if cfg.Queue.MaxSize <= 0 {
		return errs.New(errs.ConfigInvalid, "queue.max_size must be positive")
	}
	if cfg.HealthCheck.HealthyThreshold <= 0 || cfg.HealthCheck.UnhealthyThreshold <= 0 {
		return errs.New(errs.ConfigInvalid, "health_check thresholds must be positive")
	}
	return nil
}
