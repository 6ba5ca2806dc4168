// Command balancer runs the ComfyUI reverse-proxy load balancer: it
// wires every component by hand (no reflection, no auto-registration)
// in the order they depend on one another, starts them through the
// shared lifecycle manager, and blocks until an interrupt signal asks
// for a graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/comfylb/balancer/internal/adminapi"
	"github.com/comfylb/balancer/internal/audit"
	"github.com/comfylb/balancer/internal/backendclient"
	"github.com/comfylb/balancer/internal/config"
	"github.com/comfylb/balancer/internal/core"
	"github.com/comfylb/balancer/internal/dispatcher"
	"github.com/comfylb/balancer/internal/eventhub"
	"github.com/comfylb/balancer/internal/healthmonitor"
	"github.com/comfylb/balancer/internal/httpserver"
	"github.com/comfylb/balancer/internal/logging"
	"github.com/comfylb/balancer/internal/metrics"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/proxyfacade"
	"github.com/comfylb/balancer/internal/registry"
	"github.com/comfylb/balancer/internal/scheduler"
	"github.com/comfylb/balancer/internal/statsbus"
	"github.com/comfylb/balancer/internal/taskstore"
	"github.com/comfylb/balancer/internal/tracing"
)

const (
	exitConfigError    = 1
	exitBindFailure    = 2
	exitForcedShutdown = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "config.yaml", "path to the balancer's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigError
	}

	reg := registry.New()
	if err := reg.LoadFromConfig(cfg.Backends); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigError
	}

	store := taskstore.New(cfg.Queue.MaxSize)
	sched := scheduler.New(scheduler.Strategy(cfg.Scheduler.Strategy), cfg.Scheduler.PreferIdle)

	clients := backendclient.NewSet()
	for _, b := range cfg.Backends {
		clients.Put(backendclient.FromConfig(b, cfg.HealthCheck.Timeout))
	}

	auditLog := audit.New(cfg.Audit)

	dispatchCfg := dispatcher.Config{
		RetryInterval:   cfg.Queue.RetryInterval,
		MaxRetries:      cfg.Queue.MaxRetries,
		DispatchWorkers: cfg.Queue.DispatchWorkers,
		SubmitTimeout:   cfg.Queue.SubmitTimeout,
	}
	dispatch := dispatcher.New(dispatchCfg, reg, store, sched, clients, auditLog)
	hub := eventhub.New(clients, store, dispatch)

	monitor := healthmonitor.New(reg, clients,
		cfg.HealthCheck.Interval, cfg.HealthCheck.Timeout,
		cfg.HealthCheck.HealthyThreshold, cfg.HealthCheck.UnhealthyThreshold)

	mgmt := adminapi.NewMgmtHub(reg)
	bus := statsbus.New(cfg.Redis, func(payload []byte) {
		var msg model.MgmtMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logging.L().Warnf("statsbus: bad payload: %v", err)
			return
		}
		mgmt.RelayRemote(msg)
	})
	mgmt.SetPublisher(func(msgType string, data any) {
		bus.Publish(context.Background(), model.MgmtMessage{Type: msgType, Data: data})
	})

	monitor.OnStatusChange(func(backend string, status model.BackendStatus) {
		if status == model.StatusUnhealthy {
			dispatch.RequeueForBackend(backend)
		}
		mgmt.Broadcast(model.MgmtBackendUpdate, backend)
	})

	metricsComp := metrics.New(metrics.Config{Address: cfg.Metrics.Address})
	tracingComp := tracing.New(cfg.Tracing)

	adminAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	adminServer := httpserver.New("admin_api", httpserver.Config{
		Address: adminAddr, GracefulTimeout: cfg.Server.GracefulTimeout, ServiceName: "balancer-admin",
	})
	adminapi.RegisterRoutes(adminServer.Router(), adminapi.Deps{
		Registry:      reg,
		Store:         store,
		Scheduler:     sched,
		Monitor:       monitor,
		Dispatcher:    dispatch,
		Clients:       clients,
		Hub:           hub,
		ClientTimeout: cfg.HealthCheck.Timeout,
		Mgmt:          mgmt,
		Audit:         auditLog,
	})

	proxyAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port+1))
	proxyServer := httpserver.New("proxy_facade", httpserver.Config{
		Address: proxyAddr, GracefulTimeout: cfg.Server.GracefulTimeout, ServiceName: "balancer-proxy",
	})
	proxyfacade.RegisterRoutes(proxyServer.Router(), proxyfacade.Deps{
		Registry:      reg,
		Store:         store,
		Dispatcher:    dispatch,
		Clients:       clients,
		Hub:           hub,
		SubmitTimeout: cfg.Queue.SubmitTimeout,
	})

	container := core.NewContainer()
	components := []core.Component{
		logging.NewComponent(&cfg.Logging),
		tracingComp, auditLog, monitor, dispatch, hub,
		adminServer, proxyServer, metricsComp, bus,
	}
	for _, comp := range components {
		if err := container.Register(comp); err != nil {
			fmt.Fprintln(os.Stderr, "component registration error:", err)
			return exitConfigError
		}
	}

	lifecycle := core.NewLifecycleManager(container)
	lifecycle.SetTimeout(cfg.Server.GracefulTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := lifecycle.StartAll(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		if isBindFailure(err) {
			return exitBindFailure
		}
		return exitConfigError
	}

	mgmt.Run(ctx, 0)
	defer mgmt.Stop()

	logging.L().Infof("balancer up: admin on %s, proxy on %s", adminAddr, proxyAddr)

	<-ctx.Done()
	logging.L().Infof("shutdown signal received")

	// A second interrupt while graceful shutdown is still draining
	// forces an immediate exit instead of waiting out GracefulTimeout.
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-force
		logging.L().Warnf("second shutdown signal received, exiting immediately")
		os.Exit(exitForcedShutdown)
	}()

	lifecycle.StopAll(context.Background())
	return 0
}

// isBindFailure reports whether err (or something it wraps) is a
// failure to bind a listening socket, as opposed to any other startup
// error — the two map to different documented exit codes.
func isBindFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "listen" {
		return true
	}
	return strings.Contains(err.Error(), "listen on")
}
