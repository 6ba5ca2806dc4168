// Package statsbus is the optional cross-instance stats channel: when
// more than one balancer replica runs behind a shared frontend, each
// replica only has a local view of its own registry. This component
// publishes that view's stats_update payloads to a Redis pub/sub
// channel and relays whatever the other replicas publish back to a
// local subscriber, so a management WebSocket client connected to any
// one replica sees the whole fleet's backend state. A single-instance
// deployment leaves this disabled and loses nothing: the management
// hub already fans out from local state on its own.
package statsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/comfylb/balancer/internal/config"
	"github.com/comfylb/balancer/internal/core"
	"github.com/comfylb/balancer/internal/logging"
)

const defaultChannel = "comfylb:stats"

// Relay receives a payload published by another replica.
type Relay func(payload []byte)

type Bus struct {
	*core.BaseComponent

	cfg     config.RedisConfig
	channel string
	client  redis.UniversalClient
	relay   Relay
	cancel  context.CancelFunc
	started bool
}

func New(cfg config.RedisConfig, relay Relay) *Bus {
	return &Bus{
		BaseComponent: core.NewBaseComponent("statsbus", "logging"),
		cfg:           cfg,
		channel:       defaultChannel,
		relay:         relay,
	}
}

func (b *Bus) Start(ctx context.Context) error {
	if err := b.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if !b.cfg.Enabled {
		return nil
	}
	if len(b.cfg.Addrs) == 0 {
		return errors.New("statsbus enabled but redis.addrs is empty")
	}
	switch strings.ToLower(b.cfg.Mode) {
	case "", "single", "cluster", "sentinel":
	default:
		return fmt.Errorf("unknown redis mode %q", b.cfg.Mode)
	}

	b.client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: b.cfg.Addrs,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.client.Ping(pingCtx).Err(); err != nil {
		_ = b.client.Close()
		b.client = nil
		return fmt.Errorf("statsbus redis ping: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	b.cancel = runCancel
	go b.subscribeLoop(runCtx)

	b.started = true
	logging.L().Infof("statsbus started on channel %s (mode=%s)", b.channel, b.cfg.Mode)
	return nil
}

func (b *Bus) subscribeLoop(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if b.relay != nil {
				b.relay([]byte(msg.Payload))
			}
		}
	}
}

// Publish marshals payload to JSON and broadcasts it to every other
// replica. Best-effort: a publish error is logged, never returned to
// the caller, since this channel is purely additive.
func (b *Bus) Publish(ctx context.Context, payload any) {
	if !b.started || b.client == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logging.L().Warnf("statsbus marshal failed: %v", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		logging.L().Warnf("statsbus publish failed: %v", err)
	}
}

func (b *Bus) Stop(ctx context.Context) error {
	defer func() { _ = b.BaseComponent.Stop(ctx) }()
	if !b.started {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.client != nil {
		_ = b.client.Close()
	}
	b.started = false
	return nil
}

func (b *Bus) HealthCheck() error {
	if err := b.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if !b.cfg.Enabled {
		return nil
	}
	if !b.started || b.client == nil {
		return errors.New("statsbus not started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err()
}
