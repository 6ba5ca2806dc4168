package backendclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/comfylb/balancer/internal/logging"
	"github.com/comfylb/balancer/internal/model"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Subscribe maintains a single upstream WebSocket for the lifetime of
// ctx, decoding frames and pushing them onto out. It reconnects with
// exponential backoff starting at 1s, capped at 30s, with full jitter;
// a successful connect resets the backoff. The call blocks until ctx
// is cancelled.
func (c *Client) Subscribe(ctx context.Context, out chan<- model.Frame) {
	b := newReconnectBackOff()

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			logging.L().Warn(ctx, "backend websocket dial failed", zap.String("backend", c.name), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		logging.L().Info(ctx, "backend websocket connected", zap.String("backend", c.name))
		c.readLoop(ctx, conn, out)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- model.Frame) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame := decodeFrame(c.name, raw)
		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func decodeFrame(backend string, raw []byte) model.Frame {
	frame := model.Frame{
		Backend: backend,
		Raw:     raw,
		Type:    gjson.GetBytes(raw, "type").String(),
	}
	frame.PromptID = gjson.GetBytes(raw, "data.prompt_id").String()
	frame.ClientID = gjson.GetBytes(raw, "data.sid").String()
	return frame
}

// newReconnectBackOff builds a full-jitter exponential backoff in
// [1s, 30s] rather than the library's own defaults (which start lower
// and cap higher).
func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectMin
	b.RandomizationFactor = 1.0 // full jitter
	b.Multiplier = 2.0
	b.MaxInterval = reconnectMax
	b.Reset()
	return b
}
