// ABOUTME: Wraps a single websocket connection with the typed wire protocol.
// ABOUTME: Handles serialized writes, ack correlation, and the disconnect latch.

package conn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/lnvend/vend-gateway/internal/wire"
)

// writeTimeout bounds a single outbound message. A device on a flaky uplink
// should fail fast and let the heartbeat tear the connection down.
const writeTimeout = 10 * time.Second

// Conn is one live client connection. It is identified by a random
// connection ID that is never reused, so registry cleanup can verify an
// entry still belongs to the disconnecting connection.
type Conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	// writeMu serializes outbound frames; the websocket permits only one
	// concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]func()

	gone atomic.Bool
}

// New wraps an accepted websocket connection.
func New(ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		id:      uuid.New().String(),
		ws:      ws,
		logger:  logger,
		pending: make(map[uint64]func()),
	}
}

// ID returns the unique connection instance ID.
func (c *Conn) ID() string { return c.id }

// MarkGone latches the disconnect flag. Identity resolution checks this
// before binding so a connection that died mid-resolution never enters a
// registry it can no longer clean up.
func (c *Conn) MarkGone() { c.gone.Store(true) }

// Gone reports whether the disconnect handler has already fired.
func (c *Conn) Gone() bool { return c.gone.Load() }

// Send transmits a fire-and-forget message.
func (c *Conn) Send(ctx context.Context, typ wire.Type, payload any) error {
	env, err := wire.Marshal(typ, 0, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

// SendWithAck transmits a message carrying a correlation ID and registers a
// one-shot continuation invoked when the client acks it. The continuation is
// dropped (never invoked) if the connection closes first; redelivery is the
// caller's concern.
func (c *Conn) SendWithAck(ctx context.Context, typ wire.Type, payload any, onAck func()) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = onAck
	c.mu.Unlock()

	env, err := wire.Marshal(typ, id, payload)
	if err != nil {
		c.dropPending(id)
		return err
	}
	if err := c.write(ctx, env); err != nil {
		c.dropPending(id)
		return err
	}
	return nil
}

// Reply answers a correlated client request.
func (c *Conn) Reply(ctx context.Context, id uint64, payload any) error {
	env, err := wire.Marshal(wire.TypeReply, id, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

// HandleAck resolves a pending continuation by correlation ID. Returns
// false for unknown or already-resolved IDs, which are logged and ignored.
func (c *Conn) HandleAck(id uint64) bool {
	c.mu.Lock()
	onAck, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("ack for unknown correlation id", "conn_id", c.id, "id", id)
		return false
	}
	if onAck != nil {
		onAck()
	}
	return true
}

// Read blocks for the next inbound envelope.
func (c *Conn) Read(ctx context.Context) (*wire.Envelope, error) {
	var env wire.Envelope
	if err := wsjson.Read(ctx, c.ws, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// RunHeartbeat pings the peer at the given interval until a ping times out
// or ctx is canceled. On timeout the connection is closed, which unblocks
// the read loop and triggers normal disconnect cleanup.
func (c *Conn) RunHeartbeat(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Info("heartbeat failed, closing connection", "conn_id", c.id, "error", err)
				_ = c.ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// Close closes the websocket with a normal status.
func (c *Conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

func (c *Conn) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(ctx context.Context, env *wire.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, env)
}
