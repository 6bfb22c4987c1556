// ABOUTME: Device websocket endpoint: session bootstrap, identity
// ABOUTME: resolution, binding, and the device message loop.

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/lnvend/vend-gateway/internal/conn"
	"github.com/lnvend/vend-gateway/internal/identity"
	"github.com/lnvend/vend-gateway/internal/registry"
	"github.com/lnvend/vend-gateway/internal/wire"
)

// DeviceSessionCookie carries the device's permanent session token on the
// websocket handshake.
const DeviceSessionCookie = "vend_device_session"

// handleDeviceWS upgrades a device connection. A device with no session
// cookie gets one issued on the handshake response plus a noSession
// message telling it to reconnect; the reconnect then resolves normally.
func (g *Gateway) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	cookie, cookieErr := r.Cookie(DeviceSessionCookie)
	if cookieErr != nil {
		// Effectively non-expiring: the token is the device's identity.
		http.SetCookie(w, &http.Cookie{
			Name:     DeviceSessionCookie,
			Value:    identity.NewSessionToken(),
			Path:     "/",
			Expires:  time.Now().AddDate(1000, 0, 0),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("device websocket accept failed", "error", err)
		return
	}
	c := conn.New(ws, g.logger)
	ctx := r.Context()

	if cookieErr != nil {
		_ = c.Send(ctx, wire.TypeNoSession, nil)
		_ = c.Close("session issued, reconnect")
		return
	}
	token := cookie.Value

	bound, err := g.finishDeviceHandshake(ctx, c, token)
	if err != nil {
		g.logger.Error("device resolution failed", "error", err)
		_ = ws.Close(websocket.StatusInternalError, "storage unavailable")
		return
	}
	if !bound {
		return
	}
	defer func() {
		c.MarkGone()
		g.devices.Unbind(c)
		g.metrics.ConnectionUnbound("devices")
	}()

	go c.RunHeartbeat(ctx, g.heartbeatInterval, g.heartbeatTimeout)

	g.deviceLoop(ctx, c, token)
}

// deviceConn is the slice of a connection the handshake needs; tests
// substitute fakes.
type deviceConn interface {
	registry.Conn
	Gone() bool
}

// finishDeviceHandshake resolves the session token and binds the
// connection, unless the connection already dropped: a resolution that
// completes after the disconnect must leave no registry entry. Reports
// whether c was bound.
func (g *Gateway) finishDeviceHandshake(ctx context.Context, c deviceConn, token string) (bool, error) {
	res, err := g.resolver.Resolve(ctx, token)
	if err != nil {
		return false, err
	}
	if c.Gone() {
		// Disconnect raced resolution; never bind a dead connection.
		return false, nil
	}

	// connReady goes out before Bind so redelivery (triggered by the bind's
	// online event) is never the first thing the client sees.
	_ = c.Send(ctx, wire.TypeConnReady, nil)

	g.devices.Bind(c, token, res.Identity)
	g.metrics.ConnectionBound("devices")
	return true, nil
}

// deviceLoop services one device connection until it drops. Privileged
// operations re-resolve the token per message so a claim that happened
// mid-connection takes effect immediately.
func (g *Gateway) deviceLoop(ctx context.Context, c *conn.Conn, token string) {
	for {
		env, err := c.Read(ctx)
		if err != nil {
			g.logger.Debug("device connection closed", "conn_id", c.ID(), "error", err)
			return
		}

		switch env.Type {
		case wire.TypeAck:
			c.HandleAck(env.ID)

		case wire.TypeGetState:
			res, err := g.resolver.Resolve(ctx, token)
			if err != nil {
				g.logger.Error("getState resolution failed", "error", err)
				_ = c.Reply(ctx, env.ID, wire.DeviceState{})
				continue
			}
			state := unclaimedState(res.Unclaimed)
			if res.Claimed() {
				state = claimedState(res.Device)
			}
			_ = c.Reply(ctx, env.ID, state)

		case wire.TypeSetCommands:
			var inv wire.CommandInventory
			if err := env.Decode(&inv); err != nil {
				_ = c.Reply(ctx, env.ID, wire.SetCommandsReply{OK: false})
				continue
			}
			_ = c.Reply(ctx, env.ID, wire.SetCommandsReply{
				OK: g.setCommands(ctx, token, inv),
			})

		case wire.TypeCreateInvoice:
			var req wire.CreateInvoiceRequest
			reply := wire.CreateInvoiceReply{}
			if err := env.Decode(&req); err == nil {
				reply.PaymentRequest = g.createInvoice(ctx, token, req.AmountSats)
			}
			_ = c.Reply(ctx, env.ID, reply)

		default:
			g.logger.Warn("unexpected device message", "type", string(env.Type))
		}
	}
}

// setCommands stores a claimed device's command inventory. Unclaimed
// devices are rejected.
func (g *Gateway) setCommands(ctx context.Context, token string, inv wire.CommandInventory) bool {
	res, err := g.resolver.Resolve(ctx, token)
	if err != nil || !res.Claimed() {
		return false
	}
	dev := identity.Device{Owner: res.Device.Owner, DeviceID: res.Device.DeviceID}
	if err := g.coordinator.SetCommands(ctx, dev, inv); err != nil {
		g.logger.Error("setCommands failed", "device", dev.Key(), "error", err)
		return false
	}
	return true
}

// createInvoice issues an invoice for a claimed device. Returns the empty
// string for unclaimed devices and on failure.
func (g *Gateway) createInvoice(ctx context.Context, token string, amountSats int64) string {
	res, err := g.resolver.Resolve(ctx, token)
	if err != nil || !res.Claimed() {
		return ""
	}
	dev := identity.Device{Owner: res.Device.Owner, DeviceID: res.Device.DeviceID}
	paymentRequest, err := g.coordinator.CreateInvoice(ctx, dev, amountSats)
	if err != nil {
		g.logger.Error("createInvoice failed", "device", dev.Key(), "error", err)
		return ""
	}
	return paymentRequest
}
