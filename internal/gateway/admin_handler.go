// ABOUTME: Admin websocket endpoint: JWT cookie verification, operator
// ABOUTME: binding, claim/update operations, and admin state pushes.

package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/lnvend/vend-gateway/internal/conn"
	"github.com/lnvend/vend-gateway/internal/identity"
	"github.com/lnvend/vend-gateway/internal/wire"
)

// handleAdminWS upgrades an operator connection. The handshake must carry
// a valid admin session cookie; anonymous handshakes are rejected before
// the upgrade.
func (g *Gateway) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	operatorID, err := g.verifier.OperatorFromRequest(r)
	if err != nil {
		g.logger.Info("admin handshake rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := g.store.EnsureOperator(r.Context(), operatorID, operatorID); err != nil {
		g.logger.Error("operator lookup failed", "operator", operatorID, "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("admin websocket accept failed", "error", err)
		return
	}
	c := conn.New(ws, g.logger)
	ctx := r.Context()
	ident := identity.Operator{ID: operatorID}

	_ = c.Send(ctx, wire.TypeConnReady, nil)

	g.admins.Bind(c, "", ident)
	g.metrics.ConnectionBound("admins")
	defer func() {
		c.MarkGone()
		g.admins.Unbind(c)
		g.metrics.ConnectionUnbound("admins")
	}()

	go c.RunHeartbeat(ctx, g.heartbeatInterval, g.heartbeatTimeout)

	// Initial aggregate view; later refreshes ride on device changes.
	if state, err := g.coordinator.AdminState(ctx, operatorID); err == nil {
		_ = c.Send(ctx, wire.TypeAdminState, state)
	} else {
		g.logger.Warn("initial admin state failed", "operator", operatorID, "error", err)
	}

	g.adminLoop(ctx, c, operatorID)
}

// adminLoop services one operator connection until it drops.
func (g *Gateway) adminLoop(ctx context.Context, c *conn.Conn, operatorID string) {
	for {
		env, err := c.Read(ctx)
		if err != nil {
			g.logger.Debug("admin connection closed", "conn_id", c.ID(), "error", err)
			return
		}

		switch env.Type {
		case wire.TypeAck:
			c.HandleAck(env.ID)

		case wire.TypeClaimDevice:
			var req wire.ClaimDeviceRequest
			code := wire.ResultError
			if err := env.Decode(&req); err == nil {
				code = g.coordinator.Claim(ctx, operatorID, req)
			}
			_ = c.Reply(ctx, env.ID, wire.Result{Code: code})

		case wire.TypeUpdateDisplayName:
			var req wire.UpdateDisplayNameRequest
			code := wire.ResultError
			if err := env.Decode(&req); err == nil {
				code = g.coordinator.UpdateDisplayName(ctx, operatorID, req)
			}
			_ = c.Reply(ctx, env.ID, wire.Result{Code: code})

		case wire.TypeUpdateInventory:
			var req wire.UpdateInventoryRequest
			code := wire.ResultError
			if err := env.Decode(&req); err == nil {
				code = g.coordinator.UpdateInventory(ctx, operatorID, req)
			}
			_ = c.Reply(ctx, env.ID, wire.Result{Code: code})

		default:
			g.logger.Warn("unexpected admin message", "type", string(env.Type))
		}
	}
}
