// ABOUTME: Coordinator wiring the payment stream, settlement tracker, and
// ABOUTME: both connection registries into the claim/update/notice flows.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lnvend/vend-gateway/internal/identity"
	"github.com/lnvend/vend-gateway/internal/metrics"
	"github.com/lnvend/vend-gateway/internal/payments"
	"github.com/lnvend/vend-gateway/internal/registry"
	"github.com/lnvend/vend-gateway/internal/settlement"
	"github.com/lnvend/vend-gateway/internal/store"
	"github.com/lnvend/vend-gateway/internal/wire"
)

// Coordinator owns the cross-cutting flows: settlements fan from the
// payment stream into device connections, claims relink live connections,
// and admin views refresh whenever their devices change.
type Coordinator struct {
	store   store.Store
	devices *registry.Registry
	admins  *registry.Registry
	tracker *settlement.Tracker
	node    payments.Node
	metrics *metrics.Metrics
	logger  *slog.Logger

	invoiceExpiry time.Duration
	subID         string
}

// NewCoordinator wires the registries to a payment node. It owns the
// settlement tracker and subscribes to device connectivity changes.
func NewCoordinator(
	s store.Store,
	devices, admins *registry.Registry,
	node payments.Node,
	m *metrics.Metrics,
	invoiceExpiry time.Duration,
	logger *slog.Logger,
) *Coordinator {
	c := &Coordinator{
		store:         s,
		devices:       devices,
		admins:        admins,
		node:          node,
		metrics:       m,
		logger:        logger.With("component", "coordinator"),
		invoiceExpiry: invoiceExpiry,
	}
	c.tracker = settlement.New(c.sendNotice, m, logger)
	c.subID = devices.Subscribe(c.onConnectivity)
	return c
}

// Run consumes payment events and runs the tracker sweep until ctx is
// canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.node.Run(ctx)
	})
	g.Go(func() error {
		c.tracker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-c.node.Events():
				if !ok {
					return errors.New("payment event stream closed")
				}
				c.handlePaymentEvent(ctx, ev)
			}
		}
	})

	return g.Wait()
}

// Close detaches the coordinator from the device registry.
func (c *Coordinator) Close() {
	c.devices.Unsubscribe(c.subID)
}

func (c *Coordinator) handlePaymentEvent(ctx context.Context, ev payments.Event) {
	if ev.State != payments.StateSettled {
		return
	}
	dev, ok := c.tracker.ObserveSettlement(ev.PaymentRequest)
	if !ok {
		return
	}
	c.tracker.Deliver(ctx, dev, ev.PaymentRequest)
}

// sendNotice is the tracker's delivery function.
func (c *Coordinator) sendNotice(ctx context.Context, dev identity.Device, paymentRequest string, onAck func()) bool {
	return c.devices.Send(ctx, dev, wire.TypeSettlementNotice,
		wire.SettlementNotice{PaymentRequest: paymentRequest}, onAck)
}

// onConnectivity reacts to device connections coming and going: a device
// coming online gets its unacked settlements flushed, and its owner's
// admin view refreshes either way.
func (c *Coordinator) onConnectivity(ev registry.ConnectivityEvent) {
	ctx := context.Background()
	if ev.Online {
		c.tracker.TryDeliver(ctx, ev.Device)
	}
	c.RefreshAdmin(ctx, ev.Device.Owner)
}

// Ack marks a settlement notice acknowledged by its payment request.
func (c *Coordinator) Ack(paymentRequest string) bool {
	return c.tracker.Ack(paymentRequest)
}

// Tracker exposes the settlement tracker, primarily for handlers and tests.
func (c *Coordinator) Tracker() *settlement.Tracker {
	return c.tracker
}

// FlushSettlements re-delivers unacked settlements to a device that just
// (re)connected outside the registry event path.
func (c *Coordinator) FlushSettlements(ctx context.Context, dev identity.Device) int {
	return c.tracker.TryDeliver(ctx, dev)
}

// CreateInvoice issues an invoice on behalf of a claimed device and
// records the device as its creator before returning.
func (c *Coordinator) CreateInvoice(ctx context.Context, dev identity.Device, amountSats int64) (string, error) {
	paymentRequest, err := c.node.CreateInvoice(ctx, amountSats, c.invoiceExpiry)
	if err != nil {
		return "", err
	}
	c.tracker.RecordInvoiceCreator(paymentRequest, dev, c.invoiceExpiry)
	return paymentRequest, nil
}

// Claim promotes the unclaimed device holding the setup code to the
// calling operator and relinks its live connection, if any, without a
// redial. The freshly claimed device gets its new state pushed.
func (c *Coordinator) Claim(ctx context.Context, operatorID string, req wire.ClaimDeviceRequest) wire.ResultCode {
	dev, err := c.store.ClaimDevice(ctx, req.SetupCode, operatorID, req.DisplayName)
	if errors.Is(err, store.ErrNotFound) {
		return wire.ResultError
	}
	if err != nil {
		c.logger.Error("claim failed", "operator", operatorID, "error", err)
		return wire.ResultError
	}

	ident := identity.Device{Owner: dev.Owner, DeviceID: dev.DeviceID}
	if c.devices.Relink(dev.SessionToken, ident) {
		c.devices.Send(ctx, ident, wire.TypeDeviceState, claimedState(dev), nil)
	}
	c.RefreshAdmin(ctx, operatorID)
	return wire.ResultOK
}

// UpdateDisplayName renames one of the operator's devices. Devices the
// operator does not own are rejected as unauthenticated.
func (c *Coordinator) UpdateDisplayName(ctx context.Context, operatorID string, req wire.UpdateDisplayNameRequest) wire.ResultCode {
	return c.updateDevice(ctx, operatorID, req.DeviceKey, store.UpdateDeviceRequest{
		DisplayName: &req.DisplayName,
	})
}

// UpdateInventory replaces a device's product inventory.
func (c *Coordinator) UpdateInventory(ctx context.Context, operatorID string, req wire.UpdateInventoryRequest) wire.ResultCode {
	inventory := inventoryModel(req.Inventory)
	return c.updateDevice(ctx, operatorID, req.DeviceKey, store.UpdateDeviceRequest{
		Inventory: &inventory,
	})
}

func (c *Coordinator) updateDevice(ctx context.Context, operatorID, deviceKey string, req store.UpdateDeviceRequest) wire.ResultCode {
	ident, err := identity.ParseDeviceKey(deviceKey)
	if err != nil {
		return wire.ResultError
	}
	if ident.Owner != operatorID {
		return wire.ResultUnauthenticated
	}

	dev, err := c.store.UpdateDevice(ctx, ident.Owner, ident.DeviceID, req)
	if errors.Is(err, store.ErrNotFound) {
		return wire.ResultError
	}
	if err != nil {
		c.logger.Error("device update failed", "device", deviceKey, "error", err)
		return wire.ResultError
	}

	c.devices.Send(ctx, ident, wire.TypeDeviceState, claimedState(dev), nil)
	c.RefreshAdmin(ctx, operatorID)
	return wire.ResultOK
}

// SetCommands replaces a device's execution command inventory, as reported
// by the device itself.
func (c *Coordinator) SetCommands(ctx context.Context, dev identity.Device, inv wire.CommandInventory) error {
	_, err := c.store.SetDeviceCommands(ctx, dev.Owner, dev.DeviceID, inv.NullCommands, inv.BoolCommands)
	if err != nil {
		return err
	}
	c.RefreshAdmin(ctx, dev.Owner)
	return nil
}

// AdminState builds the aggregate view for an operator: every owned device
// with its live-connection flag.
func (c *Coordinator) AdminState(ctx context.Context, operatorID string) (*wire.AdminState, error) {
	devices, err := c.store.ListDevices(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	state := &wire.AdminState{
		Operator: operatorID,
		Devices:  make([]wire.DeviceStatus, 0, len(devices)),
	}
	for _, dev := range devices {
		ident := identity.Device{Owner: dev.Owner, DeviceID: dev.DeviceID}
		state.Devices = append(state.Devices, wire.DeviceStatus{
			Device: deviceView(dev),
			Online: c.devices.IsOnline(ident),
		})
	}
	return state, nil
}

// RefreshAdmin pushes a fresh aggregate view to the operator's admin
// connection, if one is online.
func (c *Coordinator) RefreshAdmin(ctx context.Context, operatorID string) {
	state, err := c.AdminState(ctx, operatorID)
	if err != nil {
		c.logger.Warn("admin refresh failed", "operator", operatorID, "error", err)
		return
	}
	c.admins.Send(ctx, identity.Operator{ID: operatorID}, wire.TypeAdminState, state, nil)
}
