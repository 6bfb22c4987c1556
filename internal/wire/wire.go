// ABOUTME: Wire protocol for the websocket channels between gateway and clients.
// ABOUTME: Typed message enums per direction with optional ack/reply correlation IDs.

package wire

import (
	"encoding/json"
	"fmt"
)

// Type discriminates message payloads on a channel. Each direction has its
// own closed set of types; unknown types are rejected by the receiver.
type Type string

// Server -> device messages.
const (
	// TypeConnReady signals that all server-side handlers are registered and
	// the device may start sending requests. Sent exactly once per connection.
	TypeConnReady Type = "connReady"

	// TypeNoSession tells a device that connected without a session token
	// that one has been issued on the handshake; the device should store it
	// and reconnect. No identity is bound to this connection.
	TypeNoSession Type = "noSession"

	// TypeDeviceState carries the full claimed-or-unclaimed device state.
	TypeDeviceState Type = "deviceState"

	// TypeSettlementNotice informs a device that an invoice it issued has
	// settled. Carries a correlation ID; the device must answer with
	// TypeAck to acknowledge receipt.
	TypeSettlementNotice Type = "settlementNotice"
)

// Device -> server messages.
const (
	TypeGetState      Type = "getState"
	TypeSetCommands   Type = "setCommands"
	TypeCreateInvoice Type = "createInvoice"

	// TypeAck acknowledges a server message that carried a correlation ID.
	TypeAck Type = "ack"
)

// Server -> admin messages.
const (
	// TypeAdminState carries the aggregate admin view: the operator's
	// devices with their online flags.
	TypeAdminState Type = "adminState"
)

// Admin -> server messages.
const (
	TypeClaimDevice       Type = "claimDevice"
	TypeUpdateDisplayName Type = "updateDisplayName"
	TypeUpdateInventory   Type = "updateInventory"
)

// TypeReply answers a correlated request in either direction.
const TypeReply Type = "reply"

// Envelope frames every message on the wire. ID is non-zero when the sender
// expects a TypeReply or TypeAck carrying the same ID.
type Envelope struct {
	Type Type            `json:"type"`
	ID   uint64          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("message %q has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %q payload: %w", e.Type, err)
	}
	return nil
}

// ResultCode is the outcome of a privileged admin operation.
type ResultCode string

const (
	ResultOK              ResultCode = "ok"
	ResultUnauthenticated ResultCode = "unauthenticated"
	ResultError           ResultCode = "error"
)

// Result is the reply payload for claim and update operations.
type Result struct {
	Code ResultCode `json:"code"`
}

// InventoryItem is a single product slot on a device.
type InventoryItem struct {
	DisplayName string `json:"display_name"`
	PriceSats   int64  `json:"price_sats"`
	Command     string `json:"command"`
}

// DeviceView is the client-facing state of a claimed device.
type DeviceView struct {
	Name         string          `json:"name"`
	DisplayName  string          `json:"display_name"`
	Inventory    []InventoryItem `json:"inventory,omitempty"`
	NullCommands []string        `json:"null_commands,omitempty"`
	BoolCommands []string        `json:"bool_commands,omitempty"`
}

// UnclaimedDeviceView is the client-facing state of an unclaimed device.
// The setup code is shown on the device so an operator can claim it.
type UnclaimedDeviceView struct {
	Name      string `json:"name"`
	SetupCode string `json:"setup_code"`
}

// DeviceState is a claimed-or-unclaimed union: exactly one field is set.
type DeviceState struct {
	Device    *DeviceView          `json:"device,omitempty"`
	Unclaimed *UnclaimedDeviceView `json:"unclaimed,omitempty"`
}

// SettlementNotice tells a device which payment request settled.
type SettlementNotice struct {
	PaymentRequest string `json:"payment_request"`
}

// CommandInventory is the execution-command inventory a device pushes.
type CommandInventory struct {
	NullCommands []string `json:"null_commands"`
	BoolCommands []string `json:"bool_commands"`
}

// SetCommandsReply reports whether the inventory push was accepted.
type SetCommandsReply struct {
	OK bool `json:"ok"`
}

// CreateInvoiceRequest asks the gateway to issue an invoice for a device.
type CreateInvoiceRequest struct {
	AmountSats int64 `json:"amount_sats"`
}

// CreateInvoiceReply returns the issued payment request, empty on failure.
type CreateInvoiceReply struct {
	PaymentRequest string `json:"payment_request,omitempty"`
}

// ClaimDeviceRequest promotes an unclaimed device to the calling operator.
type ClaimDeviceRequest struct {
	SetupCode   string `json:"setup_code"`
	DisplayName string `json:"display_name"`
}

// UpdateDisplayNameRequest renames one of the operator's devices.
type UpdateDisplayNameRequest struct {
	DeviceKey   string `json:"device_key"`
	DisplayName string `json:"display_name"`
}

// UpdateInventoryRequest replaces a device's product inventory.
type UpdateInventoryRequest struct {
	DeviceKey string          `json:"device_key"`
	Inventory []InventoryItem `json:"inventory"`
}

// DeviceStatus pairs a device view with its live-connection flag.
type DeviceStatus struct {
	Device DeviceView `json:"device"`
	Online bool       `json:"online"`
}

// AdminState is the aggregate view pushed to a connected operator.
type AdminState struct {
	Operator string         `json:"operator"`
	Devices  []DeviceStatus `json:"devices"`
}

// Marshal builds an envelope with the payload encoded as JSON.
func Marshal(typ Type, id uint64, payload any) (*Envelope, error) {
	env := &Envelope{Type: typ, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %q payload: %w", typ, err)
		}
		env.Data = data
	}
	return env, nil
}
