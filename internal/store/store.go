// ABOUTME: Store interface and data types for gateway persistence
// ABOUTME: Defines Device, UnclaimedDevice, Operator and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSetupCodeExhausted is returned when a unique setup code could not be
// generated after several attempts
var ErrSetupCodeExhausted = errors.New("setup code space exhausted")

// InventoryItem is a single product slot configured on a device
type InventoryItem struct {
	DisplayName string `json:"display_name"`
	PriceSats   int64  `json:"price_sats"`
	Command     string `json:"command"`
}

// Device is a claimed vending device owned by an operator.
// The session token is the device's permanent credential: it never
// changes, even across claiming.
type Device struct {
	SessionToken string
	Owner        string
	DeviceID     string
	DisplayName  string
	Inventory    []InventoryItem
	NullCommands []string
	BoolCommands []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UnclaimedDevice is a device that has connected but has not yet been
// claimed by an operator. The setup code is shown on the device and
// consumed on claim.
type UnclaimedDevice struct {
	ID           string
	SessionToken string
	SetupCode    string
	CreatedAt    time.Time
}

// Operator is a human who owns devices and connects over the admin socket
type Operator struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// UpdateDeviceRequest carries the mutable device fields. Nil fields are
// left unchanged.
type UpdateDeviceRequest struct {
	DisplayName *string
	Inventory   *[]InventoryItem
}

// Store defines the persistence operations the gateway needs
type Store interface {
	// DeviceBySessionToken resolves a claimed device by its credential.
	// Returns ErrNotFound when no claimed device holds the token.
	DeviceBySessionToken(ctx context.Context, token string) (*Device, error)

	// UnclaimedBySessionToken resolves an unclaimed device by its credential.
	UnclaimedBySessionToken(ctx context.Context, token string) (*UnclaimedDevice, error)

	// CreateUnclaimedDevice registers a never-seen session token and
	// assigns it an ID and a unique setup code.
	CreateUnclaimedDevice(ctx context.Context, token string) (*UnclaimedDevice, error)

	// ClaimDevice promotes the unclaimed device holding setupCode to a
	// claimed device owned by owner. The setup code is consumed: the
	// unclaimed row is deleted in the same transaction. Returns
	// ErrNotFound when no unclaimed device holds the code.
	ClaimDevice(ctx context.Context, setupCode, owner, displayName string) (*Device, error)

	// GetDevice retrieves a claimed device by owner and device ID.
	GetDevice(ctx context.Context, owner, deviceID string) (*Device, error)

	// UpdateDevice applies the non-nil fields of req to a claimed device.
	UpdateDevice(ctx context.Context, owner, deviceID string, req UpdateDeviceRequest) (*Device, error)

	// SetDeviceCommands replaces a device's execution command inventory.
	SetDeviceCommands(ctx context.Context, owner, deviceID string, nullCommands, boolCommands []string) (*Device, error)

	// ListDevices returns every claimed device owned by owner.
	ListDevices(ctx context.Context, owner string) ([]*Device, error)

	// GetOperator retrieves an operator by ID.
	GetOperator(ctx context.Context, id string) (*Operator, error)

	// EnsureOperator creates an operator row if it does not exist and
	// returns it either way.
	EnsureOperator(ctx context.Context, id, displayName string) (*Operator, error)

	// Close releases the underlying database handle.
	Close() error
}
