// ABOUTME: Durable identity types that outlive any single connection.
// ABOUTME: A device session resolves to either a claimed Device or an Unclaimed device.

package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrBadKey is returned when a device key string does not parse.
var ErrBadKey = errors.New("malformed device key")

// DurableIdentity is the persistent entity a connection represents,
// independent of the connection itself. It is a closed sum: exactly
// Device (claimed) or Unclaimed. A session transitions Unclaimed -> Device
// at most once, via a claim; there is no reverse transition.
type DurableIdentity interface {
	// Key returns the canonical string form used to index registry maps.
	Key() string

	durable()
}

// Device identifies a claimed device: owned by an operator, able to issue
// invoices and receive settlement notices.
type Device struct {
	Owner    string // operator ID
	DeviceID string
}

// Key returns "operators/<owner>/devices/<id>".
func (d Device) Key() string {
	return fmt.Sprintf("operators/%s/devices/%s", d.Owner, d.DeviceID)
}

func (d Device) String() string { return d.Key() }

func (Device) durable() {}

// ParseDeviceKey parses the "operators/<owner>/devices/<id>" form produced
// by Device.Key.
func ParseDeviceKey(key string) (Device, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "operators" || parts[2] != "devices" ||
		parts[1] == "" || parts[3] == "" {
		return Device{}, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return Device{Owner: parts[1], DeviceID: parts[3]}, nil
}

// Unclaimed identifies a provisioned device that has not yet been claimed
// by an operator. It carries only its provisional record ID.
type Unclaimed struct {
	ID string
}

// Key returns "unclaimedDevices/<id>".
func (u Unclaimed) Key() string {
	return "unclaimedDevices/" + u.ID
}

func (u Unclaimed) String() string { return u.Key() }

func (Unclaimed) durable() {}

// Operator identifies a connected admin. Operators are not part of the
// DurableIdentity sum (they never transition), but they bind to the admin
// connection registry the same way devices bind to the device registry.
type Operator struct {
	ID string
}

// Key returns "operators/<id>".
func (o Operator) Key() string {
	return "operators/" + o.ID
}

func (o Operator) String() string { return o.Key() }

// NewSessionToken issues an opaque long-lived session token for a
// connecting client that presented none.
func NewSessionToken() string {
	return uuid.New().String()
}
