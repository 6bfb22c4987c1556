// ABOUTME: Resolves a device session token to its durable identity.
// ABOUTME: Falls back claimed -> unclaimed -> provision new unclaimed.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lnvend/vend-gateway/internal/identity"
	"github.com/lnvend/vend-gateway/internal/store"
)

// Resolution is the outcome of resolving a session token. Exactly one of
// Device and Unclaimed is set, matching Identity's concrete type.
type Resolution struct {
	Identity  identity.DurableIdentity
	Device    *store.Device
	Unclaimed *store.UnclaimedDevice
}

// Claimed reports whether the token resolved to a claimed device.
func (r *Resolution) Claimed() bool { return r.Device != nil }

// Resolver maps session tokens to durable identities through the store.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

// NewResolver creates a resolver backed by s.
func NewResolver(s store.Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  s,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve walks the fallback chain: claimed device, then unclaimed device,
// then provisioning a new record for a never-seen token. Only ErrNotFound
// advances the chain; any other storage error aborts resolution so an
// unreachable store can never mint spurious unclaimed devices.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Resolution, error) {
	dev, err := r.store.DeviceBySessionToken(ctx, token)
	if err == nil {
		return &Resolution{
			Identity: identity.Device{Owner: dev.Owner, DeviceID: dev.DeviceID},
			Device:   dev,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving claimed device: %w", err)
	}

	ud, err := r.store.UnclaimedBySessionToken(ctx, token)
	if err == nil {
		return &Resolution{
			Identity:  identity.Unclaimed{ID: ud.ID},
			Unclaimed: ud,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving unclaimed device: %w", err)
	}

	ud, err = r.store.CreateUnclaimedDevice(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("provisioning unclaimed device: %w", err)
	}

	r.logger.Info("provisioned unclaimed device", "unclaimed_id", ud.ID)
	return &Resolution{
		Identity:  identity.Unclaimed{ID: ud.ID},
		Unclaimed: ud,
	}, nil
}
