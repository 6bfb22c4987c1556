// ABOUTME: Maps durable identities and session tokens to live connections.
// ABOUTME: One instance per audience; emits connectivity events for claimed devices.

package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/lnvend/vend-gateway/internal/identity"
	"github.com/lnvend/vend-gateway/internal/wire"
)

// Conn is the slice of a live connection the registry needs. Implemented by
// *conn.Conn; tests substitute fakes.
type Conn interface {
	ID() string
	Send(ctx context.Context, typ wire.Type, payload any) error
	SendWithAck(ctx context.Context, typ wire.Type, payload any, onAck func()) error
}

// Identity is anything a connection can be indexed under: a claimed
// identity.Device, an identity.Unclaimed, or an identity.Operator.
type Identity interface {
	Key() string
}

// ConnectivityEvent reports a claimed device coming online or going
// offline. Unclaimed devices and operators do not generate events.
type ConnectivityEvent struct {
	Device identity.Device
	Online bool
}

// binding records what a connection is currently registered under, so
// Unbind can remove exactly the entries that still point at it.
type binding struct {
	token string
	ident Identity
}

// Registry tracks live bindings for one audience (devices or admins).
// Invariants: at most one connection per session token and at most one per
// identity key, with last-bind-wins on lookup. A stale connection's own
// disconnect only evicts entries that still reference it, so a late
// disconnect can never evict a newer binding.
type Registry struct {
	audience string
	logger   *slog.Logger

	mu         sync.RWMutex
	byToken    map[string]Conn
	byIdentity map[string]Conn
	bindings   map[string]binding // conn ID -> current binding
	subs       map[string]func(ConnectivityEvent)
}

// New creates an empty registry for the named audience.
func New(audience string, logger *slog.Logger) *Registry {
	return &Registry{
		audience:   audience,
		logger:     logger.With("component", "registry", "audience", audience),
		byToken:    make(map[string]Conn),
		byIdentity: make(map[string]Conn),
		bindings:   make(map[string]binding),
		subs:       make(map[string]func(ConnectivityEvent)),
	}
}

// Bind registers c under its session token and, when already resolved,
// under its durable identity. Claimed-device binds emit an online event.
func (r *Registry) Bind(c Conn, sessionToken string, ident Identity) {
	r.mu.Lock()
	b := binding{token: sessionToken, ident: ident}
	r.bindings[c.ID()] = b
	if sessionToken != "" {
		r.byToken[sessionToken] = c
	}
	if ident != nil {
		r.byIdentity[ident.Key()] = c
	}
	r.mu.Unlock()

	r.logger.Info("connection bound",
		"conn_id", c.ID(),
		"identity", identKey(ident),
	)

	if dev, ok := ident.(identity.Device); ok {
		r.emit(ConnectivityEvent{Device: dev, Online: true})
	}
}

// Relink additionally registers the connection currently bound to
// sessionToken under newIdent. Used when a session transitions identity
// (claim) while the device is connected. No-op when no connection is bound
// to the token; the next connection resolves the new identity normally.
// Returns whether a live connection was relinked.
//
// The old identity entry is evicted rather than kept alongside the new
// one: nothing addresses an unclaimed identity after a claim, and a single
// key per connection keeps Unbind's self-only eviction unambiguous.
func (r *Registry) Relink(sessionToken string, newIdent Identity) bool {
	r.mu.Lock()
	c, ok := r.byToken[sessionToken]
	if !ok {
		r.mu.Unlock()
		return false
	}
	old := r.bindings[c.ID()]
	if old.ident != nil {
		delete(r.byIdentity, old.ident.Key())
	}
	r.bindings[c.ID()] = binding{token: old.token, ident: newIdent}
	r.byIdentity[newIdent.Key()] = c
	r.mu.Unlock()

	r.logger.Info("connection relinked",
		"conn_id", c.ID(),
		"identity", newIdent.Key(),
	)
	return true
}

// Unbind removes every registry entry still pointing at c and emits an
// offline event if c held a claimed-device identity. Entries that a newer
// connection has since overwritten are left alone.
func (r *Registry) Unbind(c Conn) {
	r.mu.Lock()
	b, ok := r.bindings[c.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bindings, c.ID())

	ownedIdentity := false
	if b.token != "" && r.byToken[b.token] == c {
		delete(r.byToken, b.token)
	}
	if b.ident != nil && r.byIdentity[b.ident.Key()] == c {
		delete(r.byIdentity, b.ident.Key())
		ownedIdentity = true
	}
	r.mu.Unlock()

	r.logger.Info("connection unbound",
		"conn_id", c.ID(),
		"identity", identKey(b.ident),
	)

	if dev, ok := b.ident.(identity.Device); ok && ownedIdentity {
		r.emit(ConnectivityEvent{Device: dev, Online: false})
	}
}

// Send delivers one message to the connection bound to ident, if any, and
// reports whether such a connection was found. No queueing or retry: missed
// sends are covered by the settlement tracker's unacked records, not here.
func (r *Registry) Send(ctx context.Context, ident Identity, typ wire.Type, payload any, onAck func()) bool {
	r.mu.RLock()
	c, ok := r.byIdentity[ident.Key()]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	var err error
	if onAck != nil {
		err = c.SendWithAck(ctx, typ, payload, onAck)
	} else {
		err = c.Send(ctx, typ, payload)
	}
	if err != nil {
		r.logger.Warn("send failed",
			"conn_id", c.ID(),
			"identity", ident.Key(),
			"type", string(typ),
			"error", err,
		)
	}
	return true
}

// IsOnline reports whether a live connection is bound to ident.
func (r *Registry) IsOnline(ident Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byIdentity[ident.Key()]
	return ok
}

// Len returns the number of live bound connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Subscribe registers a connectivity callback and returns a subscription ID.
// Callbacks run synchronously on the goroutine that triggered the change.
func (r *Registry) Subscribe(fn func(ConnectivityEvent)) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.subs[id] = fn
	r.mu.Unlock()
	return id
}

// Unsubscribe removes a connectivity callback.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

func (r *Registry) emit(ev ConnectivityEvent) {
	r.mu.RLock()
	fns := make([]func(ConnectivityEvent), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func identKey(ident Identity) string {
	if ident == nil {
		return ""
	}
	return ident.Key()
}
