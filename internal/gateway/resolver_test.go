// ABOUTME: Tests for the session token fallback chain and its
// ABOUTME: storage-error behavior.

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnvend/vend-gateway/internal/identity"
	"github.com/lnvend/vend-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve_ClaimedDevice(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddDevice(&store.Device{
		SessionToken: "token-1",
		Owner:        "op-1",
		DeviceID:     "dev-1",
	})
	r := NewResolver(ms, testLogger())

	res, err := r.Resolve(context.Background(), "token-1")
	require.NoError(t, err)
	assert.True(t, res.Claimed())
	assert.Equal(t, identity.Device{Owner: "op-1", DeviceID: "dev-1"}, res.Identity)
	assert.Nil(t, res.Unclaimed)
}

func TestResolve_UnclaimedDevice(t *testing.T) {
	ms := store.NewMockStore()
	ud, err := ms.CreateUnclaimedDevice(context.Background(), "token-1")
	require.NoError(t, err)
	r := NewResolver(ms, testLogger())

	res, err := r.Resolve(context.Background(), "token-1")
	require.NoError(t, err)
	assert.False(t, res.Claimed())
	assert.Equal(t, identity.Unclaimed{ID: ud.ID}, res.Identity)
	assert.Equal(t, ud.SetupCode, res.Unclaimed.SetupCode)
}

func TestResolve_ProvisionsUnknownToken(t *testing.T) {
	ms := store.NewMockStore()
	r := NewResolver(ms, testLogger())

	res, err := r.Resolve(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, res.Claimed())
	require.NotNil(t, res.Unclaimed)
	assert.NotEmpty(t, res.Unclaimed.SetupCode)

	// The provisioned record is durable: resolving again finds it.
	again, err := r.Resolve(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, res.Identity, again.Identity)
}

func TestResolve_StorageErrorAborts(t *testing.T) {
	ms := store.NewMockStore()
	ms.Err = errors.New("disk on fire")
	r := NewResolver(ms, testLogger())

	res, err := r.Resolve(context.Background(), "token-1")
	assert.Error(t, err)
	assert.Nil(t, res)

	// Crucially, no unclaimed device was provisioned for the token.
	ms.Err = nil
	_, err = ms.UnclaimedBySessionToken(context.Background(), "token-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
