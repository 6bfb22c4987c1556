// ABOUTME: Tests for settlement tracking, redelivery, and acknowledgment.
// ABOUTME: Uses a scripted SendFunc instead of real connections.

package settlement

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnvend/vend-gateway/internal/identity"
)

var (
	devA = identity.Device{Owner: "op-1", DeviceID: "dev-a"}
	devB = identity.Device{Owner: "op-1", DeviceID: "dev-b"}
)

// scriptedSend is a SendFunc whose online state and ack behavior the test
// controls. When autoAck is set, the continuation fires synchronously.
type scriptedSend struct {
	online  bool
	autoAck bool
	sent    []string
}

func (s *scriptedSend) send(_ context.Context, _ identity.Device, paymentRequest string, onAck func()) bool {
	if !s.online {
		return false
	}
	s.sent = append(s.sent, paymentRequest)
	if s.autoAck {
		onAck()
	}
	return true
}

func newTestTracker(send *scriptedSend) *Tracker {
	return New(send.send, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestObserveAndDeliverOnline(t *testing.T) {
	send := &scriptedSend{online: true, autoAck: true}
	tr := newTestTracker(send)

	tr.RecordInvoiceCreator("lnbc-1", devA, 5*time.Minute)

	dev, ok := tr.ObserveSettlement("lnbc-1")
	require.True(t, ok)
	assert.Equal(t, devA, dev)

	require.True(t, tr.Deliver(context.Background(), dev, "lnbc-1"))
	assert.Equal(t, []string{"lnbc-1"}, send.sent)

	// autoAck already cleared the record
	assert.Empty(t, tr.UnackedFor(devA))
}

func TestUnattributableSettlement(t *testing.T) {
	send := &scriptedSend{online: true}
	tr := newTestTracker(send)

	_, ok := tr.ObserveSettlement("lnbc-unknown")
	assert.False(t, ok)
	assert.Empty(t, send.sent)
}

func TestRecordSurvivesFailedDelivery(t *testing.T) {
	send := &scriptedSend{online: false}
	tr := newTestTracker(send)

	tr.RecordInvoiceCreator("lnbc-1", devA, 5*time.Minute)
	dev, ok := tr.ObserveSettlement("lnbc-1")
	require.True(t, ok)

	// Device offline: delivery misses, record stays.
	assert.False(t, tr.Deliver(context.Background(), dev, "lnbc-1"))
	assert.Equal(t, []string{"lnbc-1"}, tr.UnackedFor(devA))
}

func TestTryDeliverFlushesOnReconnect(t *testing.T) {
	send := &scriptedSend{online: false}
	tr := newTestTracker(send)

	tr.RecordInvoiceCreator("lnbc-1", devA, 5*time.Minute)
	tr.RecordInvoiceCreator("lnbc-2", devA, 5*time.Minute)
	tr.RecordInvoiceCreator("lnbc-3", devB, 5*time.Minute)

	for _, pr := range []string{"lnbc-1", "lnbc-2", "lnbc-3"} {
		_, ok := tr.ObserveSettlement(pr)
		require.True(t, ok)
	}

	// Device comes back online; only its own settlements flush, oldest first.
	send.online = true
	send.autoAck = true
	assert.Equal(t, 2, tr.TryDeliver(context.Background(), devA))
	assert.Equal(t, []string{"lnbc-1", "lnbc-2"}, send.sent)

	assert.Empty(t, tr.UnackedFor(devA))
	assert.Equal(t, []string{"lnbc-3"}, tr.UnackedFor(devB))
}

func TestRedeliveryUntilAcked(t *testing.T) {
	send := &scriptedSend{online: true} // delivered but never acked
	tr := newTestTracker(send)

	tr.RecordInvoiceCreator("lnbc-1", devA, 5*time.Minute)
	_, ok := tr.ObserveSettlement("lnbc-1")
	require.True(t, ok)

	require.True(t, tr.Deliver(context.Background(), devA, "lnbc-1"))
	assert.Equal(t, 1, tr.TryDeliver(context.Background(), devA))
	assert.Equal(t, []string{"lnbc-1", "lnbc-1"}, send.sent)

	// Ack removes every copy at once and is idempotent.
	assert.True(t, tr.Ack("lnbc-1"))
	assert.False(t, tr.Ack("lnbc-1"))
	assert.Empty(t, tr.UnackedFor(devA))
}

func TestAckUnknownPaymentRequest(t *testing.T) {
	tr := newTestTracker(&scriptedSend{})
	assert.False(t, tr.Ack("lnbc-never-seen"))
}

func TestCreatorOf(t *testing.T) {
	tr := newTestTracker(&scriptedSend{})

	tr.RecordInvoiceCreator("lnbc-1", devA, 5*time.Minute)

	dev, ok := tr.CreatorOf("lnbc-1")
	require.True(t, ok)
	assert.Equal(t, devA, dev)

	_, ok = tr.CreatorOf("lnbc-2")
	assert.False(t, ok)
}

func TestSweepDropsExpiredCreators(t *testing.T) {
	tr := newTestTracker(&scriptedSend{})

	tr.RecordInvoiceCreator("lnbc-old", devA, time.Millisecond)
	tr.RecordInvoiceCreator("lnbc-new", devA, time.Hour)

	tr.sweep(time.Now().Add(time.Second))

	_, ok := tr.CreatorOf("lnbc-old")
	assert.False(t, ok)
	_, ok = tr.CreatorOf("lnbc-new")
	assert.True(t, ok)
}

func TestSweepDoesNotTouchUnacked(t *testing.T) {
	tr := newTestTracker(&scriptedSend{})

	tr.RecordInvoiceCreator("lnbc-1", devA, time.Millisecond)
	_, ok := tr.ObserveSettlement("lnbc-1")
	require.True(t, ok)

	// Sweeping the expired creator must not drop the unacked settlement.
	tr.sweep(time.Now().Add(time.Second))
	assert.Equal(t, []string{"lnbc-1"}, tr.UnackedFor(devA))
}
