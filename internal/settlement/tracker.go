// ABOUTME: Tracks invoice creators and settlements awaiting device acknowledgment.
// ABOUTME: Guarantees at-least-once settlement delivery within the process lifetime.

package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lnvend/vend-gateway/internal/identity"
	"github.com/lnvend/vend-gateway/internal/metrics"
)

// sweepInterval is how often expired pending invoices are discarded.
// Housekeeping only; delivery correctness never depends on the sweep.
const sweepInterval = time.Minute

// SendFunc attempts live delivery of one settlement notice and reports
// whether a connection was found. The onAck continuation fires when the
// device acknowledges receipt.
type SendFunc func(ctx context.Context, dev identity.Device, paymentRequest string, onAck func()) bool

// pendingInvoice maps an issued payment request back to its creator.
// Read-only after creation; removed only by the expiry sweep.
type pendingInvoice struct {
	device    identity.Device
	expiresAt time.Time
}

// unacked is one settlement observed but not yet acknowledged.
type unacked struct {
	device         identity.Device
	paymentRequest string
}

// Tracker bridges the settlement event stream to bound connections.
// All state is in memory: a process restart loses unacked settlements,
// which is the known durability gap of this subsystem.
type Tracker struct {
	send    SendFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	creators map[string]pendingInvoice
	events   []unacked
}

// New creates a tracker that delivers through send. metrics may be nil.
func New(send SendFunc, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	return &Tracker{
		send:     send,
		logger:   logger.With("component", "settlement"),
		metrics:  m,
		creators: make(map[string]pendingInvoice),
	}
}

// RecordInvoiceCreator remembers which device created a payment request.
// expiry is the invoice's self-declared lifetime, used only by the sweep.
func (t *Tracker) RecordInvoiceCreator(paymentRequest string, dev identity.Device, expiry time.Duration) {
	t.mu.Lock()
	t.creators[paymentRequest] = pendingInvoice{
		device:    dev,
		expiresAt: time.Now().Add(expiry),
	}
	t.mu.Unlock()
	t.metrics.InvoiceRecorded()
}

// CreatorOf resolves the device that created a payment request.
func (t *Tracker) CreatorOf(paymentRequest string) (identity.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.creators[paymentRequest]
	return rec.device, ok
}

// ObserveSettlement records a settlement read from the payment stream.
// The unacked record is inserted before any delivery attempt, so a crash
// between recording and delivering can only cause a duplicate redelivery,
// never a silent loss. Returns the creator, or false when the payment
// request is unattributable (reported, not retried).
func (t *Tracker) ObserveSettlement(paymentRequest string) (identity.Device, bool) {
	t.mu.Lock()
	rec, ok := t.creators[paymentRequest]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("settlement for unknown payment request", "payment_request", paymentRequest)
		t.metrics.SettlementUnattributed()
		return identity.Device{}, false
	}
	t.events = append(t.events, unacked{device: rec.device, paymentRequest: paymentRequest})
	t.mu.Unlock()

	t.logger.Info("settlement observed",
		"payment_request", paymentRequest,
		"device", rec.device.Key(),
	)
	t.metrics.SettlementObserved()
	return rec.device, true
}

// Deliver attempts live delivery of a single settlement notice. The record
// stays until the device acks; a miss here is flushed by TryDeliver on the
// device's next reconnect.
func (t *Tracker) Deliver(ctx context.Context, dev identity.Device, paymentRequest string) bool {
	delivered := t.send(ctx, dev, paymentRequest, func() {
		t.Ack(paymentRequest)
	})
	if delivered {
		t.metrics.NoticeDelivered()
	}
	return delivered
}

// TryDeliver re-sends every unacked settlement for dev. Called whenever the
// device's connection (re)binds so settlements missed offline flush
// immediately. Returns how many notices were handed to a live connection.
func (t *Tracker) TryDeliver(ctx context.Context, dev identity.Device) int {
	delivered := 0
	for _, paymentRequest := range t.UnackedFor(dev) {
		if t.Deliver(ctx, dev, paymentRequest) {
			delivered++
		}
	}
	return delivered
}

// Ack removes every unacked record for the payment request. Idempotent:
// acking an unknown or already-removed id returns false.
func (t *Tracker) Ack(paymentRequest string) bool {
	t.mu.Lock()
	kept := t.events[:0]
	for _, ev := range t.events {
		if ev.paymentRequest != paymentRequest {
			kept = append(kept, ev)
		}
	}
	removed := len(t.events) - len(kept)
	t.events = kept
	t.mu.Unlock()

	if removed == 0 {
		return false
	}
	t.logger.Info("settlement acked", "payment_request", paymentRequest)
	t.metrics.SettlementAcked()
	return true
}

// UnackedFor returns the unacked payment requests for dev, oldest first.
func (t *Tracker) UnackedFor(dev identity.Device) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for _, ev := range t.events {
		if ev.device == dev {
			out = append(out, ev.paymentRequest)
		}
	}
	return out
}

// Run sweeps expired pending invoices until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	removed := 0
	for pr, rec := range t.creators {
		if now.After(rec.expiresAt) {
			delete(t.creators, pr)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Debug("swept expired invoices", "count", removed)
	}
}
