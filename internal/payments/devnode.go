// ABOUTME: In-process Lightning fake for development and tests.
// ABOUTME: Issues synthetic payment requests and auto-settles them.

package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// devPollInterval is how often the dev node checks for due settlements.
const devPollInterval = 100 * time.Millisecond

type scheduled struct {
	paymentRequest string
	settleAt       time.Time
}

// DevNode is a fake Lightning node. Every invoice it issues settles
// automatically after settleDelay, so the full notice/ack path can be
// exercised without a real node or real payments.
type DevNode struct {
	settleDelay time.Duration
	logger      *slog.Logger
	events      chan Event

	mu    sync.Mutex
	queue []scheduled
}

// NewDevNode creates a dev node that settles invoices settleDelay after
// issuance.
func NewDevNode(settleDelay time.Duration, logger *slog.Logger) *DevNode {
	return &DevNode{
		settleDelay: settleDelay,
		logger:      logger.With("component", "devnode"),
		events:      make(chan Event, 64),
	}
}

// CreateInvoice issues a synthetic payment request. The expiry is accepted
// for interface compatibility; dev invoices never expire.
func (n *DevNode) CreateInvoice(_ context.Context, amountSats int64, _ time.Duration) (string, error) {
	if amountSats <= 0 {
		return "", fmt.Errorf("invalid invoice amount: %d", amountSats)
	}

	paymentRequest := "lndev1" + strings.ReplaceAll(uuid.New().String(), "-", "")

	n.mu.Lock()
	n.queue = append(n.queue, scheduled{
		paymentRequest: paymentRequest,
		settleAt:       time.Now().Add(n.settleDelay),
	})
	n.mu.Unlock()

	n.logger.Debug("issued dev invoice",
		"payment_request", paymentRequest,
		"amount_sats", amountSats,
	)
	n.emit(Event{PaymentRequest: paymentRequest, State: StateOpen})
	return paymentRequest, nil
}

// Events returns the invoice state change stream.
func (n *DevNode) Events() <-chan Event {
	return n.events
}

// Run settles due invoices until ctx is canceled.
func (n *DevNode) Run(ctx context.Context) error {
	ticker := time.NewTicker(devPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.settleDue(time.Now())
		}
	}
}

func (n *DevNode) settleDue(now time.Time) {
	n.mu.Lock()
	var due []scheduled
	kept := n.queue[:0]
	for _, s := range n.queue {
		if now.Before(s.settleAt) {
			kept = append(kept, s)
		} else {
			due = append(due, s)
		}
	}
	n.queue = kept
	n.mu.Unlock()

	for _, s := range due {
		n.logger.Info("dev invoice settled", "payment_request", s.paymentRequest)
		n.emit(Event{PaymentRequest: s.paymentRequest, State: StateSettled})
	}
}

// emit never blocks: if the consumer has fallen behind the buffer, the
// event is dropped with a warning. Acceptable for a dev backend only.
func (n *DevNode) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.Warn("event buffer full, dropping",
			"payment_request", ev.PaymentRequest,
			"state", ev.State.String(),
		)
	}
}
