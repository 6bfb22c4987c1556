// ABOUTME: Tests for the auto-settling dev Lightning node.

package payments

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateInvoice(t *testing.T) {
	n := NewDevNode(time.Hour, testLogger())

	pr, err := n.CreateInvoice(context.Background(), 1000, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pr, "lndev1"))

	// Issuance emits an open event immediately.
	select {
	case ev := <-n.Events():
		assert.Equal(t, Event{PaymentRequest: pr, State: StateOpen}, ev)
	default:
		t.Fatal("expected open event")
	}
}

func TestCreateInvoiceRejectsNonPositiveAmount(t *testing.T) {
	n := NewDevNode(time.Hour, testLogger())

	_, err := n.CreateInvoice(context.Background(), 0, 5*time.Minute)
	assert.Error(t, err)
	_, err = n.CreateInvoice(context.Background(), -5, 5*time.Minute)
	assert.Error(t, err)
}

func TestAutoSettle(t *testing.T) {
	n := NewDevNode(0, testLogger())

	pr, err := n.CreateInvoice(context.Background(), 100, 5*time.Minute)
	require.NoError(t, err)
	<-n.Events() // open

	n.settleDue(time.Now())

	select {
	case ev := <-n.Events():
		assert.Equal(t, Event{PaymentRequest: pr, State: StateSettled}, ev)
	default:
		t.Fatal("expected settled event")
	}
}

func TestSettleDueHonorsDelay(t *testing.T) {
	n := NewDevNode(time.Hour, testLogger())

	_, err := n.CreateInvoice(context.Background(), 100, 5*time.Minute)
	require.NoError(t, err)
	<-n.Events() // open

	n.settleDue(time.Now())
	select {
	case ev := <-n.Events():
		t.Fatalf("unexpected event before delay elapsed: %+v", ev)
	default:
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	n := NewDevNode(time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestInvoiceStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "settled", StateSettled.String())
	assert.Equal(t, "unknown", InvoiceState(42).String())
}
