// ABOUTME: Lightning payment abstraction: invoice issuance and the
// ABOUTME: settlement event stream the gateway consumes.

package payments

import (
	"context"
	"time"
)

// InvoiceState is the lifecycle state of an issued invoice.
type InvoiceState int

const (
	StateOpen InvoiceState = iota
	StateAccepted
	StateSettled
	StateCanceled
)

func (s InvoiceState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAccepted:
		return "accepted"
	case StateSettled:
		return "settled"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Event is one invoice state change read off the node's event stream.
type Event struct {
	PaymentRequest string
	State          InvoiceState
}

// Issuer creates invoices.
type Issuer interface {
	// CreateInvoice issues an invoice for amountSats that expires after
	// expiry, returning its payment request.
	CreateInvoice(ctx context.Context, amountSats int64, expiry time.Duration) (string, error)
}

// Node is a Lightning backend: it issues invoices and streams their
// state changes. Events terminates when Run's context is canceled.
type Node interface {
	Issuer
	Events() <-chan Event
	Run(ctx context.Context) error
}
