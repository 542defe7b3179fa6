// Package gateway holds the payment provider contract the escrow engine
// talks to. Provider wire formats and signing schemes stay behind Adapter.
package gateway

//go:generate mockgen -source=gateway.go -destination=mock_adapter.go -package=gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomePending   Outcome = "PENDING"
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
)

func (o Outcome) IsTerminal() bool {
	return o == OutcomeCompleted || o == OutcomeFailed
}

var (
	// ErrUnavailable means the provider definitely did not accept the request.
	ErrUnavailable = errors.New("payment provider unavailable")
	// ErrIndeterminate means the request may or may not have been accepted.
	ErrIndeterminate = errors.New("payment provider outcome unknown")
	ErrRejected      = errors.New("payment provider rejected the request")
	ErrDisabled      = errors.New("payments are disabled")

	ErrInvalidSignature = errors.New("invalid callback signature")
	ErrMalformed        = errors.New("malformed callback payload")
)

type CheckoutRequest struct {
	Reference     string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Channel       string
	MobileNumber  string
	Description   string
}

type Checkout struct {
	CheckoutReference string
	RedirectTarget    string
	Message           string
}

// Notification is the provider neutral view of a payment outcome, whether
// it arrived by callback or by status poll.
type Notification struct {
	ProviderReference string
	Outcome           Outcome
	Amount            decimal.Decimal
	Currency          string
	Message           string
	Metadata          map[string]any
}

type RefundRequest struct {
	Reference         string
	TransactionID     string
	Amount            decimal.Decimal
	Currency          string
	PaymentReferences []string
}

type RefundResult struct {
	Reference string
	Accepted  bool
	Message   string
}

type Adapter interface {
	Name() string
	// NewReference mints the reference a checkout is registered under with
	// the provider. Callbacks and status polls key on it.
	NewReference() string
	Initiate(ctx context.Context, request CheckoutRequest) (*Checkout, error)
	CheckStatus(ctx context.Context, reference string) (*Notification, error)
	Refund(ctx context.Context, request RefundRequest) (*RefundResult, error)
	// VerifySignature authenticates a raw callback body before anything
	// parses it.
	VerifySignature(body []byte, signature string) error
	ParseCallback(body []byte) (*Notification, error)
}

// IsDisabled reports whether the adapter is the payments-disabled stand-in.
func IsDisabled(adapter Adapter) bool {
	_, ok := adapter.(*Disabled)
	return ok
}
