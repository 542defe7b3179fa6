package business

import (
	"errors"
	"fmt"

	"github.com/antinvestor/service-escrow/service/models"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind groups errors by how callers must react to them.
type Kind int

const (
	KindValidation Kind = iota
	KindConflict
	KindGateway
	KindRetryable
	KindIntegrity
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindGateway:
		return "gateway"
	case KindRetryable:
		return "retryable"
	case KindIntegrity:
		return "integrity"
	}
	return "internal"
}

// Error is a classified business error. It converts to a gRPC status.
type Error struct {
	Kind    Kind
	Code    codes.Code
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

func newError(kind Kind, code codes.Code, reason, message string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason, Message: message}
}

var (
	ErrInitializationFail = newError(KindInternal, codes.Internal, "initialization_failed", "internal configuration is invalid")

	ErrTransactionNotFound = newError(KindValidation, codes.NotFound, "transaction_not_found", "specified transaction does not exist")
	ErrPaymentNotFound     = newError(KindValidation, codes.NotFound, "payment_not_found", "specified payment does not exist")
	ErrInvalidRequest      = newError(KindValidation, codes.InvalidArgument, "invalid_request", "invalid request")
	ErrInvalidAmount       = newError(KindValidation, codes.InvalidArgument, "invalid_amount", "amount must be positive and in whole minor units")
	ErrOverpayment         = newError(KindValidation, codes.InvalidArgument, "overpayment", "amount exceeds the outstanding balance")
	ErrForbidden           = newError(KindValidation, codes.PermissionDenied, "forbidden", "caller is not a party to this transaction")
	ErrUnknownParty        = newError(KindValidation, codes.InvalidArgument, "unknown_party", "buyer or seller profile does not exist")
	ErrMalformedPayload    = newError(KindValidation, codes.InvalidArgument, "malformed_payload", "callback payload could not be parsed")
	ErrInvalidSignature    = newError(KindValidation, codes.Unauthenticated, "invalid_signature", "callback signature is invalid")

	ErrGatewayUnavailable = newError(KindGateway, codes.Unavailable, "gateway_unavailable", "payment gateway is unavailable")
	ErrGatewayRejected    = newError(KindGateway, codes.FailedPrecondition, "gateway_rejected", "payment gateway rejected the request")
	ErrPaymentsDisabled   = newError(KindGateway, codes.Unavailable, "payments_disabled", "payments are disabled on this deployment")

	ErrLockTimeout = newError(KindRetryable, codes.Unavailable, "lock_timeout", "transaction is busy, retry later")
)

// TransitionError reports a transition whose precondition does not hold.
// The transaction is left unchanged.
type TransitionError struct {
	From   models.TransactionState
	To     models.TransactionState
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

func invalidTransition(from, to models.TransactionState, reason string) error {
	return &TransitionError{From: from, To: to, Reason: reason}
}

// DuplicateReferenceError is returned when an attempt is recorded twice
// under the same provider reference. Mismatch marks a reference reused with
// a different amount or transaction, which needs an operator.
type DuplicateReferenceError struct {
	Reference string
	Mismatch  bool
}

func (e *DuplicateReferenceError) Error() string {
	if e.Mismatch {
		return fmt.Sprintf("provider reference %s already recorded with different details", e.Reference)
	}
	return fmt.Sprintf("provider reference %s already recorded", e.Reference)
}

func (e *DuplicateReferenceError) GRPCStatus() *status.Status {
	return status.New(codes.AlreadyExists, e.Error())
}

// ConflictingFinalizationError is returned when a payment that already
// reached a terminal state is finalized again with a different outcome.
type ConflictingFinalizationError struct {
	Reference string
	Existing  models.PaymentState
	Attempted models.PaymentState
}

func (e *ConflictingFinalizationError) Error() string {
	return fmt.Sprintf("payment %s already finalized as %s, refusing %s", e.Reference, e.Existing, e.Attempted)
}

func (e *ConflictingFinalizationError) GRPCStatus() *status.Status {
	return status.New(codes.Aborted, e.Error())
}

// IndeterminateError is returned when the gateway may or may not have
// accepted a request. The caller polls Reference instead of assuming.
type IndeterminateError struct {
	Reference string
	Cause     error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("gateway outcome for %s is unknown: %v", e.Reference, e.Cause)
}

func (e *IndeterminateError) Unwrap() error {
	return e.Cause
}

func (e *IndeterminateError) GRPCStatus() *status.Status {
	return status.New(codes.Unknown, e.Error())
}

// IntegrityError stops automatic processing of a transaction until an
// operator clears the hold.
type IntegrityError struct {
	TransactionID string
	Reason        string
	Total         decimal.Decimal
	Limit         decimal.Decimal
	// detected marks a new violation; the error for an existing hold leaves
	// it unset.
	detected bool
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("transaction %s on integrity hold: %s", e.TransactionID, e.Reason)
}

func (e *IntegrityError) GRPCStatus() *status.Status {
	return status.New(codes.DataLoss, e.Error())
}

// KindOf classifies any error returned by this package.
func KindOf(err error) Kind {
	var (
		be *Error
		te *TransitionError
		de *DuplicateReferenceError
		ce *ConflictingFinalizationError
		ie *IndeterminateError
		ge *IntegrityError
	)
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &be):
		return be.Kind
	case errors.As(err, &te):
		return KindValidation
	case errors.As(err, &de):
		if de.Mismatch {
			return KindConflict
		}
		return KindValidation
	case errors.As(err, &ce):
		return KindConflict
	case errors.As(err, &ie):
		return KindGateway
	case errors.As(err, &ge):
		return KindIntegrity
	}
	return KindInternal
}

// IsRetryable reports whether retrying the same call may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRetryable, KindGateway, KindInternal:
		return !errors.Is(err, ErrGatewayRejected) && !errors.Is(err, ErrPaymentsDisabled)
	}
	return false
}
