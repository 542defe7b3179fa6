package gateway

import (
	"context"

	"github.com/rs/xid"
)

// Disabled stands in for a provider when no gateway credentials are
// configured. Every provider call fails with ErrDisabled.
type Disabled struct {
	callbackSecret string
}

func NewDisabled(callbackSecret string) *Disabled {
	return &Disabled{callbackSecret: callbackSecret}
}

func (d *Disabled) Name() string {
	return "disabled"
}

func (d *Disabled) NewReference() string {
	return xid.New().String()
}

func (d *Disabled) Initiate(_ context.Context, _ CheckoutRequest) (*Checkout, error) {
	return nil, ErrDisabled
}

func (d *Disabled) CheckStatus(_ context.Context, _ string) (*Notification, error) {
	return nil, ErrDisabled
}

func (d *Disabled) Refund(_ context.Context, _ RefundRequest) (*RefundResult, error) {
	return nil, ErrDisabled
}

func (d *Disabled) VerifySignature(body []byte, signature string) error {
	return VerifyHMAC(d.callbackSecret, body, signature)
}

func (d *Disabled) ParseCallback(_ []byte) (*Notification, error) {
	return nil, ErrDisabled
}
