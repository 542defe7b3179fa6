package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type providerStub struct {
	server     *httptest.Server
	authCalls  atomic.Int32
	lastPush   stkPushRequest
	pushStatus int
	pushBody   string
	pushDelay  time.Duration
}

func newProviderStub(t *testing.T) *providerStub {
	t.Helper()
	stub := &providerStub{pushStatus: http.StatusOK, pushBody: `{"status":true,"code":0,"message":"request accepted"}`}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /authentication/api/v3/authenticate/merchant", func(w http.ResponseWriter, r *http.Request) {
		stub.authCalls.Add(1)
		if r.Header.Get("Api-Key") != "api-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"token-1","tokenType":"Bearer"}`))
	})
	mux.HandleFunc("POST /v3-apis/payment-api/v3.0/stkussdpush/initiate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&stub.lastPush)
		if stub.pushDelay > 0 {
			time.Sleep(stub.pushDelay)
		}
		w.WriteHeader(stub.pushStatus)
		_, _ = w.Write([]byte(stub.pushBody))
	})
	mux.HandleFunc("POST /api-checkout/api/v1/create/payment-link", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":true,"message":"created","data":{"paymentLinkRef":"PL1","link":"https://pay.example/PL1"}}`))
	})
	mux.HandleFunc("GET /v3-apis/transaction-api/v3.0/payments/{reference}", func(w http.ResponseWriter, r *http.Request) {
		state := "PENDING"
		switch r.PathValue("reference") {
		case "PAID":
			state = "SUCCESS"
		case "LOST":
			state = "FAILED"
		}
		_, _ = w.Write([]byte(`{"status":true,"data":{"state":"` + state + `","amount":"2500.00","currency":"KES"}}`))
	})
	mux.HandleFunc("POST /v3-apis/transaction-api/v3.0/refunds", func(w http.ResponseWriter, r *http.Request) {
		var req refundRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Reference == "refund-denied" {
			_, _ = w.Write([]byte(`{"status":false,"code":1102,"message":"insufficient float"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":true,"state":"ACCEPTED","reference":"` + req.Reference + `"}`))
	})

	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *providerStub) client(timeout time.Duration) *MobileMoney {
	return NewMobileMoney(Config{
		BaseURL:        s.server.URL,
		MerchantCode:   "9876543210",
		MerchantName:   "Escrow Ltd",
		AccountNumber:  "0011547896523",
		CountryCode:    "KE",
		ConsumerSecret: "consumer",
		APIKey:         "api-key",
		CallbackURL:    "https://escrow.example/payments/callback",
		CallbackSecret: "s3cret",
		Timeout:        timeout,
		MinorUnits:     2,
	})
}

func stkRequest(reference string) CheckoutRequest {
	return CheckoutRequest{
		Reference:    reference,
		Amount:       decimal.RequireFromString("2500"),
		Currency:     "KES",
		Channel:      ChannelMpesa,
		MobileNumber: "254700000000",
	}
}

func TestInitiateSTKPush(t *testing.T) {
	stub := newProviderStub(t)
	client := stub.client(time.Second)
	ctx := context.Background()

	checkout, err := client.Initiate(ctx, stkRequest("REF1"))
	require.NoError(t, err)
	assert.Equal(t, "REF1", checkout.CheckoutReference)
	assert.Equal(t, "2500.00", stub.lastPush.Payment.Amount)
	assert.Equal(t, "Safaricom", stub.lastPush.Payment.Telco)

	_, err = client.Initiate(ctx, stkRequest("REF2"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), stub.authCalls.Load(), "token should be cached")
}

func TestInitiateClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "service unavailable", status: http.StatusServiceUnavailable, body: `{}`, want: ErrUnavailable},
		{name: "bad gateway", status: http.StatusBadGateway, body: `{}`, want: ErrUnavailable},
		{name: "internal error", status: http.StatusInternalServerError, body: `{}`, want: ErrIndeterminate},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, body: `{}`, want: ErrIndeterminate},
		{name: "bad request", status: http.StatusBadRequest, body: `{"message":"bad msisdn"}`, want: ErrRejected},
		{name: "declined in body", status: http.StatusOK, body: `{"status":false,"code":110,"message":"declined"}`, want: ErrRejected},
		{name: "garbled success", status: http.StatusOK, body: `<html>`, want: ErrIndeterminate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newProviderStub(t)
			stub.pushStatus = tt.status
			stub.pushBody = tt.body

			_, err := stub.client(time.Second).Initiate(context.Background(), stkRequest("REF1"))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInitiateTimeoutIsIndeterminate(t *testing.T) {
	stub := newProviderStub(t)
	stub.pushDelay = 300 * time.Millisecond

	_, err := stub.client(100*time.Millisecond).Initiate(context.Background(), stkRequest("REF1"))
	assert.ErrorIs(t, err, ErrIndeterminate)
}

func TestInitiateUnreachableIsUnavailable(t *testing.T) {
	stub := newProviderStub(t)
	client := stub.client(time.Second)
	stub.server.Close()

	_, err := client.Initiate(context.Background(), stkRequest("REF1"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestInitiateValidation(t *testing.T) {
	stub := newProviderStub(t)
	client := stub.client(time.Second)

	request := stkRequest("REF1")
	request.Channel = "pigeon"
	_, err := client.Initiate(context.Background(), request)
	assert.ErrorIs(t, err, ErrRejected)

	request = stkRequest("REF1")
	request.MobileNumber = ""
	_, err = client.Initiate(context.Background(), request)
	assert.ErrorIs(t, err, ErrRejected)

	request = stkRequest("REF1")
	request.Amount = decimal.Zero
	_, err = client.Initiate(context.Background(), request)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestInitiateCardUsesPaymentLink(t *testing.T) {
	stub := newProviderStub(t)
	request := stkRequest("REF1")
	request.Channel = ChannelCard
	request.Description = "Plot 12"

	checkout, err := stub.client(time.Second).Initiate(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/PL1", checkout.RedirectTarget)
}

func TestCheckStatus(t *testing.T) {
	stub := newProviderStub(t)
	client := stub.client(time.Second)
	ctx := context.Background()

	n, err := client.CheckStatus(ctx, "PAID")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, n.Outcome)
	assert.True(t, n.Amount.Equal(decimal.RequireFromString("2500")))

	n, err = client.CheckStatus(ctx, "LOST")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, n.Outcome)

	n, err = client.CheckStatus(ctx, "WAITING")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, n.Outcome)
}

func TestRefund(t *testing.T) {
	stub := newProviderStub(t)
	client := stub.client(time.Second)
	ctx := context.Background()

	result, err := client.Refund(ctx, RefundRequest{
		Reference: "refund-tx1", Amount: decimal.RequireFromString("100"), Currency: "KES",
		PaymentReferences: []string{"REF1"},
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	_, err = client.Refund(ctx, RefundRequest{
		Reference: "refund-denied", Amount: decimal.RequireFromString("100"), Currency: "KES",
	})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestParseCallback(t *testing.T) {
	client := NewMobileMoney(Config{MinorUnits: 2})

	n, err := client.ParseCallback([]byte(`{"status":true,"transactionReference":"REF1","requestAmount":"2500","debitedAmount":"2500","charge":"0","currency":"KES"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, n.Outcome)
	assert.Equal(t, "REF1", n.ProviderReference)
	assert.True(t, n.Amount.Equal(decimal.NewFromInt(2500)))

	n, err = client.ParseCallback([]byte(`{"status":false,"transactionReference":"REF2","requestAmount":"2500","message":"cancelled by user"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, n.Outcome)

	_, err = client.ParseCallback([]byte(`{"status":true,"transactionReference":"REF3"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = client.ParseCallback([]byte(`{"status":true}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = client.ParseCallback([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDisabledAdapter(t *testing.T) {
	adapter := NewDisabled("s3cret")
	_, err := adapter.Initiate(context.Background(), stkRequest("REF1"))
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NotEmpty(t, adapter.NewReference())

	body := []byte(`{}`)
	assert.NoError(t, adapter.VerifySignature(body, SignHMAC("s3cret", body)))
}
