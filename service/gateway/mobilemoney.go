package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
)

const (
	ChannelMpesa  = "mpesa"
	ChannelAirtel = "airtel"
	ChannelCard   = "card"
)

var telcos = map[string]string{
	ChannelMpesa:  "Safaricom",
	ChannelAirtel: "Airtel",
}

// Config carries the merchant credentials of the mobile-money provider.
type Config struct {
	BaseURL        string
	MerchantCode   string
	MerchantName   string
	AccountNumber  string
	CountryCode    string
	ConsumerSecret string
	APIKey         string
	CallbackURL    string
	CallbackSecret string
	Timeout        time.Duration
	TokenTTL       time.Duration
	MinorUnits     int32
	// Signer is optional; sandbox environments accept unsigned requests.
	Signer *RequestSigner
}

// MobileMoney is the STK push / payment link adapter.
type MobileMoney struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewMobileMoney(cfg Config) *MobileMoney {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 10 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:       10,
		IdleConnTimeout:    30 * time.Second,
		DisableCompression: true,
	}

	return &MobileMoney{
		cfg:        cfg,
		httpClient: &http.Client{Transport: tr, Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

func (c *MobileMoney) Name() string {
	return "mobilemoney"
}

func (c *MobileMoney) NewReference() string {
	return strings.ToUpper(xid.New().String())
}

func (c *MobileMoney) Initiate(ctx context.Context, request CheckoutRequest) (*Checkout, error) {
	if request.Reference == "" || !request.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: reference and a positive amount are required", ErrRejected)
	}
	amount := request.Amount.StringFixed(c.cfg.MinorUnits)

	if request.Channel == ChannelCard {
		return c.createPaymentLink(ctx, request, amount)
	}

	telco, ok := telcos[request.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported channel %q", ErrRejected, request.Channel)
	}
	if request.MobileNumber == "" {
		return nil, fmt.Errorf("%w: mobile number is required for %s", ErrRejected, request.Channel)
	}

	payload := stkPushRequest{
		Merchant: merchant{
			AccountNumber: c.cfg.AccountNumber,
			CountryCode:   c.cfg.CountryCode,
			Name:          c.cfg.MerchantName,
		},
		Payment: stkPayment{
			Ref:          request.Reference,
			Amount:       amount,
			Currency:     request.Currency,
			Telco:        telco,
			MobileNumber: request.MobileNumber,
			Date:         c.now().UTC().Format("2006-01-02"),
			CallBackURL:  c.cfg.CallbackURL,
			PushType:     "STK",
		},
	}

	// accountNumber+ref+mobileNumber+telco+amount+currency
	signature, err := c.sign(payload.Merchant.AccountNumber, request.Reference, request.MobileNumber,
		telco, amount, request.Currency)
	if err != nil {
		return nil, err
	}

	var response stkPushResponse
	err = c.do(ctx, http.MethodPost, "/v3-apis/payment-api/v3.0/stkussdpush/initiate", payload, signature, &response)
	if err != nil {
		return nil, err
	}
	if !response.Status {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrRejected, response.Message, response.Code)
	}

	return &Checkout{CheckoutReference: request.Reference, Message: response.Message}, nil
}

func (c *MobileMoney) createPaymentLink(ctx context.Context, request CheckoutRequest, amount string) (*Checkout, error) {
	now := c.now().UTC()
	payload := paymentLinkRequest{PaymentLink: paymentLink{
		ExpiryDate:      now.AddDate(0, 0, 7).Format("2006-01-02"),
		SaleDate:        now.Format("2006-01-02"),
		PaymentLinkType: "SINGLE",
		SaleType:        "SERVICE",
		Name:            request.Description,
		Description:     request.Description,
		ExternalRef:     request.Reference,
		Amount:          amount,
		Currency:        request.Currency,
		AmountOption:    "RESTRICTED",
		CallbackURL:     c.cfg.CallbackURL,
	}}

	// expiryDate+amount+currency+amountOption+externalRef
	signature, err := c.sign(payload.PaymentLink.ExpiryDate, amount, request.Currency,
		payload.PaymentLink.AmountOption, request.Reference)
	if err != nil {
		return nil, err
	}

	var response paymentLinkResponse
	err = c.do(ctx, http.MethodPost, "/api-checkout/api/v1/create/payment-link", payload, signature, &response)
	if err != nil {
		return nil, err
	}
	if !response.Status || response.Data.Link == "" {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrRejected, response.Message, response.Code)
	}

	return &Checkout{
		CheckoutReference: request.Reference,
		RedirectTarget:    response.Data.Link,
		Message:           response.Message,
	}, nil
}

func (c *MobileMoney) CheckStatus(ctx context.Context, reference string) (*Notification, error) {
	var response statusResponse
	path := "/v3-apis/transaction-api/v3.0/payments/" + url.PathEscape(reference)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &response); err != nil {
		return nil, err
	}
	if !response.Status {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrRejected, response.Message, response.Code)
	}

	return &Notification{
		ProviderReference: reference,
		Outcome:           outcomeFromState(response.Data.State),
		Amount:            response.Data.Amount,
		Currency:          response.Data.Currency,
		Message:           response.Message,
	}, nil
}

func (c *MobileMoney) Refund(ctx context.Context, request RefundRequest) (*RefundResult, error) {
	if request.Reference == "" || !request.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: reference and a positive amount are required", ErrRejected)
	}
	amount := request.Amount.StringFixed(c.cfg.MinorUnits)
	payload := refundRequest{
		MerchantCode:       c.cfg.MerchantCode,
		Reference:          request.Reference,
		OriginalReferences: request.PaymentReferences,
		Amount:             amount,
		Currency:           request.Currency,
	}

	signature, err := c.sign(request.Reference, amount, request.Currency)
	if err != nil {
		return nil, err
	}

	var response refundResponse
	err = c.do(ctx, http.MethodPost, "/v3-apis/transaction-api/v3.0/refunds", payload, signature, &response)
	if err != nil {
		return nil, err
	}

	state := strings.ToUpper(response.State)
	if !response.Status || (state != "ACCEPTED" && state != "COMPLETED") {
		return nil, fmt.Errorf("%w: refund %s: %s (code %d)", ErrRejected, state, response.Message, response.Code)
	}
	return &RefundResult{Reference: request.Reference, Accepted: true, Message: response.Message}, nil
}

func (c *MobileMoney) VerifySignature(body []byte, signature string) error {
	return VerifyHMAC(c.cfg.CallbackSecret, body, signature)
}

func (c *MobileMoney) ParseCallback(body []byte) (*Notification, error) {
	var callback stkCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if callback.Transaction == "" {
		return nil, fmt.Errorf("%w: missing transactionReference", ErrMalformed)
	}

	notification := &Notification{
		ProviderReference: callback.Transaction,
		Outcome:           OutcomeFailed,
		Amount:            callback.RequestAmount,
		Currency:          callback.Currency,
		Message:           callback.Message,
		Metadata: map[string]any{
			"code":            callback.Code,
			"telco":           callback.TelcoName,
			"telco_reference": callback.Telco,
			"mobile_number":   callback.MobileNumber,
			"charge":          callback.Charge.String(),
		},
	}
	if callback.Status {
		notification.Outcome = OutcomeCompleted
		notification.Amount = callback.DebitedAmount
		if !notification.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: completed callback without a debited amount", ErrMalformed)
		}
	}
	return notification, nil
}

func outcomeFromState(state string) Outcome {
	switch strings.ToUpper(state) {
	case "COMPLETED", "SUCCESS", "SUCCESSFUL", "PAID":
		return OutcomeCompleted
	case "FAILED", "CANCELLED", "DECLINED", "EXPIRED":
		return OutcomeFailed
	}
	return OutcomePending
}

func (c *MobileMoney) sign(fields ...string) (string, error) {
	if c.cfg.Signer == nil {
		return "", nil
	}
	signature, err := c.cfg.Signer.Sign(fields...)
	if err != nil {
		// nothing has been sent yet
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return signature, nil
}

func (c *MobileMoney) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"merchantCode":   c.cfg.MerchantCode,
		"consumerSecret": c.cfg.ConsumerSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/authentication/api/v3/authenticate/merchant", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// no payment request has been sent, so this is never indeterminate
		return "", fmt.Errorf("%w: authenticating: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: authenticating: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", fmt.Errorf("%w: authentication refused: %s", ErrRejected, resp.Status)
		}
		return "", fmt.Errorf("%w: authentication failed: %s", ErrUnavailable, resp.Status)
	}

	var token tokenResponse
	if err := json.Unmarshal(respBody, &token); err != nil || token.AccessToken == "" {
		return "", fmt.Errorf("%w: unreadable token response", ErrUnavailable)
	}

	c.token = token.AccessToken
	c.tokenExpiry = c.now().Add(c.cfg.TokenTTL)
	return c.token, nil
}

func (c *MobileMoney) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *MobileMoney) do(ctx context.Context, method, path string, payload any, signature string, out any) error {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		jsonBody, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return fmt.Errorf("%w: %v", ErrRejected, marshalErr)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if signature != "" {
		req.Header.Set("Signature", signature)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrIndeterminate, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: undecodable response: %v", ErrIndeterminate, err)
		}
	}
	return nil
}

// classifyTransportError separates requests that never left (dial
// failures) from requests whose fate is unknown.
func classifyTransportError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrIndeterminate, err)
}

func classifyStatus(code int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable, code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, code, snippet)
	case code >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrIndeterminate, code, snippet)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, code, snippet)
}
