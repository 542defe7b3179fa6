package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/antinvestor/service-escrow/service/business"
	"github.com/antinvestor/service-escrow/service/gateway"
	"github.com/pitabwire/frame"
	"github.com/shopspring/decimal"
)

type EscrowConfig struct {
	frame.ConfigurationDefault
	ProfileServiceURI string `envDefault:"127.0.0.1:7005" env:"PROFILE_SERVICE_URI"`
	VerifyParties     bool   `envDefault:"true" env:"VERIFY_PARTIES"`

	SecurelyRunService bool   `envDefault:"true" env:"SECURELY_RUN_SERVICE"`
	OperatorRole       string `envDefault:"escrow_operator" env:"OPERATOR_ROLE"`

	// Gateway settings. Leaving base URL, merchant code or consumer secret
	// empty turns payments off.
	GatewayBaseURL        string        `env:"GATEWAY_BASE_URL"`
	GatewayMerchantCode   string        `env:"GATEWAY_MERCHANT_CODE"`
	GatewayMerchantName   string        `envDefault:"Escrow" env:"GATEWAY_MERCHANT_NAME"`
	GatewayConsumerSecret string        `env:"GATEWAY_CONSUMER_SECRET"`
	GatewayAPIKey         string        `env:"GATEWAY_API_KEY"`
	GatewayPrivateKeyPath string        `env:"GATEWAY_PRIVATE_KEY_PATH"`
	GatewayCallbackURL    string        `env:"GATEWAY_CALLBACK_URL"`
	GatewayCountryCode    string        `envDefault:"KE" env:"GATEWAY_COUNTRY_CODE"`
	GatewayTimeout        time.Duration `envDefault:"30s" env:"GATEWAY_TIMEOUT"`
	WebhookSecret         string        `env:"WEBHOOK_SECRET"`
	MerchantAccount       string        `env:"MERCHANT_ACCOUNT"`

	VerificationWindow        time.Duration `envDefault:"168h" env:"VERIFICATION_WINDOW"`
	OverpaymentTolerance      string        `envDefault:"0" env:"OVERPAYMENT_TOLERANCE"`
	PlatformFeeRate           string        `envDefault:"0.02" env:"PLATFORM_FEE_RATE"`
	Currency                  string        `envDefault:"KES" env:"CURRENCY"`
	CurrencyMinorUnits        int32         `envDefault:"2" env:"CURRENCY_MINOR_UNITS"`
	InstallmentIntervalMonths int           `envDefault:"1" env:"INSTALLMENT_INTERVAL_MONTHS"`

	LockTimeout time.Duration `envDefault:"5s" env:"LOCK_TIMEOUT"`
	LockTTL     time.Duration `envDefault:"30s" env:"LOCK_TTL"`
	RedisURL    string        `env:"REDIS_URL"`

	SweepInterval    time.Duration `envDefault:"1m" env:"SWEEP_INTERVAL"`
	SweepBatch       int           `envDefault:"100" env:"SWEEP_BATCH"`
	SweepConcurrency int           `envDefault:"4" env:"SWEEP_CONCURRENCY"`
	PendingPollAfter time.Duration `envDefault:"5m" env:"PENDING_POLL_AFTER"`

	NotificationTopicURL string `envDefault:"mem://escrow-status" env:"NOTIFICATION_TOPIC_URL"`
	PayoutTopicURL       string `envDefault:"mem://escrow-payouts" env:"PAYOUT_TOPIC_URL"`
}

// PaymentsEnabled reports whether enough gateway configuration is present to
// move money.
func (c *EscrowConfig) PaymentsEnabled() bool {
	return strings.TrimSpace(c.GatewayBaseURL) != "" &&
		strings.TrimSpace(c.GatewayMerchantCode) != "" &&
		strings.TrimSpace(c.GatewayConsumerSecret) != ""
}

// Settings parses the business rules. Unparsable decimals are an error so
// the service refuses to start on them.
func (c *EscrowConfig) Settings() (business.Settings, error) {
	tolerance, err := decimal.NewFromString(c.OverpaymentTolerance)
	if err != nil {
		return business.Settings{}, fmt.Errorf("OVERPAYMENT_TOLERANCE: %w", err)
	}
	feeRate, err := decimal.NewFromString(c.PlatformFeeRate)
	if err != nil {
		return business.Settings{}, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}
	if c.CurrencyMinorUnits < 0 {
		return business.Settings{}, fmt.Errorf("CURRENCY_MINOR_UNITS must not be negative")
	}

	return business.Settings{
		Currency:                  strings.ToUpper(strings.TrimSpace(c.Currency)),
		MinorUnits:                c.CurrencyMinorUnits,
		VerificationWindow:        c.VerificationWindow,
		Tolerance:                 tolerance,
		FeeRate:                   feeRate,
		InstallmentIntervalMonths: c.InstallmentIntervalMonths,
		SweepInterval:             c.SweepInterval,
		SweepBatch:                c.SweepBatch,
		SweepConcurrency:          c.SweepConcurrency,
		PendingPollAfter:          c.PendingPollAfter,
	}, nil
}

// GatewayConfig is the mobile money adapter configuration. The request
// signer is loaded separately since it reads a key file.
func (c *EscrowConfig) GatewayConfig() gateway.Config {
	return gateway.Config{
		BaseURL:        c.GatewayBaseURL,
		MerchantCode:   c.GatewayMerchantCode,
		MerchantName:   c.GatewayMerchantName,
		AccountNumber:  c.MerchantAccount,
		CountryCode:    c.GatewayCountryCode,
		ConsumerSecret: c.GatewayConsumerSecret,
		APIKey:         c.GatewayAPIKey,
		CallbackURL:    c.GatewayCallbackURL,
		CallbackSecret: c.WebhookSecret,
		Timeout:        c.GatewayTimeout,
		MinorUnits:     c.CurrencyMinorUnits,
	}
}
