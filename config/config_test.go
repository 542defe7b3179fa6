package config

import (
	"testing"
	"time"

	"github.com/pitabwire/frame"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("VERIFICATION_WINDOW", "72h")
	t.Setenv("PLATFORM_FEE_RATE", "0.015")
	t.Setenv("CURRENCY", "kes")

	cfg, err := frame.ConfigFromEnv[EscrowConfig]()
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cfg.VerificationWindow)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.False(t, cfg.PaymentsEnabled())

	settings, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, "KES", settings.Currency)
	assert.Equal(t, int32(2), settings.MinorUnits)
	assert.True(t, settings.FeeRate.Equal(decimal.RequireFromString("0.015")))
	assert.True(t, settings.Tolerance.IsZero())
}

func TestPaymentsEnabled(t *testing.T) {
	cfg := EscrowConfig{GatewayBaseURL: "https://sandbox.example", GatewayMerchantCode: "0011"}
	assert.False(t, cfg.PaymentsEnabled())

	cfg.GatewayConsumerSecret = "  "
	assert.False(t, cfg.PaymentsEnabled())

	cfg.GatewayConsumerSecret = "secret"
	assert.True(t, cfg.PaymentsEnabled())
	assert.Equal(t, "0011", cfg.GatewayConfig().MerchantCode)
}

func TestSettingsRejectsBadDecimals(t *testing.T) {
	cfg := EscrowConfig{OverpaymentTolerance: "ten", PlatformFeeRate: "0.02"}
	_, err := cfg.Settings()
	assert.ErrorContains(t, err, "OVERPAYMENT_TOLERANCE")

	cfg = EscrowConfig{OverpaymentTolerance: "0", PlatformFeeRate: "2%"}
	_, err = cfg.Settings()
	assert.ErrorContains(t, err, "PLATFORM_FEE_RATE")
}
