package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/anticca-payments/internal/config"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":              "postgres://localhost/anticca",
		"REDIS_URL":                 "redis://localhost:6379/0",
		"JWT_SECRET":                "secret",
		"SHOPIER_API_KEY":           "",
		"SHOPIER_API_SECRET":        "",
		"SHOPIER_INBOUND_SIGNATURE": "",
		"SHOPIER_WEBSITE_INDEX":     "",
		"RATE_LIMIT_STRATEGY":       "",
		"ADMIN_EMAILS":              "",
		"STORE_TIMEOUT":             "",
		"FRONTEND_URL":              "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, config.DefaultShopierPaymentURL, cfg.ShopierPaymentURL)
	require.Equal(t, "order", cfg.ShopierInboundSig)
	require.Equal(t, 3*time.Second, cfg.StoreTimeout)
	require.Equal(t, "sliding", cfg.RateLimitStrategy)
	require.False(t, cfg.ShopierConfigured())
	require.Equal(t, ":8080", cfg.HTTPAddr())
}

func TestLoadAdminEmailsAndFrontend(t *testing.T) {
	env := baseEnv()
	env["ADMIN_EMAILS"] = " Owner@Anticca.com , ops@anticca.com,"
	env["FRONTEND_URL"] = "https://anticca.com/"
	env["SHOPIER_API_KEY"] = "key"
	env["SHOPIER_API_SECRET"] = "s3cret"
	env["STORE_TIMEOUT"] = "750ms"

	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, []string{"owner@anticca.com", "ops@anticca.com"}, cfg.AdminEmails)
	require.Equal(t, "https://anticca.com", cfg.FrontendURL)
	require.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	require.True(t, cfg.ShopierConfigured())
}

func TestLoadRejectsUnknownInboundScheme(t *testing.T) {
	env := baseEnv()
	env["SHOPIER_INBOUND_SIGNATURE"] = "amount"
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestLoadRejectsWebsiteIndexOutOfRange(t *testing.T) {
	env := baseEnv()
	env["SHOPIER_WEBSITE_INDEX"] = "7"
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestLoadRequiresDatabase(t *testing.T) {
	env := baseEnv()
	env["DATABASE_URL"] = ""
	_, err := config.LoadForTests(env)
	require.EqualError(t, err, "DATABASE_URL is required")
}
