package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// DefaultShopierPaymentURL is the hosted payment page merchant forms are posted to.
const DefaultShopierPaymentURL = "https://www.shopier.com/ShowProduct/api_pay4.php"

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string
	FrontendURL        string
	AdminEmails        []string

	ShopierAPIKey       string
	ShopierAPISecret    string
	ShopierPaymentURL   string
	ShopierCallbackURL  string
	ShopierWebsiteIndex int
	ShopierProductName  string
	ShopierInboundSig   string

	StoreTimeout          time.Duration
	WebhookReplayTTL      time.Duration
	IdempotencyTTL        time.Duration
	CreateRateLimitMax    int
	CreateRateLimitWindow time.Duration
	RateLimitStrategy     string
	BodyLimitBytes        int64

	KafkaBrokers []string
	KafkaTopic   string

	MigrateOnStart bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          strings.TrimSpace(k.String("JWT_ISSUER")),
		JWTAudience:        strings.TrimSpace(k.String("JWT_AUDIENCE")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		FrontendURL:        strings.TrimRight(strings.TrimSpace(k.String("FRONTEND_URL")), "/"),
		AdminEmails:        lowerAll(splitAndTrim(k.String("ADMIN_EMAILS"))),

		ShopierAPIKey:       strings.TrimSpace(k.String("SHOPIER_API_KEY")),
		ShopierAPISecret:    k.String("SHOPIER_API_SECRET"),
		ShopierPaymentURL:   valueOrDefault(k.String("SHOPIER_PAYMENT_URL"), DefaultShopierPaymentURL),
		ShopierCallbackURL:  strings.TrimSpace(k.String("SHOPIER_CALLBACK_URL")),
		ShopierWebsiteIndex: parseInt(k.String("SHOPIER_WEBSITE_INDEX"), 0),
		ShopierProductName:  valueOrDefault(k.String("SHOPIER_PRODUCT_NAME"), "Anticca Sipariş"),
		ShopierInboundSig:   strings.ToLower(valueOrDefault(k.String("SHOPIER_INBOUND_SIGNATURE"), "order")),

		StoreTimeout:          parseDuration(k.String("STORE_TIMEOUT"), "3s"),
		WebhookReplayTTL:      parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		IdempotencyTTL:        parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		CreateRateLimitMax:    parseInt(k.String("CREATE_RATE_LIMIT_MAX"), 20),
		CreateRateLimitWindow: parseDuration(k.String("CREATE_RATE_LIMIT_WINDOW"), "1m"),
		RateLimitStrategy:     strings.ToLower(valueOrDefault(k.String("RATE_LIMIT_STRATEGY"), "sliding")),
		BodyLimitBytes:        int64(parseInt(k.String("BODY_LIMIT_BYTES"), 64<<10)),

		KafkaBrokers: splitAndTrim(k.String("KAFKA_BROKERS")),
		KafkaTopic:   valueOrDefault(k.String("KAFKA_TOPIC"), "payment-events"),

		MigrateOnStart: parseBool(k.String("MIGRATE_ON_START")),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	switch cfg.ShopierInboundSig {
	case "order", "order_status":
	default:
		return nil, fmt.Errorf("SHOPIER_INBOUND_SIGNATURE must be order or order_status, got %q", cfg.ShopierInboundSig)
	}
	if cfg.ShopierWebsiteIndex < 0 || cfg.ShopierWebsiteIndex > 4 {
		return nil, fmt.Errorf("SHOPIER_WEBSITE_INDEX must be between 0 and 4, got %d", cfg.ShopierWebsiteIndex)
	}
	switch cfg.RateLimitStrategy {
	case "sliding", "fixed":
	default:
		return nil, fmt.Errorf("RATE_LIMIT_STRATEGY must be sliding or fixed, got %q", cfg.RateLimitStrategy)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// ShopierConfigured reports whether merchant credentials are present.
func (c *Config) ShopierConfigured() bool {
	return c.ShopierAPIKey != "" && c.ShopierAPISecret != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func lowerAll(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToLower(v)
	}
	return values
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
