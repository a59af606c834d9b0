package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"parkpay/internal/openpay"
)

// ErrConfiguration means required wallet or key material is missing or
// unreadable. The process must not start.
var ErrConfiguration = errors.New("configuration error")

// AppConfig ties together every setting read from the environment.
type AppConfig struct {
	Service    ServiceConfig
	Wallets    WalletConfig
	Client     ClientConfig
	Storage    StorageConfig
	Settlement SettlementConfig
	Telemetry  TelemetryConfig
}

type ServiceConfig struct {
	HTTPPort            int
	Env                 string
	PublicBaseURL       string
	HMACSecret          string
	HMACClockSkew       time.Duration
	// Empty header names keep the hmacauth defaults.
	HMACSignatureHeader string
	HMACTimestampHeader string
	IdempotencyWindow   time.Duration
	UpstreamTimeout     time.Duration
	PaymentDescription  string
}

type WalletConfig struct {
	PayerURL string
	PayeeURL string
	// ClientURL identifies this service in grant requests.
	ClientURL string
}

type ClientConfig struct {
	KeyID          string
	PrivateKeyPath string
	PrivateKey     ed25519.PrivateKey
}

type StorageConfig struct {
	IdempotencyStorePath string
	PostgresDSN          string
	RedisAddr            string
	WalletCacheTTL       time.Duration
}

type SettlementConfig struct {
	PollInterval time.Duration
}

type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Load reads an optional .env file and then the environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(envOr("ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: read env file: %v", ErrConfiguration, err)
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:            envOrInt("API_HTTP_PORT", 3000),
			Env:                 envOr("APP_ENV", "development"),
			HMACSecret:          envOr("HMAC_SECRET", ""),
			HMACClockSkew:       envOrDuration("HMAC_CLOCK_SKEW_SECONDS", 60, time.Second),
			HMACSignatureHeader: envOr("HMAC_SIGNATURE_HEADER", ""),
			HMACTimestampHeader: envOr("HMAC_TIMESTAMP_HEADER", ""),
			IdempotencyWindow:   envOrDuration("IDEMPOTENCY_WINDOW_SECONDS", 86400, time.Second),
			UpstreamTimeout:     envOrDuration("UPSTREAM_TIMEOUT_SECONDS", 15, time.Second),
			PaymentDescription:  envOr("PAYMENT_DESCRIPTION", "Parking fee"),
		},
		Wallets: WalletConfig{
			PayerURL: envOr("PAYER_WALLET_URL", ""),
			PayeeURL: envOr("PAYEE_WALLET_URL", ""),
		},
		Client: ClientConfig{
			KeyID:          envOr("KEY_ID", ""),
			PrivateKeyPath: envOr("PRIVATE_KEY_PATH", ""),
		},
		Storage: StorageConfig{
			IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "parkpay-idem.json")),
			PostgresDSN:          envOr("POSTGRES_DSN", ""),
			RedisAddr:            envOr("REDIS_ADDR", ""),
			WalletCacheTTL:       envOrDuration("WALLET_CACHE_TTL_SECONDS", 600, time.Second),
		},
		Settlement: SettlementConfig{
			PollInterval: envOrDuration("SETTLEMENT_POLL_INTERVAL_MS", 1000, time.Millisecond),
		},
		Telemetry: TelemetryConfig{
			Enabled:     envOrBool("OTEL_ENABLED", false),
			Endpoint:    envOr("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://localhost:4318/v1/traces"),
			ServiceName: envOr("SERVICE_NAME", "parkpay"),
		},
	}
	cfg.Wallets.ClientURL = envOr("CLIENT_WALLET_URL", cfg.Wallets.PayeeURL)
	cfg.Service.PublicBaseURL = strings.TrimRight(
		envOr("PUBLIC_BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Service.HTTPPort)), "/")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(cfg.Client.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %v", ErrConfiguration, err)
	}
	key, err := openpay.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	cfg.Client.PrivateKey = key
	return cfg, nil
}

func (c *AppConfig) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"PAYER_WALLET_URL": c.Wallets.PayerURL,
		"PAYEE_WALLET_URL": c.Wallets.PayeeURL,
		"KEY_ID":           c.Client.KeyID,
		"PRIVATE_KEY_PATH": c.Client.PrivateKeyPath,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// FinishURI is where the wallet redirects the user after consent.
func (c *AppConfig) FinishURI() string {
	return c.Service.PublicBaseURL + "/api/v1/interaction/finish"
}

func (c *AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Service.Env, "production")
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration reads an integer count of unit.
func envOrDuration(key string, fallback int, unit time.Duration) time.Duration {
	return time.Duration(envOrInt(key, fallback)) * unit
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
