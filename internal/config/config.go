package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL       string
	AccountID         string
	RemoteSessionURL  string
	RemoteAPIToken    string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	EncryptionKey     string
	SyncInterval      time.Duration
	BatchSize         int
	MaxRetries        int
	RetryDelay        time.Duration
	WebhookSecret     string
	WebhookPort       int
	LogLevel          string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	accountID := os.Getenv("ACCOUNT_ID")
	if accountID == "" {
		return nil, fmt.Errorf("ACCOUNT_ID is required")
	}

	sessionURL := os.Getenv("REMOTE_SESSION_URL")
	if sessionURL == "" {
		return nil, fmt.Errorf("REMOTE_SESSION_URL is required")
	}

	apiToken := os.Getenv("REMOTE_API_TOKEN")
	clientID := os.Getenv("OAUTH_CLIENT_ID")
	clientSecret := os.Getenv("OAUTH_CLIENT_SECRET")
	if apiToken == "" && (clientID == "" || clientSecret == "") {
		return nil, fmt.Errorf("either REMOTE_API_TOKEN or OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET are required")
	}

	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if webhookSecret == "" {
		fmt.Println("Warning: WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}

	return &Config{
		DatabaseURL:       dbURL,
		AccountID:         accountID,
		RemoteSessionURL:  sessionURL,
		RemoteAPIToken:    apiToken,
		OAuthClientID:     clientID,
		OAuthClientSecret: clientSecret,
		OAuthTokenURL:     os.Getenv("OAUTH_TOKEN_URL"),
		EncryptionKey:     encryptionKey,
		SyncInterval:      time.Duration(envInt("SYNC_INTERVAL_MINUTES", 15)) * time.Minute,
		BatchSize:         envInt("BATCH_SIZE", 100),
		MaxRetries:        envInt("MAX_RETRIES", 3),
		RetryDelay:        time.Duration(envInt("RETRY_DELAY_MS", 5000)) * time.Millisecond,
		WebhookSecret:     webhookSecret,
		WebhookPort:       envInt("WEBHOOK_PORT", 8080),
		LogLevel:          envString("LOG_LEVEL", "info"),
	}, nil
}

// envInt reads an integer variable, falling back to def when unset or malformed
func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		fmt.Printf("Warning: invalid %s=%q, using default %d\n", key, raw, def)
		return def
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
