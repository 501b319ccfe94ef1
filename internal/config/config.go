package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	JWTSecret   string
	MongoURI    string
	DBName      string
	SkipAuth    bool
	Environment string
	AppId       string
	HTTPTimeout time.Duration

	Jira JiraConfig
	Sync SyncConfig

	// TokenEncryptionKey is the hex encoded AES-256 key used for tokens at rest.
	TokenEncryptionKey string

	LocalStoreDriver string // "mongo", "postgres" or "mysql"
	LocalStoreDSN    string
}

// JiraConfig holds the OAuth 2.0 (3LO) app settings for Jira Cloud
type JiraConfig struct {
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	AuthURL         string
	TokenURL        string
	ResourcesURL    string
	APIBaseURL      string
	Scopes          []string
	SuccessRedirect string
}

// SyncConfig holds job queue and scheduler settings
type SyncConfig struct {
	Concurrency             int
	MaxRetries              int
	Backoff                 []time.Duration
	QueueBackend            string // "mongo" or "memory"
	Schedule                string
	ConnectionSweepSchedule string
	ConnectionMaxIdle       time.Duration
	// WebhookAutoImport imports issues that arrive by webhook unmapped
	WebhookAutoImport bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	} else {
		log.Println("Loaded .env file successfully")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:      getEnv("DB_NAME", "brd-sync"),
		SkipAuth:    getEnv("SKIP_AUTH", "false") == "true",
		Environment: getEnv("ENVIRONMENT", "development"),
		AppId:       getEnv("APP_ID", "brd-sync"),
		HTTPTimeout: getDuration("HTTP_TIMEOUT", 15*time.Second),
		Jira: JiraConfig{
			ClientID:        getEnv("JIRA_CLIENT_ID", ""),
			ClientSecret:    getEnv("JIRA_CLIENT_SECRET", ""),
			RedirectURL:     getEnv("JIRA_REDIRECT_URL", "http://localhost:8080/api/jira/callback"),
			AuthURL:         getEnv("JIRA_AUTH_URL", "https://auth.atlassian.com/authorize"),
			TokenURL:        getEnv("JIRA_TOKEN_URL", "https://auth.atlassian.com/oauth/token"),
			ResourcesURL:    getEnv("JIRA_RESOURCES_URL", "https://api.atlassian.com/oauth/token/accessible-resources"),
			APIBaseURL:      getEnv("JIRA_API_BASE_URL", "https://api.atlassian.com/ex/jira"),
			Scopes:          strings.Fields(getEnv("JIRA_SCOPES", "read:jira-work write:jira-work read:jira-user manage:jira-webhook offline_access")),
			SuccessRedirect: getEnv("OAUTH_SUCCESS_REDIRECT", "http://localhost:3000/settings/integrations"),
		},
		Sync: SyncConfig{
			Concurrency:             getInt("SYNC_CONCURRENCY", 3),
			MaxRetries:              getInt("SYNC_MAX_RETRIES", 3),
			Backoff:                 getDurations("SYNC_BACKOFF", []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, time.Minute}),
			QueueBackend:            getEnv("QUEUE_BACKEND", "mongo"),
			Schedule:                getEnv("SYNC_SCHEDULE", "*/15 * * * *"),
			ConnectionSweepSchedule: getEnv("CONNECTION_SWEEP_SCHEDULE", "0 3 * * *"),
			ConnectionMaxIdle:       getDuration("CONNECTION_MAX_IDLE", 90*24*time.Hour),
			WebhookAutoImport:       getEnv("SYNC_WEBHOOK_AUTO_IMPORT", "false") == "true",
		},
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),
		LocalStoreDriver:   getEnv("LOCAL_STORE_DRIVER", "mongo"),
		LocalStoreDSN:      getEnv("LOCAL_STORE_DSN", getEnv("POSTGRES_DSN", "")),
	}, nil
}

// JiraEnabled reports whether the OAuth app credentials are configured.
func (c *Config) JiraEnabled() bool {
	return c.Jira.ClientID != "" && c.Jira.ClientSecret != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// getDurations parses a comma separated list like "1s,5s,15s,60s".
func getDurations(key string, fallback []time.Duration) []time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			log.Printf("Invalid %s entry %q, using defaults", key, part)
			return fallback
		}
		out = append(out, d)
	}
	return out
}
