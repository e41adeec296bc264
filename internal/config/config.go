package config

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

type Config struct {
	APIBaseURL   string
	MediaBaseURL string

	// CachePath is the bbolt file backing the offline message cache.
	// Empty disables local caching.
	CachePath     string
	MediaCacheDir string

	HTTPTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int

	ConversationTTL time.Duration
	UnreadTTL       time.Duration
}

func Load() (*Config, error) {
	httpTimeout, err := time.ParseDuration(getEnv("HOLLOW_HTTP_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("HOLLOW_HTTP_TIMEOUT: %w", err)
	}

	baseDelay, err := time.ParseDuration(getEnv("HOLLOW_RECONNECT_BASE_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("HOLLOW_RECONNECT_BASE_DELAY: %w", err)
	}

	conversationTTL, err := time.ParseDuration(getEnv("HOLLOW_CONVERSATION_TTL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("HOLLOW_CONVERSATION_TTL: %w", err)
	}

	unreadTTL, err := time.ParseDuration(getEnv("HOLLOW_UNREAD_TTL", "15s"))
	if err != nil {
		return nil, fmt.Errorf("HOLLOW_UNREAD_TTL: %w", err)
	}

	cfg := &Config{
		APIBaseURL:           getEnv("HOLLOW_API_URL", "http://127.0.0.1:8080"),
		MediaBaseURL:         getEnv("HOLLOW_MEDIA_URL", ""),
		CachePath:            getEnv("HOLLOW_CACHE_FILE", "hollow.db"),
		MediaCacheDir:        getEnv("HOLLOW_MEDIA_CACHE_DIR", "media-cache"),
		HTTPTimeout:          httpTimeout,
		ReconnectBaseDelay:   baseDelay,
		ReconnectMaxAttempts: 5,
		ConversationTTL:      conversationTTL,
		UnreadTTL:            unreadTTL,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("HOLLOW_API_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("HOLLOW_API_URL must use http or https, got %q", u.Scheme)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP timeout must be greater than 0")
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
