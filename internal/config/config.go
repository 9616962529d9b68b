// Package config holds the process-wide, read-only runtime configuration.
//
// A Config value is built once at startup and passed down to the components
// that need it. Nothing in this package mutates a Config after construction.
package config

import (
	"os"
	"strconv"
	"time"
)

// Default endpoint templates for the upstream data sources. Both take a
// single %s verb: the crypto URL expects an upper-cased ticker symbol, the
// search URL a URL-escaped query string.
const (
	DefaultCryptoURL = "https://min-api.cryptocompare.com/data/price?fsym=%s&tsyms=USD,EUR"
	DefaultSearchURL = "https://api.duckduckgo.com/?q=%s&format=json"
)

// Config carries every runtime knob for the server and the pattern handlers.
type Config struct {
	// Addr is the listen address for the HTTP server, e.g. ":8080".
	Addr string

	// DBPath is the SQLite file backing the connection ledger. An empty
	// value disables the ledger entirely.
	DBPath string

	// Topics is the allow-list for the search-subscribe pattern. Checked
	// once per connection; connections for any other topic are rejected
	// with an invalid-data close.
	Topics []string

	// CryptoURL and SearchURL are fmt templates for the upstream sources.
	CryptoURL string
	SearchURL string

	// ProducerInterval paces the plain and JSON producers between sends.
	// Zero is allowed and means "send as fast as the peer accepts".
	ProducerInterval time.Duration

	// TimerInterval paces the timer pattern. Roughly one second in
	// production; tests shrink it.
	TimerInterval time.Duration

	// CryptoInterval is the minimum gap between upstream price requests.
	// The public API is throttled, so be nice.
	CryptoInterval time.Duration

	// SubscribeMinDelay and SubscribeMaxDelay bound the uniform random
	// pause between items pushed by the search-subscribe pattern.
	SubscribeMinDelay time.Duration
	SubscribeMaxDelay time.Duration

	// UpstreamTimeout bounds each individual upstream HTTP request.
	UpstreamTimeout time.Duration

	// UpstreamRetries is how many times a transient upstream fault is
	// retried before it becomes fatal to the session loop.
	UpstreamRetries int
}

// Default returns the configuration used when no environment overrides are set.
func Default() *Config {
	return &Config{
		Addr:              ":8080",
		DBPath:            "data/connections.db",
		Topics:            []string{"games", "puzzles", "vacations", "programs", "jobs", "music", "travel"},
		CryptoURL:         DefaultCryptoURL,
		SearchURL:         DefaultSearchURL,
		ProducerInterval:  100 * time.Millisecond,
		TimerInterval:     time.Second,
		CryptoInterval:    1500 * time.Millisecond,
		SubscribeMinDelay: time.Second,
		SubscribeMaxDelay: 5 * time.Second,
		UpstreamTimeout:   10 * time.Second,
		UpstreamRetries:   2,
	}
}

// FromEnv builds a Config from the process environment, falling back to the
// defaults for anything unset.
func FromEnv() *Config {
	cfg := Default()

	cfg.Addr = getEnv("ADDR", cfg.Addr)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.CryptoURL = getEnv("CRYPTO_URL", cfg.CryptoURL)
	cfg.SearchURL = getEnv("SEARCH_URL", cfg.SearchURL)

	cfg.ProducerInterval = getDuration("PRODUCER_INTERVAL", cfg.ProducerInterval)
	cfg.TimerInterval = getDuration("TIMER_INTERVAL", cfg.TimerInterval)
	cfg.CryptoInterval = getDuration("CRYPTO_INTERVAL", cfg.CryptoInterval)
	cfg.SubscribeMinDelay = getDuration("SUBSCRIBE_MIN_DELAY", cfg.SubscribeMinDelay)
	cfg.SubscribeMaxDelay = getDuration("SUBSCRIBE_MAX_DELAY", cfg.SubscribeMaxDelay)
	cfg.UpstreamTimeout = getDuration("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	cfg.UpstreamRetries = getInt("UPSTREAM_RETRIES", cfg.UpstreamRetries)

	if cfg.SubscribeMaxDelay < cfg.SubscribeMinDelay {
		cfg.SubscribeMaxDelay = cfg.SubscribeMinDelay
	}

	return cfg
}

// AllowsTopic reports whether topic is on the subscribe allow-list.
func (c *Config) AllowsTopic(topic string) bool {
	for _, t := range c.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration parses an environment variable as a time.Duration.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// getInt parses an environment variable as an int.
func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
