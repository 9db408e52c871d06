// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	Env         string
	DatabaseURL string
	AutoMigrate bool
	CORSOrigins []string

	ShutdownTimeout time.Duration

	HubBufferSize      int
	HubClosedRetention time.Duration
	RunStartRatePerMin int

	GenAIAPIKey     string
	GenAIModel      string
	RewriteMaxWords int

	FetchMode       string
	FetchRetries    int
	FetchTimeout    time.Duration
	FetchProxies    []string
	FetchRatePerSec float64
	FetchBrowserBin string

	DiscoveryTimeout time.Duration

	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	WSReadTimeout  time.Duration

	WebhookAllowedHosts []string
}

func Load() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Env:         getenv("ENV", "dev"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		AutoMigrate: getenvBool("AUTO_MIGRATE", true),
		CORSOrigins: getenvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://127.0.0.1:5173"}),

		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		HubBufferSize:      getenvInt("HUB_BUFFER_SIZE", 64),
		HubClosedRetention: getenvDuration("HUB_CLOSED_RETENTION", 5*time.Minute),
		RunStartRatePerMin: getenvInt("RUN_START_RATE_PER_MIN", 60),

		GenAIAPIKey:     getenv("GENAI_API_KEY", ""),
		GenAIModel:      getenv("GENAI_MODEL", "gemini-2.0-flash"),
		RewriteMaxWords: getenvInt("REWRITE_MAX_WORDS", 800),

		FetchMode:       strings.ToLower(getenv("FETCH_MODE", "http")),
		FetchRetries:    getenvInt("FETCH_RETRIES", 3),
		FetchTimeout:    getenvDuration("FETCH_TIMEOUT", 15*time.Second),
		FetchProxies:    getenvList("FETCH_PROXIES", nil),
		FetchRatePerSec: getenvFloat("FETCH_RATE_PER_SEC", 2),
		FetchBrowserBin: getenv("FETCH_BROWSER_BIN", ""),

		DiscoveryTimeout: getenvDuration("DISCOVERY_TIMEOUT", 10*time.Second),

		WSPingInterval: getenvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSWriteTimeout: getenvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		WSReadTimeout:  getenvDuration("WS_READ_TIMEOUT", 60*time.Second),

		WebhookAllowedHosts: getenvList("WEBHOOK_ALLOWED_HOSTS", nil),
	}
}

func getenv(key, defaultValue string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v != "" {
		return v
	}
	return defaultValue
}

func getenvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getenvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getenvFloat(key string, defaultValue float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// getenvDuration accepts Go duration strings ("30s") or a bare number of milliseconds.
func getenvDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getenvList(key string, defaultValue []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}

	out := make([]string, 0, 4)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
