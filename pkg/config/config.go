// Package config handles application configuration from environment variables.
// A .env file in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port         int
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Origin transport settings
	GlobalProxies   []string
	TransportRoutes []TransportRoute
	UTLSDomains     []string

	// Proxy target policy. Private/loopback origins are refused unless
	// explicitly allowed (simulated receivers fetching from a LAN origin).
	AllowPrivateTargets bool

	// Manifest cache
	ManifestTTLLive    time.Duration
	ManifestTTLVOD     time.Duration
	CacheSweepInterval time.Duration

	// Segment fetching
	SegmentRetryMax    int
	SegmentBackoffBase time.Duration
	SegmentBackoffMax  time.Duration
	SegmentGiveUp      time.Duration

	// Connection health
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectMax      int

	// Stall detection & recovery
	StallPollInterval    time.Duration
	BufferingStallWindow time.Duration
	IdleStallWindow      time.Duration
	IdleRetryCooldown    time.Duration
	ResetActivityWindow  time.Duration
	ResetCooldown        time.Duration
	RecoveryMax          int
	RecoverySettleDelay  time.Duration

	// Cast control
	LoadTimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool
}

// TransportRoute defines URL-specific proxy routing for origin fetches.
type TransportRoute struct {
	URLPattern string
	Proxy      string
	DisableSSL bool
	Direct     bool // If true, bypass global proxy and connect directly
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	_ = godotenv.Load()

	port := getEnvInt("PORT", 8321)
	cfg := &Config{
		Port:         port,
		BaseURL:      getEnvString("BASE_URL", fmt.Sprintf("http://localhost:%d", port)),
		ReadTimeout:  getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:  getEnvDuration("IDLE_TIMEOUT", 60*time.Second),

		GlobalProxies:       getEnvStringSlice("GLOBAL_PROXIES", nil),
		UTLSDomains:         getEnvStringSlice("UTLS_DOMAINS", nil),
		AllowPrivateTargets: getEnvBool("ALLOW_PRIVATE_TARGETS", false),

		ManifestTTLLive:    getEnvDuration("MANIFEST_TTL_LIVE", 4*time.Second),
		ManifestTTLVOD:     getEnvDuration("MANIFEST_TTL_VOD", 60*time.Second),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", 2*time.Minute),

		SegmentRetryMax:    getEnvInt("SEGMENT_RETRY_MAX", 10),
		SegmentBackoffBase: getEnvDuration("SEGMENT_BACKOFF_BASE", 200*time.Millisecond),
		SegmentBackoffMax:  getEnvDuration("SEGMENT_BACKOFF_MAX", 800*time.Millisecond),
		SegmentGiveUp:      getEnvDuration("SEGMENT_GIVE_UP", 4*time.Second),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", 10*time.Second),
		ReconnectMax:      getEnvInt("RECONNECT_MAX", 3),

		StallPollInterval:    getEnvDuration("STALL_POLL_INTERVAL", 10*time.Second),
		BufferingStallWindow: getEnvDuration("BUFFERING_STALL_WINDOW", 15*time.Second),
		IdleStallWindow:      getEnvDuration("IDLE_STALL_WINDOW", 15*time.Second),
		IdleRetryCooldown:    getEnvDuration("IDLE_RETRY_COOLDOWN", 5*time.Second),
		ResetActivityWindow:  getEnvDuration("RESET_ACTIVITY_WINDOW", 10*time.Second),
		ResetCooldown:        getEnvDuration("RESET_COOLDOWN", 30*time.Second),
		RecoveryMax:          getEnvInt("RECOVERY_MAX", 3),
		RecoverySettleDelay:  getEnvDuration("RECOVERY_SETTLE_DELAY", 2*time.Second),

		LoadTimeout: getEnvDuration("LOAD_TIMEOUT", 10*time.Second),

		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", false),
	}

	cfg.TransportRoutes = parseTransportRoutes(os.Getenv("TRANSPORT_ROUTES"))

	// Legacy single proxy support
	if globalProxy := os.Getenv("GLOBAL_PROXY"); globalProxy != "" && len(cfg.GlobalProxies) == 0 {
		cfg.GlobalProxies = []string{globalProxy}
	}

	return cfg
}

// parseTransportRoutes parses the TRANSPORT_ROUTES env var.
// Format: {URL=pattern, PROXY=url, DISABLE_SSL=true}, {URL=pattern2}
func parseTransportRoutes(s string) []TransportRoute {
	if s == "" {
		return nil
	}

	var routes []TransportRoute
	s = strings.TrimSpace(s)

	parts := strings.Split(s, "}, {")
	for _, part := range parts {
		part = strings.Trim(part, "{} ")
		if part == "" {
			continue
		}

		route := TransportRoute{}
		fields := strings.Split(part, ", ")
		for _, field := range fields {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.TrimSpace(kv[0])
			value := strings.TrimSpace(kv[1])

			switch strings.ToUpper(key) {
			case "URL":
				route.URLPattern = value
			case "PROXY":
				route.Proxy = value
			case "DISABLE_SSL":
				route.DisableSSL = strings.ToLower(value) == "true"
			case "DIRECT":
				route.Direct = strings.ToLower(value) == "true"
			}
		}
		if route.URLPattern != "" {
			routes = append(routes, route)
		}
	}

	return routes
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		// Try parsing as seconds first
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
		// Try parsing as duration string
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultVal
}
