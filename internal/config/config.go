package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string

	// CORS origin allow-list for the auth and admin surfaces.
	AllowedOrigins []string

	// Audit trail settings.
	AuditSignatureKey string
	AuditHashAlgo     string // "sha256" or "sha512"
	MaxEventsPerChain int

	// Rate limiting.
	RateLimitMaxEmail int
	RateLimitMaxIP    int
	RateLimitWindow   time.Duration
	LockoutDuration   time.Duration

	// Replicated key-value store cluster.
	StoreNodes    []string
	StorePassword string
	StoreTimeout  time.Duration

	// External identity provider.
	IdentityProviderURL string
	JWTSecret           string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration

	// Threat intelligence sources.
	ThreatCacheTTL      time.Duration
	ThreatSourceTimeout time.Duration
	ReputationAPIKey    string
	ReputationAPIURL    string
	MalwareFeedAPIKey   string
	MalwareFeedAPIURL   string
	HostIntelAPIKey     string
	HostIntelAPIURL     string
	GeoIPAPIURL         string
	ThreatAllowList     []string
	ThreatDenyList      []string

	// Monitoring and retention loops.
	MonitoringEnabled  bool
	MonitoringInterval time.Duration
	RetentionEnabled   bool
	RetentionSchedule  string
	RetentionDays      int
	ArchiveDir         string
	ArchiveEncryptKey  string

	// Static shoutrrr notification URLs, in addition to DB-managed providers.
	NotifyURLs []string

	// Correlation rules file (optional, YAML).
	CorrelationRulesFile string
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:  getEnv("SENTINEL_ENV", "development"),
		HTTPPort:     getEnv("SENTINEL_HTTP_PORT", "8080"),
		DatabasePath: getEnv("SENTINEL_DB_PATH", filepath.Join("data", "sentinel.db")),

		AllowedOrigins: getEnvList("SENTINEL_ALLOWED_ORIGINS", nil),

		AuditSignatureKey: getEnv("SENTINEL_AUDIT_SIGNATURE_KEY", ""),
		AuditHashAlgo:     getEnv("SENTINEL_AUDIT_HASH_ALGO", "sha256"),
		MaxEventsPerChain: getEnvInt("SENTINEL_MAX_EVENTS_PER_CHAIN", 1000),

		RateLimitMaxEmail: getEnvInt("SENTINEL_RATELIMIT_MAX_EMAIL", 5),
		RateLimitMaxIP:    getEnvInt("SENTINEL_RATELIMIT_MAX_IP", 10),
		RateLimitWindow:   getEnvDuration("SENTINEL_RATELIMIT_WINDOW", 15*time.Minute),
		LockoutDuration:   getEnvDuration("SENTINEL_LOCKOUT_DURATION", 30*time.Minute),

		StoreNodes:    getEnvList("SENTINEL_STORE_NODES", nil),
		StorePassword: getEnv("SENTINEL_STORE_PASSWORD", ""),
		StoreTimeout:  getEnvDuration("SENTINEL_STORE_TIMEOUT", 2*time.Second),

		IdentityProviderURL: getEnv("SENTINEL_IDP_URL", ""),
		JWTSecret:           getEnv("SENTINEL_JWT_SECRET", ""),
		AccessTokenTTL:      getEnvDuration("SENTINEL_ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:     getEnvDuration("SENTINEL_REFRESH_TOKEN_TTL", 7*24*time.Hour),

		ThreatCacheTTL:      getEnvDuration("SENTINEL_THREAT_CACHE_TTL", time.Hour),
		ThreatSourceTimeout: getEnvDuration("SENTINEL_THREAT_SOURCE_TIMEOUT", 5*time.Second),
		ReputationAPIKey:    getEnv("SENTINEL_REPUTATION_API_KEY", ""),
		ReputationAPIURL:    getEnv("SENTINEL_REPUTATION_API_URL", ""),
		MalwareFeedAPIKey:   getEnv("SENTINEL_MALWARE_FEED_API_KEY", ""),
		MalwareFeedAPIURL:   getEnv("SENTINEL_MALWARE_FEED_API_URL", ""),
		HostIntelAPIKey:     getEnv("SENTINEL_HOST_INTEL_API_KEY", ""),
		HostIntelAPIURL:     getEnv("SENTINEL_HOST_INTEL_API_URL", ""),
		GeoIPAPIURL:         getEnv("SENTINEL_GEOIP_API_URL", ""),
		ThreatAllowList:     getEnvList("SENTINEL_THREAT_ALLOW_LIST", nil),
		ThreatDenyList:      getEnvList("SENTINEL_THREAT_DENY_LIST", nil),

		MonitoringEnabled:  getEnvBool("SENTINEL_MONITORING_ENABLED", true),
		MonitoringInterval: getEnvDuration("SENTINEL_MONITORING_INTERVAL", time.Minute),
		RetentionEnabled:   getEnvBool("SENTINEL_RETENTION_ENABLED", true),
		RetentionSchedule:  getEnv("SENTINEL_RETENTION_SCHEDULE", "@hourly"),
		RetentionDays:      getEnvInt("SENTINEL_RETENTION_DAYS", 365),
		ArchiveDir:         getEnv("SENTINEL_ARCHIVE_DIR", filepath.Join("data", "archive")),
		ArchiveEncryptKey:  getEnv("SENTINEL_ARCHIVE_ENCRYPT_KEY", ""),

		NotifyURLs: getEnvList("SENTINEL_NOTIFY_URLS", nil),

		CorrelationRulesFile: getEnv("SENTINEL_CORRELATION_RULES_FILE", ""),
	}

	if cfg.AuditHashAlgo != "sha256" && cfg.AuditHashAlgo != "sha512" {
		return Config{}, fmt.Errorf("unsupported audit hash algorithm %q", cfg.AuditHashAlgo)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
