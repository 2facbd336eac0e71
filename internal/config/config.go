package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort              string
	ServerReadHeaderTimeout time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	RequestTimeout          time.Duration
	CORSOrigins             []string
	TrustProxyHeaders       bool
	MetricsPort             string
	LogFormat               string
	LogLevel                string

	DatabaseURL    string
	DBMaxConns     int32
	DBMinConns     int32
	DBQueryTimeout time.Duration

	AccessTokenSecret       string
	RefreshTokenSecret      string
	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	TokenIssuer             string
	TokenAudience           string
	RefreshInvalidatedGrace time.Duration
	JanitorInterval         time.Duration
	BlacklistCacheMax       int64

	LoginIPWindow         time.Duration
	LoginIPThreshold      int
	LoginIPBlock          time.Duration
	LoginAccountWindow    time.Duration
	LoginAccountThreshold int
	LoginAccountBlock     time.Duration
	APIRateWindow         time.Duration
	APIRateThreshold      int
	RateLimitTimeout      time.Duration

	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	loginIPWindow := getDuration("LOGIN_IP_WINDOW", 15*time.Minute)
	loginAccountWindow := getDuration("LOGIN_ACCOUNT_WINDOW", time.Hour)

	cfg := &Config{
		ServerPort:              getEnv("SERVER_PORT", "8080"),
		ServerReadHeaderTimeout: getDuration("SERVER_READ_HEADER_TIMEOUT", 10*time.Second),
		ServerWriteTimeout:      getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ServerIdleTimeout:       getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		RequestTimeout:          getDuration("REQUEST_TIMEOUT", 15*time.Second),
		CORSOrigins:             splitCSV(getEnv("CORS_ORIGINS", "*")),
		TrustProxyHeaders:       getBool("TRUST_PROXY_HEADERS", false),
		MetricsPort:             getEnv("METRICS_PORT", "9090"),
		LogFormat:               getEnv("LOG_FORMAT", "pretty"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),

		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:     int32(getInt("DB_MAX_CONNS", 20)),
		DBMinConns:     int32(getInt("DB_MIN_CONNS", 2)),
		DBQueryTimeout: getDuration("DB_QUERY_TIMEOUT", 2*time.Second),

		AccessTokenSecret:       strings.TrimSpace(os.Getenv("ACCESS_TOKEN_SECRET")),
		RefreshTokenSecret:      strings.TrimSpace(os.Getenv("REFRESH_TOKEN_SECRET")),
		AccessTokenTTL:          getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:         getDuration("REFRESH_TOKEN_TTL", 168*time.Hour),
		TokenIssuer:             getEnv("TOKEN_ISSUER", "greenhouse-ops"),
		TokenAudience:           getEnv("TOKEN_AUDIENCE", "greenhouse-ops-api"),
		RefreshInvalidatedGrace: getDuration("REFRESH_INVALIDATED_GRACE", 24*time.Hour),
		JanitorInterval:         getDuration("JANITOR_INTERVAL", time.Hour),
		BlacklistCacheMax:       int64(getInt("BLACKLIST_CACHE_MAX", 10000)),

		LoginIPWindow:         loginIPWindow,
		LoginIPThreshold:      getInt("LOGIN_IP_THRESHOLD", 5),
		LoginIPBlock:          getDuration("LOGIN_IP_BLOCK", loginIPWindow),
		LoginAccountWindow:    loginAccountWindow,
		LoginAccountThreshold: getInt("LOGIN_ACCOUNT_THRESHOLD", 3),
		LoginAccountBlock:     getDuration("LOGIN_ACCOUNT_BLOCK", loginAccountWindow),
		APIRateWindow:         getDuration("API_RATE_WINDOW", time.Minute),
		APIRateThreshold:      getInt("API_RATE_THRESHOLD", 100),
		RateLimitTimeout:      getDuration("RATE_LIMIT_TIMEOUT", 50*time.Millisecond),

		BootstrapAdminEmail:    strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_EMAIL")),
		BootstrapAdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT cannot be empty")
	}

	if c.MetricsEnabled() && c.MetricsPort == c.ServerPort {
		return fmt.Errorf("METRICS_PORT must differ from SERVER_PORT")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.AccessTokenSecret == "" {
		return fmt.Errorf("ACCESS_TOKEN_SECRET is required")
	}

	if c.RefreshTokenSecret == "" {
		return fmt.Errorf("REFRESH_TOKEN_SECRET is required")
	}

	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return fmt.Errorf("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}

	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}

	if c.LoginIPWindow <= 0 || c.LoginAccountWindow <= 0 || c.APIRateWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}

	if c.LoginIPThreshold <= 0 || c.LoginAccountThreshold <= 0 || c.APIRateThreshold <= 0 {
		return fmt.Errorf("rate limit thresholds must be positive")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if (c.BootstrapAdminEmail == "") != (c.BootstrapAdminPassword == "") {
		return fmt.Errorf("BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD must be set together")
	}

	return nil
}

// MetricsEnabled reports whether /metrics gets its own listener. METRICS_PORT=off
// turns it off; metrics are never served on the public port.
func (c *Config) MetricsEnabled() bool {
	return c.MetricsPort != "" && !strings.EqualFold(c.MetricsPort, "off")
}

func getEnv(key string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	return v
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return v
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}

	return out
}
