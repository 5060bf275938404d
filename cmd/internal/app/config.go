package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisURL selects the Redis blacklist backend when set.
	RedisURL       string
	RedisKeyPrefix string

	// CleanupSchedule is a cron expression for the expiry sweep. Empty disables it.
	CleanupSchedule string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, KEEPER_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and refresh-token hashing must be HMAC-based.
	RequireTokenHMAC bool

	// Optional account created at startup when absent. Meant for development.
	BootstrapIdentifier string
	BootstrapSecret     string
	BootstrapRoles      []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("KEEPER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("KEEPER_LOG_LEVEL", "info"),
		LogFormat: EnvString("KEEPER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("KEEPER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("KEEPER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("KEEPER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("KEEPER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("KEEPER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("KEEPER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("KEEPER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("KEEPER_DB_MIN_CONNS", 0),

		RedisURL:       EnvString("KEEPER_REDIS_URL", ""),
		RedisKeyPrefix: EnvString("KEEPER_REDIS_KEY_PREFIX", "keeper:blacklist:"),

		CleanupSchedule: EnvString("KEEPER_CLEANUP_SCHEDULE", "@hourly"),

		CORSAllowedOrigins:   EnvCSV("KEEPER_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("KEEPER_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("KEEPER_CORS_MAX_AGE_SECONDS", 600),

		MetricsEnabled: EnvBool("KEEPER_METRICS_ENABLED", true),

		ReadinessRequireDB: EnvBool("KEEPER_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("KEEPER_REQUIRE_TOKEN_HMAC", false),

		BootstrapIdentifier: EnvString("KEEPER_BOOTSTRAP_IDENTIFIER", ""),
		BootstrapSecret:     EnvString("KEEPER_BOOTSTRAP_SECRET", ""),
		BootstrapRoles:      EnvCSV("KEEPER_BOOTSTRAP_ROLES", nil),
	}
}
