package app

import (
	"time"

	"tandem/internal/envcfg"
)

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
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// DefaultPolicy decides the role of subjects that appear in no room
	// permission map: "viewer" or "deny".
	DefaultPolicy string

	// IssuerAPIKey guards POST /v1/tokens. Empty disables the guard, which
	// is only acceptable for dev.
	IssuerAPIKey string

	// Audit pipeline shape.
	AuditQueueSize int
	AuditToDB      bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  envcfg.String("TANDEM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  envcfg.String("TANDEM_LOG_LEVEL", "info"),
		LogFormat: envcfg.String("TANDEM_LOG_FORMAT", "json"),

		ReadHeaderTimeout: envcfg.Duration("TANDEM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       envcfg.Duration("TANDEM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      envcfg.Duration("TANDEM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       envcfg.Duration("TANDEM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: envcfg.Int("TANDEM_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: envcfg.String("TANDEM_DATABASE_URL", ""),
		DBSchema:    envcfg.String("TANDEM_DB_SCHEMA", "tandem"),
		DBMaxConns:  envcfg.Int32("TANDEM_DB_MAX_CONNS", 10),
		DBMinConns:  envcfg.Int32("TANDEM_DB_MIN_CONNS", 0),

		ReadinessRequireDB: envcfg.Bool("TANDEM_READINESS_REQUIRE_DB", false),

		DefaultPolicy: envcfg.String("TANDEM_DEFAULT_POLICY", "viewer"),

		IssuerAPIKey: envcfg.String("TANDEM_ISSUER_API_KEY", ""),

		AuditQueueSize: envcfg.Int("TANDEM_AUDIT_QUEUE", 1024),
		AuditToDB:      envcfg.Bool("TANDEM_AUDIT_TO_DB", true),
	}
}
