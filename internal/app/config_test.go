package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("log defaults: level=%q format=%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.DBSchema != "tandem" {
		t.Fatalf("DBSchema=%q", cfg.DBSchema)
	}
	if cfg.DefaultPolicy != "viewer" {
		t.Fatalf("DefaultPolicy=%q", cfg.DefaultPolicy)
	}
	if cfg.AuditQueueSize != 1024 || !cfg.AuditToDB {
		t.Fatalf("audit defaults: queue=%d to_db=%v", cfg.AuditQueueSize, cfg.AuditToDB)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("TANDEM_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("TANDEM_LOG_LEVEL", "debug")
	t.Setenv("TANDEM_HTTP_READ_TIMEOUT", "30s")
	t.Setenv("TANDEM_DB_MAX_CONNS", "25")
	t.Setenv("TANDEM_DEFAULT_POLICY", "deny")
	t.Setenv("TANDEM_ISSUER_API_KEY", "s3cret")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel=%q", cfg.LogLevel)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("ReadTimeout=%v", cfg.ReadTimeout)
	}
	if cfg.DBMaxConns != 25 {
		t.Fatalf("DBMaxConns=%d", cfg.DBMaxConns)
	}
	if cfg.DefaultPolicy != "deny" {
		t.Fatalf("DefaultPolicy=%q", cfg.DefaultPolicy)
	}
	if cfg.IssuerAPIKey != "s3cret" {
		t.Fatalf("IssuerAPIKey=%q", cfg.IssuerAPIKey)
	}
}
