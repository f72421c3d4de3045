// Package config loads application configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/escrow-reservation/internal/settlement"
)

// Storage backends.
const (
	StorageMySQL  = "mysql"
	StorageMemory = "memory"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env     string // APP_ENV, "dev" or "prod"
	Port    string // APP_PORT
	Storage string // STORAGE, mysql (default) or memory

	DBUser string
	DBPass string
	DBHost string
	DBPort string
	DBName string

	// CatalogSeedFile is a JSON catalog loaded into the memory store.
	CatalogSeedFile string

	JWTSecret      string
	AccessTTLMin   int
	AllowedOrigins []string

	LedgerRPCURL        string
	LedgerWSURL         string
	LedgerRPS           float64
	LedgerVerifyTimeout time.Duration
	ProgramID           string

	UnitRate      uint64 // native units per price unit
	CommissionBps uint64

	WebhookSecret    string
	ReconcileWorkers int

	RabbitMQURL  string // empty disables event publishing
	AuditLogPath string
}

// loader accumulates missing or malformed variables so Load can report
// them all at once.
type loader struct {
	errs []error
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var l loader
	cfg := Config{
		Env:     envStr("APP_ENV", "dev"),
		Port:    l.must("APP_PORT"),
		Storage: strings.ToLower(envStr("STORAGE", StorageMySQL)),

		CatalogSeedFile: os.Getenv("CATALOG_SEED_FILE"),

		JWTSecret:      l.must("JWT_SECRET"),
		AccessTTLMin:   l.intOr("ACCESS_TOKEN_TTL_MIN", 60),
		AllowedOrigins: splitList(envStr("ALLOWED_ORIGINS", "*")),

		LedgerRPCURL:        l.must("LEDGER_RPC_URL"),
		LedgerWSURL:         os.Getenv("LEDGER_WS_URL"),
		LedgerRPS:           l.floatOr("LEDGER_RPS", 10),
		LedgerVerifyTimeout: l.durOr("LEDGER_VERIFY_TIMEOUT", 5*time.Second),
		ProgramID:           l.must("PROGRAM_ID"),

		UnitRate:      l.uintOr("UNIT_RATE", settlement.DefaultUnitRate),
		CommissionBps: l.uintOr("COMMISSION_BPS", settlement.DefaultCommissionBps),

		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		ReconcileWorkers: l.intOr("RECONCILE_WORKERS", 8),

		RabbitMQURL:  os.Getenv("RABBITMQ_URL"),
		AuditLogPath: envStr("AUDIT_LOG_PATH", "logs/reservations.log"),
	}

	switch cfg.Storage {
	case StorageMySQL:
		cfg.DBUser = l.must("DB_USER")
		cfg.DBPass = os.Getenv("DB_PASS")
		cfg.DBHost = l.must("DB_HOST")
		cfg.DBPort = envStr("DB_PORT", "3306")
		cfg.DBName = l.must("DB_NAME")
	case StorageMemory:
	default:
		l.errs = append(l.errs, fmt.Errorf("STORAGE: unknown backend %q", cfg.Storage))
	}
	if cfg.CommissionBps > 10_000 {
		l.errs = append(l.errs, fmt.Errorf("COMMISSION_BPS: %d exceeds 10000", cfg.CommissionBps))
	}
	if cfg.AccessTTLMin <= 0 {
		l.errs = append(l.errs, errors.New("ACCESS_TOKEN_TTL_MIN: must be positive"))
	}
	return cfg, errors.Join(l.errs...)
}

func (c Config) Production() bool { return strings.EqualFold(c.Env, "prod") }

// must retrieves a required variable.
func (l *loader) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		l.errs = append(l.errs, fmt.Errorf("missing required env var: %s", key))
	}
	return v
}

func (l *loader) intOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid int for %s: %q", key, v))
		return def
	}
	return n
}

func (l *loader) uintOr(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid unsigned int for %s: %q", key, v))
		return def
	}
	return n
}

func (l *loader) floatOr(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		l.errs = append(l.errs, fmt.Errorf("invalid rate for %s: %q", key, v))
		return def
	}
	return f
}

func (l *loader) durOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		l.errs = append(l.errs, fmt.Errorf("invalid duration for %s: %q", key, v))
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
