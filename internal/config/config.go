// Package config loads process configuration from .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is parsed once at startup and passed down by value.
type Config struct {
	Env      string
	Port     int
	LogLevel string

	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	OTLPInsecure   bool

	DatabaseDriver string
	DatabaseDSN    string

	EVMNetwork    x402.Network
	EVMRPCURL     string
	EVMPrivateKey string

	SVMNetwork    x402.Network
	SVMRPCURL     string
	SVMPrivateKey string

	FacilitatorURL string

	// CORSAllowOrigins is parsed from a comma-separated list.
	CORSAllowOrigins []string

	// ChallengeNetwork is the network 402 challenges ask clients to pay on.
	ChallengeNetwork x402.Network

	PermitWindow      time.Duration
	PaymentTTL        time.Duration
	SettlementDelay   time.Duration
	SweepInterval     time.Duration
	ShutdownTimeout   time.Duration
	VerifyTimeout     time.Duration
	SubmissionTimeout time.Duration
}

// Load reads .env.<APP_ENV> and .env from dir when present, then parses
// the environment. Variables already set in the environment win.
func Load(dir string) (Config, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	for _, name := range []string{".env." + env, ".env"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv parses configuration from a lookup function such as os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	p := parser{lookup: lookup}
	cfg := Config{
		Env:      p.str("APP_ENV", "development"),
		Port:     p.int("PORT", 8080),
		LogLevel: p.str("LOG_LEVEL", "info"),

		ServiceName:    p.str("SERVICE_NAME", "x402-tabs"),
		ServiceVersion: p.str("SERVICE_VERSION", "dev"),
		OTLPEndpoint:   p.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:   p.bool("OTEL_EXPORTER_OTLP_INSECURE", false),

		DatabaseDriver: strings.ToLower(p.str("DATABASE_DRIVER", DriverSQLite)),
		DatabaseDSN:    p.str("DATABASE_DSN", "file:x402-tabs.db?_pragma=busy_timeout(5000)"),

		EVMNetwork:    x402.Network(p.str("EVM_NETWORK", "eip155:84532")),
		EVMRPCURL:     p.str("EVM_RPC_URL", ""),
		EVMPrivateKey: p.str("FACILITATOR_PRIVATE_KEY", ""),

		SVMNetwork:    x402.Network(p.str("SVM_NETWORK", svm.SolanaDevnetCAIP2)),
		SVMRPCURL:     p.str("SVM_RPC_URL", ""),
		SVMPrivateKey: p.str("FEE_PAYER_PRIVATE_KEY", ""),

		FacilitatorURL:   p.str("FACILITATOR_URL", "http://localhost:8080/api/v1/x402"),
		CORSAllowOrigins: p.list("CORS_ALLOW_ORIGINS"),

		PermitWindow:      p.duration("PERMIT_DEADLINE_WINDOW", evm.DefaultPermitWindow),
		PaymentTTL:        p.duration("X402_PAYMENT_TTL", 15*time.Minute),
		SettlementDelay:   p.duration("SETTLEMENT_AUTO_DELAY", 30*time.Second),
		SweepInterval:     p.duration("SETTLEMENT_SWEEP_INTERVAL", 24*time.Hour),
		ShutdownTimeout:   p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		VerifyTimeout:     p.duration("X402_VERIFY_TIMEOUT", 15*time.Second),
		SubmissionTimeout: p.duration("SUBMISSION_TIMEOUT", 2*time.Minute),
	}
	cfg.ChallengeNetwork = x402.Network(p.str("X402_NETWORK", string(cfg.EVMNetwork)))

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverMySQL {
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be %s or %s, got %q", DriverSQLite, DriverMySQL, c.DatabaseDriver))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if _, ok := evm.LookupNetwork(string(c.EVMNetwork)); !ok {
		errs = append(errs, fmt.Errorf("EVM_NETWORK %s is not supported", c.EVMNetwork))
	}
	if _, ok := svm.LookupNetwork(string(c.SVMNetwork)); !ok {
		errs = append(errs, fmt.Errorf("SVM_NETWORK %s is not supported", c.SVMNetwork))
	}
	if c.EVMPrivateKey != "" && c.EVMRPCURL == "" {
		errs = append(errs, errors.New("EVM_RPC_URL is required when FACILITATOR_PRIVATE_KEY is set"))
	}
	if c.SVMPrivateKey != "" && c.SVMRPCURL == "" {
		errs = append(errs, errors.New("SVM_RPC_URL is required when FEE_PAYER_PRIVATE_KEY is set"))
	}
	if c.ChallengeNetwork != c.EVMNetwork && c.ChallengeNetwork != c.SVMNetwork {
		errs = append(errs, fmt.Errorf("X402_NETWORK %s must be EVM_NETWORK or SVM_NETWORK", c.ChallengeNetwork))
	}
	for name, d := range map[string]time.Duration{
		"PERMIT_DEADLINE_WINDOW":    c.PermitWindow,
		"X402_PAYMENT_TTL":          c.PaymentTTL,
		"SETTLEMENT_AUTO_DELAY":     c.SettlementDelay,
		"SETTLEMENT_SWEEP_INTERVAL": c.SweepInterval,
		"X402_VERIFY_TIMEOUT":       c.VerifyTimeout,
		"SUBMISSION_TIMEOUT":        c.SubmissionTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// IsDevelopment reports whether the process runs outside production.
func (c Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "test"
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) list(key string) []string {
	var out []string
	for _, v := range strings.Split(p.str(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (p *parser) int(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}
