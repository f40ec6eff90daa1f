// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration for the usefulness engine.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings.
	StoreBackend string // "postgres", "sqlite", or "postgres+qdrant"
	DatabaseURL  string // pooled Postgres connection; required when StoreBackend uses postgres
	NotifyURL    string // direct connection for LISTEN/NOTIFY (not used by the decay sweeper)
	SQLitePath   string // used when StoreBackend is "sqlite"

	// Usefulness engine tuning.
	ThetaMerge              float64
	LearningRate            float64
	DecayLambdaPerDay       float64
	DefaultUsefulnessWeight float64
	SweepInterval           time.Duration
	SignalMaxInflightPerBank int

	// JWT settings.
	JWTPrivateKeyPath string // path to Ed25519 private key PEM file
	JWTPublicKeyPath  string // path to Ed25519 public key PEM file
	JWTExpiration     time.Duration

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int
	OllamaURL           string
	OllamaModel         string

	// Qdrant secondary ANN mirror (optional).
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if any environment variable contains an unparseable value,
// or if the loaded configuration fails Validate (for example a missing
// DATABASE_URL on a Postgres backend, an unknown store backend, or an
// out-of-range tunable). Other missing variables use sensible defaults.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		StoreBackend:      envStr("HINDSIGHT_STORE_BACKEND", "postgres"),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		NotifyURL:         envStr("NOTIFY_URL", ""),
		SQLitePath:        envStr("SQLITE_PATH", "./hindsight.db"),
		JWTPrivateKeyPath: envStr("HINDSIGHT_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("HINDSIGHT_JWT_PUBLIC_KEY", ""),
		EmbeddingProvider: envStr("HINDSIGHT_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:    envStr("HINDSIGHT_EMBEDDING_MODEL", "text-embedding-3-small"),
		OllamaURL:         envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:       envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		QdrantURL:         envStr("QDRANT_URL", ""),
		QdrantAPIKey:      envStr("QDRANT_API_KEY", ""),
		QdrantCollection:  envStr("QDRANT_COLLECTION", "hindsight_facts"),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "hindsight-usefulness"),
		LogLevel:          envStr("HINDSIGHT_LOG_LEVEL", "info"),
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.NotifyURL
	}

	// Integer fields.
	cfg.Port, errs = collectInt(errs, "HINDSIGHT_PORT", 8080)
	cfg.EmbeddingDimensions, errs = collectInt(errs, "HINDSIGHT_EMBEDDING_DIMENSIONS", 384)
	cfg.SignalMaxInflightPerBank, errs = collectInt(errs, "SIGNAL_MAX_INFLIGHT_PER_BANK", 64)

	var maxReqBody int
	maxReqBody, errs = collectInt(errs, "HINDSIGHT_MAX_REQUEST_BODY_BYTES", 1*1024*1024)
	cfg.MaxRequestBodyBytes = int64(maxReqBody)

	// Float fields.
	cfg.ThetaMerge, errs = collectFloat(errs, "THETA_MERGE", 0.85)
	cfg.LearningRate, errs = collectFloat(errs, "LEARNING_RATE", 0.1)
	cfg.DecayLambdaPerDay, errs = collectFloat(errs, "DECAY_LAMBDA_PER_DAY", 0.01)
	cfg.DefaultUsefulnessWeight, errs = collectFloat(errs, "DEFAULT_USEFULNESS_WEIGHT", 0.3)

	// Boolean fields.
	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)

	// Duration fields.
	cfg.ReadTimeout, errs = collectDuration(errs, "HINDSIGHT_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout, errs = collectDuration(errs, "HINDSIGHT_WRITE_TIMEOUT", 30*time.Second)
	cfg.JWTExpiration, errs = collectDuration(errs, "HINDSIGHT_JWT_EXPIRATION", 24*time.Hour)
	cfg.SweepInterval, errs = collectSecondsDuration(errs, "SWEEP_INTERVAL_SECONDS", 3600*time.Second)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectFloat parses a float64 env var, appending any error to the accumulator.
func collectFloat(errs []error, key string, fallback float64) (float64, []error) {
	v, err := envFloat(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses a duration env var, appending any error to the accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectSecondsDuration parses an integer-seconds env var into a
// time.Duration, appending any error to the accumulator. Used for
// SWEEP_INTERVAL_SECONDS, which SPEC_FULL.md's env table specifies as a
// plain integer rather than a Go duration string.
func collectSecondsDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	secs, err := envInt(key, int(fallback/time.Second))
	if err != nil {
		errs = append(errs, err)
		return fallback, errs
	}
	return time.Duration(secs) * time.Second, errs
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case "postgres", "sqlite", "postgres+qdrant":
	default:
		errs = append(errs, fmt.Errorf("config: HINDSIGHT_STORE_BACKEND %q is not one of postgres, sqlite, postgres+qdrant", c.StoreBackend))
	}
	if c.StoreBackend != "sqlite" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required unless HINDSIGHT_STORE_BACKEND=sqlite"))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("config: HINDSIGHT_EMBEDDING_DIMENSIONS must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("config: HINDSIGHT_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, errors.New("config: HINDSIGHT_PORT must be between 1 and 65535"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("config: HINDSIGHT_READ_TIMEOUT must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("config: HINDSIGHT_WRITE_TIMEOUT must be positive"))
	}
	if c.ThetaMerge <= 0 || c.ThetaMerge > 1 {
		errs = append(errs, errors.New("config: THETA_MERGE must be in (0,1]"))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, errors.New("config: LEARNING_RATE must be positive"))
	}
	if c.DecayLambdaPerDay < 0 {
		errs = append(errs, errors.New("config: DECAY_LAMBDA_PER_DAY must be non-negative"))
	}
	if c.DefaultUsefulnessWeight < 0 || c.DefaultUsefulnessWeight > 1 {
		errs = append(errs, errors.New("config: DEFAULT_USEFULNESS_WEIGHT must be in [0,1]"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("config: SWEEP_INTERVAL_SECONDS must be positive"))
	}
	if c.SignalMaxInflightPerBank <= 0 {
		errs = append(errs, errors.New("config: SIGNAL_MAX_INFLIGHT_PER_BANK must be positive"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, errors.New("config: HINDSIGHT_JWT_PRIVATE_KEY and HINDSIGHT_JWT_PUBLIC_KEY must both be set or both be empty"))
	}
	if c.JWTPrivateKeyPath != "" {
		if err := validateKeyFile(c.JWTPrivateKeyPath, "HINDSIGHT_JWT_PRIVATE_KEY"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.JWTPublicKeyPath != "" {
		if err := validateKeyFile(c.JWTPublicKeyPath, "HINDSIGHT_JWT_PUBLIC_KEY"); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// validateKeyFile checks that a key file exists, is readable, is non-empty,
// and has restrictive permissions (owner-only on Unix).
func validateKeyFile(path, envVar string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: %s %q: %w", envVar, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s %q is a directory, expected a file", envVar, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("config: %s %q is empty", envVar, path)
	}
	perm := info.Mode().Perm()
	if perm&0o077 != 0 {
		return fmt.Errorf("config: %s %q has overly permissive mode %04o (expected 0600 or stricter)", envVar, path, perm)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
