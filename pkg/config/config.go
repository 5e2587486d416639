// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/catboxer/qart/pkg/provider"
)

// Config holds server configuration.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string
	LogFormat  string

	// MasterSecret is empty when commit, derive and reveal are disabled.
	MasterSecret []byte
	CommitTTL    time.Duration

	Providers        []provider.Spec
	Retries          int
	RetryDelay       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	MaxTrials     int
	AllowFallback bool

	// DatabaseURL selects the Postgres audit store. Empty means SQLite lite mode.
	DatabaseURL string
	DataDir     string

	// Archive selects where exported audit bundles are kept.
	ArchiveType     string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchivePrefix   string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RateLimitRPS   float64
	RateLimitBurst int

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool
}

// DefaultProviderOrder is the built-in priority order.
const DefaultProviderOrder = "outshift,lfdr,anu,randomorg"

// credentialEnv maps a provider type to the variable holding its API key.
var credentialEnv = map[provider.Type]string{
	provider.TypeOutshift:  "OUTSHIFT_API_KEY",
	provider.TypeRandomOrg: "RANDOM_ORG_API_KEY",
	provider.TypeANU:       "ANU_API_KEY",
}

// Load loads configuration from environment variables. Malformed values are
// reported together rather than silently replaced by defaults.
func Load() (*Config, error) {
	e := &envReader{}

	cfg := &Config{
		Port:       e.str("PORT", "8080"),
		HealthPort: e.str("HEALTH_PORT", "8081"),
		LogLevel:   strings.ToUpper(e.str("LOG_LEVEL", "INFO")),
		LogFormat:  strings.ToLower(e.str("LOG_FORMAT", "json")),

		MasterSecret: []byte(os.Getenv("QART_MASTER_SECRET")),
		CommitTTL:    e.duration("QART_COMMIT_TTL", 2*time.Hour),

		Retries:          e.integer("QART_RETRIES", 1),
		RetryDelay:       e.duration("QART_RETRY_DELAY", 200*time.Millisecond),
		BreakerThreshold: e.integer("QART_BREAKER_THRESHOLD", 3),
		BreakerCooldown:  e.duration("QART_BREAKER_COOLDOWN", 30*time.Second),

		MaxTrials:     e.integer("QART_MAX_TRIALS", 500),
		AllowFallback: e.boolean("QART_ALLOW_FALLBACK", false),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     e.str("QART_DATA_DIR", "data"),

		ArchiveType:     strings.ToLower(e.str("QART_ARCHIVE_TYPE", "fs")),
		ArchiveBucket:   os.Getenv("QART_ARCHIVE_BUCKET"),
		ArchiveRegion:   e.str("QART_ARCHIVE_REGION", e.str("AWS_REGION", "us-east-1")),
		ArchiveEndpoint: os.Getenv("QART_ARCHIVE_ENDPOINT"),
		ArchivePrefix:   os.Getenv("QART_ARCHIVE_PREFIX"),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        e.integer("REDIS_DB", 0),
		RateLimitRPS:   e.float("RATE_LIMIT_RPS", 20),
		RateLimitBurst: e.integer("RATE_LIMIT_BURST", 40),

		OTelEnabled:  e.boolean("OTEL_ENABLED", false),
		OTelEndpoint: e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure: e.boolean("OTEL_INSECURE", true),
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		e.fail("LOG_FORMAT", cfg.LogFormat, errors.New("must be json or text"))
	}
	switch cfg.ArchiveType {
	case "fs":
	case "s3", "gcs":
		if cfg.ArchiveBucket == "" {
			e.fail("QART_ARCHIVE_BUCKET", "", fmt.Errorf("required for %s archive", cfg.ArchiveType))
		}
	default:
		e.fail("QART_ARCHIVE_TYPE", cfg.ArchiveType, errors.New("must be fs, s3 or gcs"))
	}
	if cfg.Retries < 0 {
		e.fail("QART_RETRIES", strconv.Itoa(cfg.Retries), errors.New("must not be negative"))
	}
	if cfg.MaxTrials < 1 {
		e.fail("QART_MAX_TRIALS", strconv.Itoa(cfg.MaxTrials), errors.New("must be at least 1"))
	}

	providers, err := loadProviders(e)
	if err != nil {
		e.errs = append(e.errs, err)
	}
	cfg.Providers = providers

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HasMasterSecret reports whether the commit protocol can run.
func (c *Config) HasMasterSecret() bool { return len(c.MasterSecret) > 0 }

func loadProviders(e *envReader) ([]provider.Spec, error) {
	specs := provider.DefaultSpecs()
	if path := os.Getenv("QART_PROVIDERS_FILE"); path != "" {
		fromFile, err := LoadProvidersFile(path)
		if err != nil {
			return nil, err
		}
		specs = fromFile
	}

	timeout := e.duration("QART_PROVIDER_TIMEOUT", 0)
	validation := e.duration("QART_PROVIDER_VALIDATION_TIMEOUT", 0)
	for i := range specs {
		s := &specs[i]
		if url := os.Getenv(providerEnv(s.Name, "URL")); url != "" {
			s.Endpoint = url
		}
		if timeout > 0 {
			s.Timeout = timeout
		}
		if validation > 0 {
			s.ValidationTimeout = validation
		}
		if key, ok := credentialEnv[s.Type]; ok {
			s.Credential = os.Getenv(key)
		}
		if key := os.Getenv(providerEnv(s.Name, "API_KEY")); key != "" {
			s.Credential = key
		}
	}

	order := e.str("QART_PROVIDER_ORDER", "")
	if order == "" {
		if os.Getenv("QART_PROVIDERS_FILE") != "" {
			return specs, nil
		}
		order = DefaultProviderOrder
	}
	return orderSpecs(specs, order)
}

// orderSpecs returns the specs named in order, in that order. Providers left
// out of the list are disabled.
func orderSpecs(specs []provider.Spec, order string) ([]provider.Spec, error) {
	byName := make(map[string]provider.Spec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	var out []provider.Spec
	seen := make(map[string]bool)
	for _, name := range strings.Split(order, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("QART_PROVIDER_ORDER: unknown provider %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("QART_PROVIDER_ORDER: provider %q listed twice", name)
		}
		seen[name] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("QART_PROVIDER_ORDER: no providers enabled")
	}
	return out, nil
}

func providerEnv(name, suffix string) string {
	name = strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return "QART_PROVIDER_" + name + "_" + suffix
}

// envReader parses typed variables and collects the failures.
type envReader struct {
	errs []error
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (e *envReader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *envReader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	if d <= 0 {
		e.fail(key, v, errors.New("must be positive"))
		return def
	}
	return d
}
