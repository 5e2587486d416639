package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catboxer/qart/pkg/config"
	"github.com/catboxer/qart/pkg/provider"
)

var envKeys = []string{
	"PORT", "HEALTH_PORT", "LOG_LEVEL", "LOG_FORMAT",
	"QART_MASTER_SECRET", "QART_COMMIT_TTL", "QART_PROVIDER_ORDER",
	"OUTSHIFT_API_KEY", "RANDOM_ORG_API_KEY", "ANU_API_KEY",
	"QART_PROVIDER_TIMEOUT", "QART_PROVIDER_VALIDATION_TIMEOUT", "QART_PROVIDERS_FILE",
	"QART_PROVIDER_LFDR_URL", "QART_PROVIDER_ANU_URL", "QART_PROVIDER_OUTSHIFT_API_KEY",
	"QART_RETRIES", "QART_RETRY_DELAY", "QART_BREAKER_THRESHOLD", "QART_BREAKER_COOLDOWN",
	"QART_MAX_TRIALS", "QART_ALLOW_FALLBACK", "DATABASE_URL", "QART_DATA_DIR",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_INSECURE",
	"QART_ARCHIVE_TYPE", "QART_ARCHIVE_BUCKET", "QART_ARCHIVE_REGION", "QART_ARCHIVE_ENDPOINT",
	"QART_ARCHIVE_PREFIX", "AWS_REGION",
}

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func names(specs []provider.Spec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}

// The process must boot with safe defaults and the commit protocol disabled.
func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "8081", cfg.HealthPort)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.HasMasterSecret())
	assert.Equal(t, 2*time.Hour, cfg.CommitTTL)
	assert.Equal(t, 1, cfg.Retries)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 3, cfg.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 500, cfg.MaxTrials)
	assert.False(t, cfg.AllowFallback)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "fs", cfg.ArchiveType)
	assert.Equal(t, "us-east-1", cfg.ArchiveRegion)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 20.0, cfg.RateLimitRPS)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, []string{"outshift", "lfdr", "anu", "randomorg"}, names(cfg.Providers))
	for _, p := range cfg.Providers {
		assert.Empty(t, p.Credential, p.Name)
	}
}

func TestLoad_Overrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "TEXT")
	t.Setenv("QART_MASTER_SECRET", "a-very-secret-master-value")
	t.Setenv("QART_COMMIT_TTL", "30m")
	t.Setenv("QART_PROVIDER_ORDER", "lfdr, anu")
	t.Setenv("QART_PROVIDER_LFDR_URL", "http://lfdr.internal/qrng")
	t.Setenv("QART_PROVIDER_TIMEOUT", "750ms")
	t.Setenv("QART_RETRIES", "0")
	t.Setenv("QART_ALLOW_FALLBACK", "true")
	t.Setenv("DATABASE_URL", "postgres://qart@db:5432/qart")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.HasMasterSecret())
	assert.Equal(t, 30*time.Minute, cfg.CommitTTL)
	assert.Equal(t, 0, cfg.Retries)
	assert.True(t, cfg.AllowFallback)
	assert.Equal(t, "postgres://qart@db:5432/qart", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)

	require.Equal(t, []string{"lfdr", "anu"}, names(cfg.Providers))
	assert.Equal(t, "http://lfdr.internal/qrng", cfg.Providers[0].Endpoint)
	assert.Equal(t, 750*time.Millisecond, cfg.Providers[0].Timeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Providers[1].Timeout)
}

func TestLoad_Credentials(t *testing.T) {
	cleanEnv(t)
	t.Setenv("OUTSHIFT_API_KEY", "out-key")
	t.Setenv("RANDOM_ORG_API_KEY", "rorg-key")

	cfg, err := config.Load()
	require.NoError(t, err)
	creds := map[string]string{}
	for _, p := range cfg.Providers {
		creds[p.Name] = p.Credential
	}
	assert.Equal(t, "out-key", creds["outshift"])
	assert.Equal(t, "rorg-key", creds["randomorg"])
	assert.Empty(t, creds["anu"])

	t.Setenv("QART_PROVIDER_OUTSHIFT_API_KEY", "override")
	cfg, err = config.Load()
	require.NoError(t, err)
	assert.Equal(t, "override", cfg.Providers[0].Credential)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"QART_RETRIES", "many"},
		{"QART_RETRIES", "-1"},
		{"QART_COMMIT_TTL", "2 hours"},
		{"QART_COMMIT_TTL", "-5m"},
		{"QART_MAX_TRIALS", "0"},
		{"QART_ALLOW_FALLBACK", "sometimes"},
		{"LOG_FORMAT", "xml"},
		{"RATE_LIMIT_RPS", "fast"},
		{"QART_PROVIDER_ORDER", "lfdr,nope"},
		{"QART_PROVIDER_ORDER", "lfdr,lfdr"},
		{"QART_PROVIDER_ORDER", " , "},
		{"QART_ARCHIVE_TYPE", "ftp"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := config.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_ArchiveBucketRequired(t *testing.T) {
	cleanEnv(t)
	t.Setenv("QART_ARCHIVE_TYPE", "S3")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QART_ARCHIVE_BUCKET")

	t.Setenv("QART_ARCHIVE_BUCKET", "audit")
	t.Setenv("AWS_REGION", "eu-west-1")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.ArchiveType)
	assert.Equal(t, "eu-west-1", cfg.ArchiveRegion)
}

func TestLoadProvidersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: anu-mirror
    type: anu
    endpoint: http://anu.mirror/api
    timeout: 1500ms
  - type: lfdr
`), 0o600))

	specs, err := config.LoadProvidersFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "anu-mirror", specs[0].Name)
	assert.Equal(t, "http://anu.mirror/api", specs[0].Endpoint)
	assert.Equal(t, 1500*time.Millisecond, specs[0].Timeout)
	assert.Equal(t, provider.DecodingIntArray, specs[0].Decoding)

	assert.Equal(t, "lfdr", specs[1].Name)
	assert.Equal(t, provider.DecodingHex, specs[1].Decoding)
	assert.NotEmpty(t, specs[1].Endpoint)
	assert.Positive(t, specs[1].ValidationTimeout)

	cleanEnv(t)
	t.Setenv("QART_PROVIDERS_FILE", path)
	t.Setenv("ANU_API_KEY", "anu-key")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"anu-mirror", "lfdr"}, names(cfg.Providers))
	assert.Equal(t, "anu-key", cfg.Providers[0].Credential)
}

func TestLoadProvidersFileErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	_, err := config.LoadProvidersFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = config.LoadProvidersFile(write("empty.yaml", "providers: []\n"))
	assert.Error(t, err)

	_, err = config.LoadProvidersFile(write("badtype.yaml", "providers:\n  - type: dice\n"))
	assert.ErrorContains(t, err, "unknown type")

	_, err = config.LoadProvidersFile(write("badyaml.yaml", "providers: [\n"))
	assert.Error(t, err)

	_, err = config.LoadProvidersFile(write("baddecoding.yaml", "providers:\n  - type: anu\n    decoding: base32\n"))
	assert.ErrorContains(t, err, "decoding")
}
