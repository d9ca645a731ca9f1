package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/trip-presence/internal/heartbeat"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, TransportWS, cfg.Transport)
	assert.Equal(t, heartbeat.DefaultTimings(), cfg.Timings.Timings())
	assert.NoError(t, cfg.Timings.Timings().Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PRESENCE_ADDR", ":9999")
	t.Setenv("PRESENCE_TRANSPORT", "redis")
	t.Setenv("PRESENCE_TIMINGS_LEASE", "45s")
	t.Setenv("PRESENCE_LOG_LEVEL", "debug")
	t.Setenv("PRESENCE_ORIGINS", "example.com,*.example.org")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, TransportRedis, cfg.Transport)
	assert.Equal(t, 45*time.Second, cfg.Timings.Lease)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"example.com", "*.example.org"}, cfg.Origins)
}

func TestLoad_RejectsBadTimings(t *testing.T) {
	t.Setenv("PRESENCE_TIMINGS_LEASE", "10s")

	_, err := Load(NewViper())
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 1)
	assert.Equal(t, "timings.lease", verrs[0].Field)
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Transport = "carrier-pigeon"
	cfg.Timings.Heartbeat = 0
	cfg.Timings.ClaimSettle = -time.Second
	cfg.Timings.BackoffCap = time.Millisecond

	errs := cfg.Validate()
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"log.level", "transport", "timings.heartbeat", "timings.claim_settle", "timings.backoff_cap",
	}, fields)
	assert.Contains(t, errs.Error(), "5 validation errors")
}

func TestValidate_TransportNeedsEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"ws without relay", func(c *Config) { c.RelayURL = "" }, "relay_url"},
		{"redis without url", func(c *Config) { c.Transport = TransportRedis; c.Redis.URL = "" }, "redis.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			require.Len(t, errs, 1)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PRESENCE_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("PRESENCE_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("PRESENCE_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("PRESENCE_TEST_DOTENV"))
}
