// Package config loads settings for the relay server and presencectl from
// an optional .env file, PRESENCE_* environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/DoyleJ11/trip-presence/internal/heartbeat"
)

const EnvPrefix = "PRESENCE"

// Transport kinds.
const (
	TransportWS    = "ws"
	TransportRedis = "redis"
	TransportMem   = "mem"
)

type Config struct {
	Addr      string        `mapstructure:"addr"`
	Log       LogConfig     `mapstructure:"log"`
	Timings   TimingsConfig `mapstructure:"timings"`
	Transport string        `mapstructure:"transport"`
	RelayURL  string        `mapstructure:"relay_url"`
	Redis     RedisConfig   `mapstructure:"redis"`
	// Origins are the websocket origin patterns the relay accepts.
	Origins     []string      `mapstructure:"origins"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type TimingsConfig struct {
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
	Stale           time.Duration `mapstructure:"stale"`
	PendingAfter    time.Duration `mapstructure:"pending_after"`
	Lease           time.Duration `mapstructure:"lease"`
	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	ClaimSettle     time.Duration `mapstructure:"claim_settle"`
}

func (t TimingsConfig) Timings() heartbeat.Timings {
	return heartbeat.Timings{
		HeartbeatInterval: t.Heartbeat,
		StaleThreshold:    t.Stale,
		PendingAfter:      t.PendingAfter,
		LeaseDuration:     t.Lease,
		SnapshotTimeout:   t.SnapshotTimeout,
		BackoffBase:       t.BackoffBase,
		BackoffCap:        t.BackoffCap,
		ClaimSettle:       t.ClaimSettle,
	}
}

func Default() *Config {
	t := heartbeat.DefaultTimings()
	return &Config{
		Addr:      ":8080",
		Log:       LogConfig{Level: "info", Format: "json"},
		Transport: TransportWS,
		RelayURL:  "ws://localhost:8080/ws",
		Redis:     RedisConfig{URL: "redis://localhost:6379/0", Prefix: "presence:"},
		Timings: TimingsConfig{
			Heartbeat:       t.HeartbeatInterval,
			Stale:           t.StaleThreshold,
			PendingAfter:    t.PendingAfter,
			Lease:           t.LeaseDuration,
			SnapshotTimeout: t.SnapshotTimeout,
			BackoffBase:     t.BackoffBase,
			BackoffCap:      t.BackoffCap,
			ClaimSettle:     t.ClaimSettle,
		},
		Origins:     []string{},
		ReadTimeout: 30 * time.Second,
	}
}

// SetDefaults registers every default with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("addr", d.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("transport", d.Transport)
	v.SetDefault("relay_url", d.RelayURL)
	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("origins", d.Origins)
	v.SetDefault("read_timeout", d.ReadTimeout)

	v.SetDefault("timings.heartbeat", d.Timings.Heartbeat)
	v.SetDefault("timings.stale", d.Timings.Stale)
	v.SetDefault("timings.pending_after", d.Timings.PendingAfter)
	v.SetDefault("timings.lease", d.Timings.Lease)
	v.SetDefault("timings.snapshot_timeout", d.Timings.SnapshotTimeout)
	v.SetDefault("timings.backoff_base", d.Timings.BackoffBase)
	v.SetDefault("timings.backoff_cap", d.Timings.BackoffCap)
	v.SetDefault("timings.claim_settle", d.Timings.ClaimSettle)
}

// LoadDotEnv loads the named .env files into the process environment.
// Missing files are ignored; variables already set are not overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and PRESENCE_* env
// binding, e.g. PRESENCE_TIMINGS_LEASE for timings.lease.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}
