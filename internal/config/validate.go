package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every violation found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

var (
	validLevels     = []string{"debug", "info", "warn", "error"}
	validFormats    = []string{"json", "console"}
	validTransports = []string{TransportWS, TransportRedis, TransportMem}
)

// Validate returns nil when c is usable.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if !slices.Contains(validLevels, c.Log.Level) {
		add("log.level", c.Log.Level, "must be one of "+strings.Join(validLevels, ", "))
	}
	if !slices.Contains(validFormats, c.Log.Format) {
		add("log.format", c.Log.Format, "must be one of "+strings.Join(validFormats, ", "))
	}
	if !slices.Contains(validTransports, c.Transport) {
		add("transport", c.Transport, "must be one of "+strings.Join(validTransports, ", "))
	}
	if c.Transport == TransportWS && c.RelayURL == "" {
		add("relay_url", c.RelayURL, "required for the ws transport")
	}
	if c.Transport == TransportRedis && c.Redis.URL == "" {
		add("redis.url", c.Redis.URL, "required for the redis transport")
	}
	if c.ReadTimeout <= 0 {
		add("read_timeout", c.ReadTimeout, "must be positive")
	}

	t := c.Timings
	positive := []struct {
		field string
		d     time.Duration
	}{
		{"timings.heartbeat", t.Heartbeat},
		{"timings.stale", t.Stale},
		{"timings.lease", t.Lease},
		{"timings.snapshot_timeout", t.SnapshotTimeout},
		{"timings.backoff_base", t.BackoffBase},
		{"timings.backoff_cap", t.BackoffCap},
	}
	for _, p := range positive {
		if p.d <= 0 {
			add(p.field, p.d, "must be positive")
		}
	}
	if t.PendingAfter < 0 {
		add("timings.pending_after", t.PendingAfter, "must not be negative")
	}
	if t.ClaimSettle < 0 {
		add("timings.claim_settle", t.ClaimSettle, "must not be negative")
	}
	if t.Heartbeat > 0 && t.Stale > 0 && t.Stale <= t.Heartbeat {
		add("timings.stale", t.Stale, "must exceed timings.heartbeat")
	}
	if t.Stale > 0 && t.Lease > 0 && t.Lease <= t.Stale {
		add("timings.lease", t.Lease, "must exceed timings.stale")
	}
	if t.PendingAfter > 0 && t.Stale > 0 && t.PendingAfter >= t.Stale {
		add("timings.pending_after", t.PendingAfter, "must be below timings.stale")
	}
	if t.BackoffBase > 0 && t.BackoffCap > 0 && t.BackoffCap < t.BackoffBase {
		add("timings.backoff_cap", t.BackoffCap, "must be at least timings.backoff_base")
	}
	return errs
}
