package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

var storageDrivers = []string{"", "file", "memory", "sqlite", "sqlite3", "postgres", "postgresql"}

// ParseDurationField parses a Go duration string and names path in errors.
// Blank input is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for a blank or zero duration.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Validate checks everything that can be checked without touching the
// network or the store. Schedules are validated by the poller package.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := map[string]string{
		"telegram.poll_timeout":    c.Telegram.PollTimeout,
		"feeds.freshness_window":   c.Feeds.FreshnessWindow,
		"feeds.request_timeout":    c.Feeds.RequestTimeout,
		"dispatch.retry_base":      c.Dispatch.RetryBase,
		"dispatch.retry_max_delay": c.Dispatch.RetryMaxDelay,
		"dispatch.send_timeout":    c.Dispatch.SendTimeout,
		"storage.busy_timeout":     c.Storage.BusyTimeout,
		"ops.read_timeout":         c.Ops.ReadTimeout,
		"ops.idle_timeout":         c.Ops.IdleTimeout,
	}
	paths := lo.Keys(durations)
	slices.Sort(paths)
	for _, path := range paths {
		if _, err := ParseDurationField(path, durations[path]); err != nil {
			errs = append(errs, err)
		}
	}

	for name, d := range c.Destinations {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("destinations: empty destination name"))
		}
		if d.ChatID == 0 {
			errs = append(errs, fmt.Errorf("destinations.%s.chat_id is required", name))
		}
	}

	if c.Feeds.RetryMax != nil && *c.Feeds.RetryMax < 0 {
		errs = append(errs, errors.New("feeds.retry_max must be >= 0"))
	}
	if c.Dispatch.RetryMax < 0 || c.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.retry_max and dispatch.rate_per_sec must be >= 0"))
	}

	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch {
	case !lo.Contains(storageDrivers, driver):
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	case (driver == "postgres" || driver == "postgresql") && strings.TrimSpace(c.Storage.DSN) == "":
		errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
	}

	return errors.Join(errs...)
}
