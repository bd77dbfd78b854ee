package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"newsbot/internal/config"
	"newsbot/internal/dispatch"
	"newsbot/internal/feed"
	"newsbot/internal/ops"
	"newsbot/internal/poller"
	"newsbot/internal/storage"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

// Default feed URLs, used when a feed sets no url.
const (
	DefaultFilingsURL = "https://investor.nvidia.com/rss/SECFiling.aspx?Exchange=CIK&Symbol=0001045810"
	DefaultPressURL   = "https://nvidianews.nvidia.com/cats/press_release.xml"
)

// LoadConfig reads and validates path without starting anything.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateRuntime checks what only the running bot needs beyond
// config.Validate: feed schedules.
func validateRuntime(cfg *config.Config) error {
	var errs []error
	for _, c := range feed.Categories() {
		fc := feedConfig(cfg, c)
		if _, err := poller.ParseSchedule(fc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("feeds.%s.schedule: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

func requireToken(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	return nil
}

func feedConfig(cfg *config.Config, c feed.Category) config.FeedConfig {
	if c == feed.Filings {
		return cfg.Feeds.Filings
	}
	return cfg.Feeds.Press
}

// FeedSettings maps the config of category c to poller settings.
func FeedSettings(cfg *config.Config, c feed.Category) (poller.Settings, error) {
	fc := feedConfig(cfg, c)
	window, err := config.ParseDurationOrDefault("feeds.freshness_window", cfg.Feeds.FreshnessWindow, feed.DefaultFreshnessWindow)
	if err != nil {
		return poller.Settings{}, err
	}
	url := strings.TrimSpace(fc.URL)
	if url == "" {
		url = DefaultPressURL
		if c == feed.Filings {
			url = DefaultFilingsURL
		}
	}
	return poller.Settings{
		URL:             url,
		Schedule:        fc.Schedule,
		Enabled:         fc.IsEnabled(),
		FreshnessWindow: window,
	}, nil
}

// NewSource builds the HTTP feed source from feeds.*.
func NewSource(cfg *config.Config, log logx.Logger) (*feed.HTTPSource, error) {
	timeout, err := config.ParseDurationOrDefault("feeds.request_timeout", cfg.Feeds.RequestTimeout, feed.DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	opts := []feed.SourceOption{feed.WithRequestTimeout(timeout), feed.WithLogger(log)}
	if cfg.Feeds.RetryMax != nil {
		opts = append(opts, feed.WithRetries(*cfg.Feeds.RetryMax))
	}
	return feed.NewHTTPSource(opts...), nil
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

// OpenStore opens the record store selected by storage.*.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMaxDelay, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", dc.SendTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RatePerSec:    dc.RatePerSec,
		RetryMax:      dc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func destinationTargets(cfg *config.Config) map[string]transport.ChatTarget {
	out := make(map[string]transport.ChatTarget, len(cfg.Destinations))
	for name, d := range cfg.Destinations {
		out[name] = transport.ChatTarget{ChatID: d.ChatID, ThreadID: d.ThreadID}
	}
	return out
}

func logConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     cfg.Telegram.GroupLog,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func opsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}
