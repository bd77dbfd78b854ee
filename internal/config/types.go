package config

// Config is the whole on-disk configuration. JSON, YAML and TOML files all
// decode into it through the same strict JSON decoder.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`

	// Destinations maps a destination name (what /setdest refers to) to a chat.
	Destinations map[string]DestinationConfig `json:"destinations"`

	Feeds    FeedsConfig    `json:"feeds"`
	Dispatch DispatchConfig `json:"dispatch"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat receiving forwarded warnings (logging.telegram).
	GroupLog int64 `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

type DestinationConfig struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// FeedsConfig controls fetching. Durations are Go duration strings.
//
// Defaults:
//   - freshness_window: "720h" (30 days)
//   - request_timeout: "20s"
//   - retry_max: 2
type FeedsConfig struct {
	FreshnessWindow string `json:"freshness_window,omitempty"`
	RequestTimeout  string `json:"request_timeout,omitempty"`
	RetryMax        *int   `json:"retry_max,omitempty"`

	Filings FeedConfig `json:"filings"`
	Press   FeedConfig `json:"press"`
}

// FeedConfig configures one category poller.
//
// Schedule accepts an interval ("10m"), a daily time ("09:30") or a cron
// expression; empty means every 10 minutes.
type FeedConfig struct {
	URL      string `json:"url,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	// Enabled is a pointer so an omitted key means enabled.
	Enabled *bool `json:"enabled,omitempty"`
}

func (f FeedConfig) IsEnabled() bool { return f.Enabled == nil || *f.Enabled }

// DispatchConfig controls outbound notification delivery.
type DispatchConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/newsbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/newsbot?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the operational HTTP server (/healthz, /metrics, pprof).
//
// Security note: prefer a loopback address. A non-loopback bind needs a
// token or an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9090"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
