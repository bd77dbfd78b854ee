package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbot/internal/config"
	"newsbot/internal/dispatch"
	"newsbot/internal/feed"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("config.yaml", []byte(yaml))
	require.NoError(t, err)
	return cfg
}

func storeYAML(t *testing.T) string {
	return fmt.Sprintf(`
storage:
  driver: file
  path: %q
destinations:
  general:
    chat_id: -1001
  press-releases:
    chat_id: -1002
    thread_id: 3
`, filepath.Join(t.TempDir(), "newsbot"))
}

func TestFeedSettingsDefaults(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, `
storage: {driver: memory}
feeds:
  press:
    url: " https://example.com/press.xml "
    schedule: "*/5 * * * *"
    enabled: false
`)
	s, err := FeedSettings(cfg, feed.Filings)
	require.NoError(t, err)
	assert.Equal(t, DefaultFilingsURL, s.URL)
	assert.True(t, s.Enabled)
	assert.Equal(t, feed.DefaultFreshnessWindow, s.FreshnessWindow)

	s, err = FeedSettings(cfg, feed.Press)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/press.xml", s.URL)
	assert.Equal(t, "*/5 * * * *", s.Schedule)
	assert.False(t, s.Enabled)
}

func TestValidateRuntimeRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, `
storage: {driver: memory}
feeds:
  filings: {schedule: "every tuesday"}
`)
	err := validateRuntime(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feeds.filings.schedule")
	assert.Error(t, requireToken(cfg))
}

func TestConfigMappings(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, `
telegram:
  token: "1:x"
  group_log: -500
storage: {driver: memory}
destinations:
  general: {chat_id: -1001}
dispatch:
  rate_per_sec: 5
  retry_max: 4
  retry_base: 250ms
logging:
  level: debug
  telegram: {enabled: true, thread_id: 9, min_level: error}
ops:
  enabled: true
  addr: " 127.0.0.1:9191 "
`)
	require.NoError(t, requireToken(cfg))

	dc, err := dispatchConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Config{RatePerSec: 5, RetryMax: 4, RetryBase: 250 * time.Millisecond}, dc)

	assert.Equal(t, map[string]transport.ChatTarget{"general": {ChatID: -1001}}, destinationTargets(cfg))

	lc := logConfig(cfg)
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, int64(-500), lc.Chat.ChatID)
	assert.Equal(t, 9, lc.Chat.ThreadID)

	oc, err := opsConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9191", oc.Addr)
	assert.Equal(t, 10*time.Second, oc.ReadTimeout)
	assert.Equal(t, time.Minute, oc.IdleTimeout)
}

func TestDestinationRoundTripThroughStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t, storeYAML(t))

	_, ok, err := GetDestination(ctx, cfg, logx.Nop(), feed.Press)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetDestination(ctx, cfg, logx.Nop(), feed.Press, "#Press-Releases"))
	name, ok, err := GetDestination(ctx, cfg, logx.Nop(), feed.Press)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "press-releases", name)

	err = SetDestination(ctx, cfg, logx.Nop(), feed.Press, "nowhere")
	assert.ErrorIs(t, err, dispatch.ErrUnknownDestination)
}

const rssTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Press</title>
<item><title>Old news</title><link>https://example.com/old</link><pubDate>Mon, 02 Jan 2006 15:04:05 -0700</pubDate></item>
<item><title>Fresh news</title><link>https://example.com/fresh</link><pubDate>%s</pubDate></item>
</channel></rss>`

func TestCheckDryRunRecordsNothing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = fmt.Fprintf(w, rssTemplate, time.Now().Add(-time.Hour).Format(time.RFC1123Z))
	}))
	defer srv.Close()

	ctx := context.Background()
	cfg := testConfig(t, storeYAML(t)+fmt.Sprintf(`
feeds:
  press: {url: %q}
`, srv.URL))

	rep, err := Check(ctx, cfg, logx.Nop(), feed.Press, true)
	require.NoError(t, err)
	require.Len(t, rep.Pending, 1)
	assert.Equal(t, "https://example.com/fresh", rep.Pending[0].Link)

	recs, err := Records(ctx, cfg, logx.Nop(), "", false, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
