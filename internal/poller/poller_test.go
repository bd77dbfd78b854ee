package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbot/internal/dedup"
	"newsbot/internal/destination"
	"newsbot/internal/dispatch"
	"newsbot/internal/eventbus"
	"newsbot/internal/feed"
	"newsbot/internal/storage"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

var testNow = time.Date(2024, 11, 20, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	entries []feed.Entry
	err     error
	fetches int
	fetched chan struct{}
}

func newFakeSource(entries ...feed.Entry) *fakeSource {
	return &fakeSource{entries: entries, fetched: make(chan struct{}, 16)}
}

func (f *fakeSource) Fetch(_ context.Context, _ string) ([]feed.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	select {
	case f.fetched <- struct{}{}:
	default:
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]feed.Entry(nil), f.entries...), nil
}

func (f *fakeSource) set(err error, entries ...feed.Entry) {
	f.mu.Lock()
	f.err, f.entries = err, entries
	f.mu.Unlock()
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type dispatched struct {
	name string
	link string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
	fail  bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, name, _, link, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatched{name: name, link: link})
	return !f.fail
}

func (f *fakeDispatcher) links() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.link)
	}
	return out
}

func entry(link string, age time.Duration) feed.Entry {
	at := testNow.Add(-age)
	return feed.Entry{Title: "title " + link, Link: link, PublishedRaw: at.Format(time.RFC1123Z), PublishedAt: at}
}

type harness struct {
	store  *dedup.Store
	source *fakeSource
	disp   *fakeDispatcher
	deps   Deps
}

func newHarness(t *testing.T, entries ...feed.Entry) *harness {
	t.Helper()
	st := dedup.New(storage.NewMemory())
	h := &harness{store: st, source: newFakeSource(entries...), disp: &fakeDispatcher{}}
	h.deps = Deps{
		Source:     h.source,
		Store:      st,
		Resolver:   destination.NewResolver(st, logx.Nop()),
		Dispatcher: h.disp,
		Log:        logx.Nop(),
		Now:        func() time.Time { return testNow },
	}
	return h
}

func (h *harness) poller(t *testing.T, c feed.Category, schedule string) *Poller {
	t.Helper()
	p, err := New(c, Settings{URL: "https://example.com/" + string(c), Schedule: schedule, Enabled: true}, h.deps)
	require.NoError(t, err)
	return p
}

func (h *harness) seen(t *testing.T, c feed.Category) []dedup.SeenRecord {
	t.Helper()
	recs, err := h.store.Seen(context.Background(), string(c), false, 0)
	require.NoError(t, err)
	return recs
}

func TestFreshnessWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t,
		entry("https://example.com/old", 45*24*time.Hour),
		entry("https://example.com/new", 2*24*time.Hour),
	)
	require.NoError(t, h.store.SetDestination(ctx, "press", "general"))
	p := h.poller(t, feed.Press, "")

	res, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 2, Stale: 1, Delivered: 1}, res)
	assert.Equal(t, []string{"https://example.com/new"}, h.disp.links())

	old, err := h.store.HasSeen(ctx, feed.Identify("https://example.com/old"))
	require.NoError(t, err)
	assert.False(t, old, "stale entries are not recorded")
}

func TestCutoffIsInclusiveAndUndatedEntriesAreSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	edge := entry("https://example.com/edge", feed.DefaultFreshnessWindow)
	undated := feed.Entry{Title: "undated", Link: "https://example.com/undated", PublishedRaw: "sometime"}
	h := newHarness(t, edge, undated)
	require.NoError(t, h.store.SetDestination(ctx, "filings", "general"))

	res, err := h.poller(t, feed.Filings, "").RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, []string{"https://example.com/edge"}, h.disp.links())
}

func TestSameEntryDispatchedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, entry("https://example.com/a", time.Hour))
	require.NoError(t, h.store.SetDestination(ctx, "press", "general"))
	p := h.poller(t, feed.Press, "")

	for i := 0; i < 3; i++ {
		_, err := p.RunOnce(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, h.disp.calls, 1)
	recs := h.seen(t, feed.Press)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Delivered)
	assert.Equal(t, feed.Identify("https://example.com/a"), recs[0].ID)
}

func TestDuplicateLinkInOneFetchDispatchedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t,
		entry("https://example.com/a", 2*time.Hour),
		entry("https://example.com/a", time.Hour),
	)
	require.NoError(t, h.store.SetDestination(ctx, "filings", "general"))
	p := h.poller(t, feed.Filings, "")

	res, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Seen)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, h.disp.calls, 1)
	assert.Len(t, h.seen(t, feed.Filings), 1)
}

func TestNoDestinationDoesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, entry("https://example.com/a", time.Hour))
	p := h.poller(t, feed.Filings, "")

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Zero(t, h.source.count(), "suspended pollers do not fetch")
	assert.Empty(t, h.disp.calls)
	assert.Empty(t, h.seen(t, feed.Filings))
}

func TestFailedDispatchIsNotRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, entry("https://example.com/a", time.Hour))
	sink := &countingSink{}
	// "releases" is mapped but no longer exists in the directory.
	h.deps.Dispatcher = dispatch.New(dispatch.Config{RatePerSec: 100}, sink,
		destination.NewDirectory(map[string]transport.ChatTarget{"general": {ChatID: -1}}), nil, logx.Nop())
	require.NoError(t, h.store.SetDestination(ctx, "press", "releases"))
	p := h.poller(t, feed.Press, "")

	res, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	recs := h.seen(t, feed.Press)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Delivered)

	res, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 1, Seen: 1}, res)
	assert.Zero(t, sink.calls)
	assert.Len(t, h.seen(t, feed.Press), 1)
}

type countingSink struct{ calls int }

func (s *countingSink) SendText(context.Context, transport.ChatTarget, string, *transport.SendOptions) (transport.MessageRef, error) {
	s.calls++
	return transport.MessageRef{}, nil
}

func TestBothCategoriesDispatchOldestFirstAndMarkDelivered(t *testing.T) {
	t.Parallel()

	for _, c := range feed.Categories() {
		t.Run(string(c), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			// Feeds list newest first.
			h := newHarness(t,
				entry("https://example.com/3", time.Hour),
				entry("https://example.com/2", 2*time.Hour),
				entry("https://example.com/1", 3*time.Hour),
			)
			require.NoError(t, h.store.SetDestination(ctx, string(c), "general"))
			_, err := h.poller(t, c, "").RunOnce(ctx)
			require.NoError(t, err)

			assert.Equal(t, []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"}, h.disp.links())
			undelivered, err := h.store.Seen(ctx, string(c), true, 0)
			require.NoError(t, err)
			assert.Empty(t, undelivered)
		})
	}
}

func TestFetchErrorAbortsOnlyThatIteration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.source.set(errors.New("connection reset"))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(eventbus.PollerFetchFailed, 2)
	defer unsub()
	h.deps.Bus = bus
	require.NoError(t, h.store.SetDestination(ctx, "filings", "general"))
	p := h.poller(t, feed.Filings, "")

	_, err := p.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, p.Snapshot().LastError, "connection reset")
	assert.Equal(t, eventbus.PollerFetchFailed, (<-events).Type)

	h.source.set(nil, entry("https://example.com/a", time.Hour))
	res, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	st := p.Snapshot()
	assert.Empty(t, st.LastError)
	assert.Equal(t, uint64(2), st.Iterations)
	assert.Equal(t, "general", st.Destination)
}

func TestMetricsCountOutcomes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, entry("https://example.com/a", time.Hour), entry("https://example.com/b", 40*24*time.Hour))
	m := NewMetrics(prometheus.NewRegistry())
	h.deps.Metrics = m
	require.NoError(t, h.store.SetDestination(ctx, "press", "general"))
	p := h.poller(t, feed.Press, "")

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.iterations.WithLabelValues("press", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("press", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues("press", "seen")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.skipped.WithLabelValues("press", "stale")))
}

func TestPreviewRecordsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, entry("https://example.com/b", time.Hour), entry("https://example.com/a", 2*time.Hour))
	require.NoError(t, h.store.RecordSeen(ctx, dedup.SeenRecord{ID: feed.Identify("https://example.com/b"), Category: "press"}))
	p := h.poller(t, feed.Press, "")

	got, err := p.Preview(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://example.com/a", got[0].Link)
	assert.Len(t, h.seen(t, feed.Press), 1)
	assert.Empty(t, h.disp.calls)
}

func waitFetch(t *testing.T, src *fakeSource) {
	t.Helper()
	select {
	case <-src.fetched:
	case <-time.After(2 * time.Second):
		t.Fatalf("no fetch within 2s")
	}
}

func TestRestartRunsIterationImmediately(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	require.NoError(t, h.store.SetDestination(ctx, "press", "general"))
	p := h.poller(t, feed.Press, "1h")

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFetch(t, h.source)
	assert.Equal(t, Running, p.State())
	require.Eventually(t, func() bool { return !p.Snapshot().NextRun.IsZero() }, 2*time.Second, 5*time.Millisecond)
	assert.WithinDuration(t, time.Now().Add(time.Hour), p.Snapshot().NextRun, time.Minute)

	p.Restart()
	waitFetch(t, h.source)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, 2, h.source.count())
}

func TestSuspendedPollerResumesOnRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, entry("https://example.com/a", time.Hour))
	p := h.poller(t, feed.Filings, "1h")
	g := NewGroup(p)

	go func() { _ = p.Run(ctx) }()
	require.Eventually(t, func() bool { return p.State() == Suspended }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.source.count())

	require.NoError(t, h.store.SetDestination(ctx, "filings", "general"))
	require.NoError(t, g.Restart(feed.Filings))
	waitFetch(t, h.source)
	require.Eventually(t, func() bool { return len(h.disp.links()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, p.State())
}

func TestGroupRejectsUnknownCategory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := NewGroup(h.poller(t, feed.Press, ""))

	assert.ErrorIs(t, g.Restart(feed.Filings), feed.ErrUnknownCategory)
	assert.ErrorIs(t, g.Reconfigure("weather", Settings{}), feed.ErrUnknownCategory)
	require.Len(t, g.Snapshots(), 1)
	assert.Equal(t, "every 10m0s", g.Snapshots()[0].Schedule)
}

func TestReconfigureValidatesSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p := h.poller(t, feed.Press, "")
	assert.Error(t, p.Reconfigure(Settings{Schedule: "whenever"}))
	require.NoError(t, p.Reconfigure(Settings{URL: "https://example.com/new", Schedule: "00:30", Enabled: true}))
	st := p.Snapshot()
	assert.Equal(t, "https://example.com/new", st.URL)
	assert.Equal(t, "every 30m0s", st.Schedule)
}
