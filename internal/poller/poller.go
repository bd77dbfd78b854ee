// Package poller runs one polling loop per feed category: fetch, filter
// fresh and unseen entries, record them, dispatch, mark delivered.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"newsbot/internal/dedup"
	"newsbot/internal/eventbus"
	"newsbot/internal/feed"
	logx "newsbot/pkg/logx"
)

type State int32

const (
	Stopped State = iota
	Running
	// Suspended pollers keep their schedule but do no work until a
	// destination is configured.
	Suspended
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	default:
		return "stopped"
	}
}

const (
	outcomeOK         = "ok"
	outcomeSuspended  = "suspended"
	outcomeFetchError = "fetch_error"
	outcomeStoreError = "store_error"
	outcomeCanceled   = "canceled"
)

// Store is the dedup state a poller reads and writes.
type Store interface {
	GetDestination(ctx context.Context, category string) (string, bool, error)
	HasSeen(ctx context.Context, id string) (bool, error)
	RecordSeen(ctx context.Context, r dedup.SeenRecord) error
	MarkDelivered(ctx context.Context, id string) error
}

type Resolver interface {
	Resolve(ctx context.Context, category string) string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, name, title, link, publishedRaw string) bool
}

// Settings are the reloadable parameters of one poller.
type Settings struct {
	URL             string
	Schedule        string
	Enabled         bool
	FreshnessWindow time.Duration
}

type Deps struct {
	Source     feed.Source
	Store      Store
	Resolver   Resolver
	Dispatcher Dispatcher
	Bus        *eventbus.Bus
	Metrics    *Metrics
	Log        logx.Logger
	// Now drives the freshness cutoff; defaults to time.Now.
	Now func() time.Time
}

// Result summarizes one iteration.
type Result struct {
	Suspended bool `json:"suspended,omitempty"`
	Fetched   int  `json:"fetched"`
	Stale     int  `json:"stale"`
	Seen      int  `json:"seen"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
}

type Status struct {
	Category    feed.Category
	State       State
	Enabled     bool
	URL         string
	Schedule    string
	Destination string
	LastRun     time.Time
	LastSuccess time.Time
	NextRun     time.Time
	LastError   string
	LastResult  Result
	Iterations  uint64
}

// IterationEvent is the payload of poller.iteration bus events.
type IterationEvent struct {
	Category string `json:"category"`
	Outcome  string `json:"outcome"`
	Result   Result `json:"result"`
	Error    string `json:"error,omitempty"`
}

type Poller struct {
	category feed.Category
	deps     Deps
	log      logx.Logger

	// restart holds at most one pending request; extra requests coalesce.
	restart chan struct{}
	state   atomic.Int32
	running atomic.Bool

	mu            sync.Mutex
	settings      Settings
	sched         Schedule
	status        Status
	suspendLogged bool
}

func New(category feed.Category, s Settings, deps Deps) (*Poller, error) {
	if deps.Source == nil || deps.Store == nil || deps.Resolver == nil || deps.Dispatcher == nil {
		return nil, errors.New("poller: source, store, resolver and dispatcher are required")
	}
	sched, err := ParseSchedule(s.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%s schedule: %w", category, err)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Poller{
		category: category,
		deps:     deps,
		log:      deps.Log.With(logx.String("category", string(category))),
		restart:  make(chan struct{}, 1),
		settings: s,
		sched:    sched,
	}, nil
}

func (p *Poller) Category() feed.Category { return p.category }

func (p *Poller) State() State { return State(p.state.Load()) }

func (p *Poller) setState(s State) { p.state.Store(int32(s)) }

// Restart asks the loop to run an iteration now. It never blocks and never
// interrupts an iteration in progress.
func (p *Poller) Restart() {
	select {
	case p.restart <- struct{}{}:
	default:
	}
}

// Reconfigure applies new settings and restarts the loop so they take
// effect immediately.
func (p *Poller) Reconfigure(s Settings) error {
	sched, err := ParseSchedule(s.Schedule)
	if err != nil {
		return fmt.Errorf("%s schedule: %w", p.category, err)
	}
	p.mu.Lock()
	p.settings = s
	p.sched = sched
	p.mu.Unlock()
	p.Restart()
	return nil
}

func (p *Poller) current() (Settings, Schedule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings, p.sched
}

// Run is the poller loop. The first iteration starts immediately; later
// ones follow the schedule or a Restart. It returns when ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("poller %s already running", p.category)
	}
	defer p.running.Store(false)

	p.setState(Running)
	p.deps.Bus.Publish(eventbus.Event{Type: eventbus.PollerStarted, Data: string(p.category)})
	p.log.Info("poller started")
	defer func() {
		p.setState(Stopped)
		p.setNext(time.Time{})
		p.deps.Bus.Publish(eventbus.Event{Type: eventbus.PollerStopped, Data: string(p.category)})
		p.log.Info("poller stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		settings, sched := p.current()

		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if settings.Enabled {
			if p.State() == Stopped {
				p.setState(Running)
			}
			_, _ = p.RunOnce(ctx)
			next := sched.Next(time.Now())
			p.setNext(next)
			timer = time.NewTimer(time.Until(next))
			due = timer.C
		} else {
			p.setState(Stopped)
			p.setNext(time.Time{})
			p.log.Debug("feed disabled; waiting for reconfigure")
		}

		select {
		case <-ctx.Done():
		case <-p.restart:
			p.log.Debug("restart requested")
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (p *Poller) setNext(t time.Time) {
	p.mu.Lock()
	p.status.NextRun = t
	p.mu.Unlock()
}

// RunOnce performs one iteration. Errors abort the rest of the iteration;
// entries handled before the error stay handled.
func (p *Poller) RunOnce(ctx context.Context) (Result, error) {
	settings, _ := p.current()
	started := time.Now()
	res, outcome, err := p.iterate(ctx, settings)
	took := time.Since(started)

	switch outcome {
	case outcomeFetchError:
		p.log.Warn("feed fetch failed; retrying next iteration", logx.String("url", settings.URL), logx.Err(err))
		p.deps.Bus.Publish(eventbus.Event{Type: eventbus.PollerFetchFailed, Data: IterationEvent{Category: string(p.category), Outcome: outcome, Error: err.Error()}})
	case outcomeStoreError:
		p.log.Error("store error; iteration aborted", logx.Err(err))
	case outcomeOK:
		if res.Delivered > 0 || res.Failed > 0 {
			p.log.Info("iteration done",
				logx.Int("fetched", res.Fetched), logx.Int("delivered", res.Delivered),
				logx.Int("failed", res.Failed), logx.Duration("took", took))
		} else {
			p.log.Debug("iteration done", logx.Int("fetched", res.Fetched), logx.Int("seen", res.Seen), logx.Int("stale", res.Stale))
		}
	}
	p.deps.Metrics.iteration(string(p.category), outcome, took)

	ev := IterationEvent{Category: string(p.category), Outcome: outcome, Result: res}
	p.mu.Lock()
	p.status.LastRun = started
	p.status.LastResult = res
	p.status.Iterations++
	p.status.LastError = ""
	if err != nil {
		p.status.LastError = err.Error()
		ev.Error = err.Error()
	} else if outcome == outcomeOK {
		p.status.LastSuccess = started
	}
	p.mu.Unlock()
	p.deps.Bus.Publish(eventbus.Event{Type: eventbus.PollerIteration, Data: ev})
	return res, err
}

func (p *Poller) iterate(ctx context.Context, settings Settings) (Result, string, error) {
	cat := string(p.category)

	dest, ok, err := p.deps.Store.GetDestination(ctx, cat)
	if err != nil {
		return Result{}, outcomeStoreError, fmt.Errorf("get destination: %w", err)
	}
	if !ok {
		p.suspend()
		return Result{Suspended: true}, outcomeSuspended, nil
	}
	p.resume(dest)

	entries, err := p.deps.Source.Fetch(ctx, settings.URL)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, outcomeCanceled, ctx.Err()
		}
		return Result{}, outcomeFetchError, err
	}

	res := Result{Fetched: len(entries)}
	cutoff := feed.Cutoff(p.deps.Now(), settings.FreshnessWindow)
	feed.SortChronological(entries)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, outcomeCanceled, err
		}
		if e.Link == "" {
			p.deps.Metrics.skip(cat, "no_link")
			continue
		}
		if !e.IsFresh(cutoff) {
			if e.PublishedAt.IsZero() {
				p.log.Debug("entry has no usable timestamp; skipping",
					logx.String("link", e.Link), logx.String("published", e.PublishedRaw))
			}
			res.Stale++
			p.deps.Metrics.skip(cat, "stale")
			continue
		}

		id := feed.Identify(e.Link)
		seen, err := p.deps.Store.HasSeen(ctx, id)
		if err != nil {
			return res, outcomeStoreError, err
		}
		if seen {
			res.Seen++
			p.deps.Metrics.skip(cat, "seen")
			continue
		}

		// Recorded before dispatch: a failed send is never retried.
		err = p.deps.Store.RecordSeen(ctx, dedup.SeenRecord{
			ID:             id,
			Category:       cat,
			Title:          e.Title,
			Link:           e.Link,
			PublishedAtRaw: e.PublishedRaw,
		})
		if err != nil {
			return res, outcomeStoreError, err
		}

		name := p.deps.Resolver.Resolve(ctx, cat)
		delivered := p.deps.Dispatcher.Dispatch(ctx, name, e.Title, e.Link, e.PublishedRaw)
		p.deps.Metrics.dispatch(cat, delivered)
		if !delivered {
			res.Failed++
			continue
		}
		res.Delivered++
		if err := p.deps.Store.MarkDelivered(ctx, id); err != nil {
			return res, outcomeStoreError, err
		}
	}
	return res, outcomeOK, nil
}

func (p *Poller) suspend() {
	p.mu.Lock()
	first := !p.suspendLogged
	p.suspendLogged = true
	p.status.Destination = ""
	p.mu.Unlock()

	if p.State() != Stopped {
		p.setState(Suspended)
	}
	if first {
		p.log.Info("no destination configured; poller suspended (use /setdest)")
		p.deps.Bus.Publish(eventbus.Event{Type: eventbus.PollerSuspended, Data: string(p.category)})
		return
	}
	p.log.Debug("no destination configured; skipping iteration")
}

func (p *Poller) resume(dest string) {
	p.mu.Lock()
	p.suspendLogged = false
	p.status.Destination = dest
	p.mu.Unlock()
	if p.State() == Suspended {
		p.setState(Running)
		p.log.Info("destination configured; poller resumed", logx.String("destination", dest))
	}
}

// Preview lists the entries the next iteration would dispatch, oldest
// first, without recording anything.
func (p *Poller) Preview(ctx context.Context) ([]feed.Entry, error) {
	settings, _ := p.current()
	entries, err := p.deps.Source.Fetch(ctx, settings.URL)
	if err != nil {
		return nil, err
	}
	cutoff := feed.Cutoff(p.deps.Now(), settings.FreshnessWindow)
	feed.SortChronological(entries)

	out := make([]feed.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Link == "" || !e.IsFresh(cutoff) {
			continue
		}
		seen, err := p.deps.Store.HasSeen(ctx, feed.Identify(e.Link))
		if err != nil {
			return nil, err
		}
		if !seen {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *Poller) Snapshot() Status {
	p.mu.Lock()
	st := p.status
	st.URL = p.settings.URL
	st.Enabled = p.settings.Enabled
	st.Schedule = p.sched.Spec
	p.mu.Unlock()
	st.Category = p.category
	st.State = p.State()
	return st
}
