// Package app wires the bot together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"newsbot/internal/commands"
	"newsbot/internal/config"
	"newsbot/internal/dedup"
	"newsbot/internal/destination"
	"newsbot/internal/dispatch"
	"newsbot/internal/eventbus"
	"newsbot/internal/feed"
	"newsbot/internal/ops"
	"newsbot/internal/poller"
	"newsbot/internal/runtime/supervisor"
	"newsbot/internal/storage"
	"newsbot/internal/transport"
	"newsbot/internal/transport/telegram"
	logx "newsbot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// App is the application context: every long-lived component, built once
// at startup and passed explicitly.
type App struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service

	bus   *eventbus.Bus
	reg   *prometheus.Registry
	store storage.Store
	seen  *dedup.Store
	dir   *destination.Directory

	adapter *telegram.Adapter
	disp    *dispatch.Dispatcher
	group   *poller.Group
	cmds    *commands.Manager
	ops     *ops.Server

	sup     *supervisor.Supervisor
	updates chan transport.Update
}

// New loads cfgPath and builds every component. Nothing runs until Start.
// Startup configuration errors (missing token, bad storage or schedule)
// are returned here.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := requireToken(cfg); err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	// The chat sink needs the adapter, which needs a logger: start without
	// a sender and attach it below.
	logs, root := logx.NewService(logConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
		root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logs.SetSender(func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := ad.SendText(ctx, transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &transport.SendOptions{DisablePreview: true})
		return err
	})

	store, err := OpenStore(cfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	seen := dedup.New(store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := eventbus.New()
	dir := destination.NewDirectory(destinationTargets(cfg))

	dcfg, err := dispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	disp := dispatch.New(dcfg, ad, dir, bus, root.With(logx.String("comp", "dispatch")))

	src, err := NewSource(cfg, root.With(logx.String("comp", "feed")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	deps := poller.Deps{
		Source:     src,
		Store:      seen,
		Resolver:   destination.NewResolver(seen, root.With(logx.String("comp", "destination"))),
		Dispatcher: disp,
		Bus:        bus,
		Metrics:    poller.NewMetrics(reg),
		Log:        root.With(logx.String("comp", "poller")),
	}
	var pollers []*poller.Poller
	for _, c := range feed.Categories() {
		s, err := FeedSettings(cfg, c)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		p, err := poller.New(c, s, deps)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		pollers = append(pollers, p)
	}

	cmds := commands.New(commands.Deps{
		Sender:    ad,
		Store:     seen,
		Directory: dir,
		Bus:       bus,
		Log:       root.With(logx.String("comp", "commands")),

		BotUsername: ad.Username(),
	}, cfg.Telegram.OwnerUserIDs)

	ocfg, err := opsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		reg:     reg,
		store:   store,
		seen:    seen,
		dir:     dir,
		adapter: ad,
		disp:    disp,
		group:   poller.NewGroup(pollers...),
		cmds:    cmds,
		updates: make(chan transport.Update, 256),
	}
	a.ops = ops.New(ocfg, reg, a.health, root.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) health() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := requireToken(cfg); err != nil {
			return err
		}
		return validateRuntime(cfg)
	})

	if err := a.ops.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("commands.menu", a.cmds.UpdateMenu)
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.Run(c, a.updates)
	})

	a.group.Start(a.sup)
	// From here on /setdest can restart pollers.
	a.cmds.Attach(a.group)

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = drainLatest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("destinations", len(a.dir.Names())), logx.Int("owners", len(a.cfgm.Get().Telegram.OwnerUserIDs)))
	return nil
}

// drainLatest coalesces a burst of reloads into the newest one.
func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-ch:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(changed); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(logConfig(next))
	a.cmds.SetOwners(next.Telegram.OwnerUserIDs)
	a.dir.Replace(destinationTargets(next))

	if dcfg, err := dispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}

	for _, c := range feed.Categories() {
		before, _ := FeedSettings(prev, c)
		after, err := FeedSettings(next, c)
		if err != nil {
			a.log.Warn("invalid feed config; keeping previous", logx.String("category", string(c)), logx.Err(err))
			continue
		}
		if before == after {
			continue
		}
		if err := a.group.Reconfigure(c, after); err != nil {
			a.log.Warn("feed reconfigure failed", logx.String("category", string(c)), logx.Err(err))
		}
	}

	if ocfg, err := opsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else if err := a.ops.Reconfigure(ctx, ocfg); err != nil {
		a.log.Warn("ops server reconfigure failed", logx.Err(err))
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
}

// Stop shuts components down in dependency order, bounding each step.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.cmds.Attach(nil)
	a.sup.Cancel()

	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "ops", time.Second, a.ops.Stop)
	// Pollers and the command workers unwind from the cancelled context.
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn with an upper bound so one component cannot stall shutdown.
// The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
