package app

import (
	"context"
	"fmt"
	"time"

	"newsbot/internal/config"
	"newsbot/internal/dedup"
	"newsbot/internal/destination"
	"newsbot/internal/dispatch"
	"newsbot/internal/eventbus"
	"newsbot/internal/feed"
	"newsbot/internal/poller"
	"newsbot/internal/transport/telegram"
	logx "newsbot/pkg/logx"
)

// One-shot operations used by the CLI. They open the store, do one thing
// and close it again; none of them starts polling. The file driver is
// locked by a running bot (storage.ErrLocked); use sqlite or postgres to
// run them alongside it.

func withStore(cfg *config.Config, log logx.Logger, fn func(*dedup.Store) error) error {
	st, err := OpenStore(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = st.Close() }()
	return fn(dedup.New(st))
}

// SetDestination persists the destination of category c. With a shared
// database a running bot picks the change up on its next iteration.
func SetDestination(ctx context.Context, cfg *config.Config, log logx.Logger, c feed.Category, name string) error {
	dir := destination.NewDirectory(destinationTargets(cfg))
	name = destination.Normalize(name)
	if _, ok := dir.Lookup(name); !ok {
		return fmt.Errorf("%w: %q (known: %v)", dispatch.ErrUnknownDestination, name, dir.Names())
	}
	return withStore(cfg, log, func(s *dedup.Store) error {
		return s.SetDestination(ctx, string(c), name)
	})
}

func GetDestination(ctx context.Context, cfg *config.Config, log logx.Logger, c feed.Category) (name string, ok bool, err error) {
	err = withStore(cfg, log, func(s *dedup.Store) error {
		name, ok, err = s.GetDestination(ctx, string(c))
		return err
	})
	return name, ok, err
}

// Records lists the latest processed entries, newest first. An empty
// category lists all of them.
func Records(ctx context.Context, cfg *config.Config, log logx.Logger, category string, undeliveredOnly bool, limit int) ([]dedup.SeenRecord, error) {
	var out []dedup.SeenRecord
	err := withStore(cfg, log, func(s *dedup.Store) error {
		var err error
		out, err = s.Recent(ctx, category, undeliveredOnly, limit)
		return err
	})
	return out, err
}

// CheckReport is the outcome of Check. Pending is only set on a dry run.
type CheckReport struct {
	Result  poller.Result
	Pending []feed.Entry
}

// Check runs a single iteration of category c. A dry run fetches and
// filters but records and sends nothing.
func Check(ctx context.Context, cfg *config.Config, log logx.Logger, c feed.Category, dryRun bool) (CheckReport, error) {
	settings, err := FeedSettings(cfg, c)
	if err != nil {
		return CheckReport{}, err
	}
	src, err := NewSource(cfg, log.With(logx.String("comp", "feed")))
	if err != nil {
		return CheckReport{}, err
	}

	var rep CheckReport
	err = withStore(cfg, log, func(s *dedup.Store) error {
		deps := poller.Deps{
			Source:     src,
			Store:      s,
			Resolver:   destination.NewResolver(s, log.With(logx.String("comp", "destination"))),
			Dispatcher: previewOnly{},
			Log:        log.With(logx.String("comp", "poller")),
		}
		if !dryRun {
			if err := requireToken(cfg); err != nil {
				return err
			}
			ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: 10 * time.Second},
				log.With(logx.String("comp", "telegram")))
			if err != nil {
				return err
			}
			dcfg, err := dispatchConfig(cfg)
			if err != nil {
				return err
			}
			dir := destination.NewDirectory(destinationTargets(cfg))
			deps.Dispatcher = dispatch.New(dcfg, ad, dir, eventbus.New(), log.With(logx.String("comp", "dispatch")))
		}

		p, err := poller.New(c, settings, deps)
		if err != nil {
			return err
		}
		if dryRun {
			rep.Pending, err = p.Preview(ctx)
			return err
		}
		rep.Result, err = p.RunOnce(ctx)
		return err
	})
	return rep, err
}

// previewOnly stands in for the dispatcher on a dry run; Preview never
// dispatches.
type previewOnly struct{}

func (previewOnly) Dispatch(context.Context, string, string, string, string) bool { return false }
