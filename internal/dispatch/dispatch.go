// Package dispatch turns feed entries into chat notifications and delivers
// them to named destinations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"newsbot/internal/destination"
	"newsbot/internal/eventbus"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

var ErrUnknownDestination = errors.New("unknown destination")

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher is safe for concurrent use; pollers of different categories
// share one instance and one rate limit.
type Dispatcher struct {
	sink transport.Sender
	dir  *destination.Directory
	bus  *eventbus.Bus
	log  logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, sink transport.Sender, dir *destination.Directory, bus *eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sink: sink, dir: dir, bus: bus, log: log}
	d.Apply(cfg)
	return d
}

// Apply swaps limits on config reload. Sends in flight keep the old ones.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	// burst = rate, so a short backlog after a restart is not throttled hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Dispatch posts one entry to the destination called name. It reports
// whether the notification was delivered; failures are logged, never
// returned.
func (d *Dispatcher) Dispatch(ctx context.Context, name, title, link, publishedRaw string) bool {
	log := d.log.With(logx.String("destination", name), logx.String("link", link))

	target, ok := d.dir.Lookup(name)
	if !ok {
		log.Warn("destination not found; entry not delivered", logx.Err(ErrUnknownDestination))
		d.publish(eventbus.DispatchFailed, name, link, ErrUnknownDestination)
		return false
	}

	text := Format(title, link, publishedRaw)
	if err := d.send(ctx, target, text, log); err != nil {
		log.Warn("dispatch failed", logx.Err(err))
		d.publish(eventbus.DispatchFailed, name, link, err)
		return false
	}
	log.Debug("dispatched", logx.Int64("chat_id", target.ChatID))
	d.publish(eventbus.DispatchSent, name, link, nil)
	return true
}

func (d *Dispatcher) send(ctx context.Context, to transport.ChatTarget, text string, log logx.Logger) error {
	d.mu.Lock()
	cfg, lim := d.cfg, d.limiter
	d.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryMaxDelay
	bo.RandomizationFactor = 0.3
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		_, err := d.sink.SendText(cctx, to, text, &transport.SendOptions{ParseMode: "HTML"})
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("send failed; retrying",
			logx.Int("attempt", attempt), logx.Duration("backoff", wait), logx.Err(err))
	}
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.RetryMax)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("send after %d attempt(s): %w", attempt, err)
	}
	return nil
}

func (d *Dispatcher) publish(typ, name, link string, err error) {
	ev := Event{Destination: name, Link: link}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// Event is the payload of dispatch.* bus events.
type Event struct {
	Destination string `json:"destination"`
	Link        string `json:"link"`
	Error       string `json:"error,omitempty"`
}

// Format renders the notification: the linked title in bold, then the
// publication date exactly as the feed spelled it.
func Format(title, link, publishedRaw string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = link
	}
	var b strings.Builder
	b.WriteString(`<b><a href="`)
	b.WriteString(html.EscapeString(link))
	b.WriteString(`">`)
	b.WriteString(html.EscapeString(title))
	b.WriteString("</a></b>")
	if raw := strings.TrimSpace(publishedRaw); raw != "" {
		b.WriteString("\nPublished on ")
		b.WriteString(html.EscapeString(raw))
	}
	return b.String()
}
