package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/samber/lo"

	"newsbot/internal/destination"
	"newsbot/internal/eventbus"
	"newsbot/internal/feed"
	"newsbot/internal/poller"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

const notInitialized = "News module not initialized yet."

// DestinationEvent is the payload of destination.changed bus events.
type DestinationEvent struct {
	Category    string `json:"category"`
	Destination string `json:"destination"`
	By          int64  `json:"by"`
}

func (m *Manager) builtins() []Command {
	return []Command{
		{
			Name:        "setdest",
			Usage:       "/setdest <filings|press> <destination>",
			Description: "set where a feed is posted",
			OwnerOnly:   true,
			Handle:      m.setDestination,
		},
		{
			Name:        "status",
			Usage:       "/status",
			Description: "show feed pollers",
			Handle:      m.status,
		},
		{
			Name:        "check",
			Usage:       "/check <filings|press>",
			Description: "poll a feed now",
			OwnerOnly:   true,
			Handle:      m.check,
		},
		{
			Name:        "help",
			Usage:       "/help",
			Description: "show commands",
			Handle:      m.help,
		},
		{
			Name:        "start",
			Usage:       "/start",
			Description: "show commands",
			Handle:      m.help,
		},
	}
}

func (m *Manager) setDestination(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return m.reply(ctx, req, m.setdestUsage())
	}
	cat, err := feed.ParseCategory(req.Args[0])
	if err != nil {
		return m.reply(ctx, req, m.setdestUsage())
	}
	name := destination.Normalize(req.Args[1])
	if _, ok := m.deps.Directory.Lookup(name); !ok {
		return m.reply(ctx, req, fmt.Sprintf("Unknown destination %s.\n%s",
			html.EscapeString("#"+name), m.setdestUsage()))
	}

	if err := m.deps.Store.SetDestination(ctx, string(cat), name); err != nil {
		_ = m.reply(ctx, req, "Could not save the destination, try again later.")
		return err
	}
	req.Log.Info("destination set", logx.String("category", string(cat)), logx.String("destination", name))
	m.deps.Bus.Publish(eventbus.Event{
		Type: eventbus.DestinationChanged,
		Data: DestinationEvent{Category: string(cat), Destination: name, By: req.FromID},
	})

	rt, ok := m.runtime()
	if !ok {
		return m.reply(ctx, req, notInitialized)
	}
	if err := rt.Restart(cat); err != nil {
		return err
	}
	return m.reply(ctx, req, fmt.Sprintf("%s updates will be posted in %s",
		cat.Title(), html.EscapeString("#"+name)))
}

func (m *Manager) setdestUsage() string {
	var b strings.Builder
	b.WriteString("Usage: /setdest &lt;filings|press&gt; &lt;destination&gt;")
	if names := m.deps.Directory.Names(); len(names) > 0 {
		b.WriteString("\nDestinations: ")
		b.WriteString(html.EscapeString(strings.Join(lo.Map(names, func(n string, _ int) string { return "#" + n }), ", ")))
	}
	return b.String()
}

func (m *Manager) check(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return m.reply(ctx, req, "Usage: /check &lt;filings|press&gt;")
	}
	cat, err := feed.ParseCategory(req.Args[0])
	if err != nil {
		return m.reply(ctx, req, "Usage: /check &lt;filings|press&gt;")
	}
	rt, ok := m.runtime()
	if !ok {
		return m.reply(ctx, req, notInitialized)
	}
	if err := rt.Restart(cat); err != nil {
		return err
	}
	return m.reply(ctx, req, fmt.Sprintf("Checking %s now.", cat))
}

func (m *Manager) status(ctx context.Context, req *Request) error {
	rt, ok := m.runtime()
	if !ok {
		return m.reply(ctx, req, notInitialized)
	}
	var b strings.Builder
	for i, st := range rt.Snapshots() {
		if i > 0 {
			b.WriteString("\n\n")
		}
		m.writeStatus(ctx, &b, st)
	}
	return m.reply(ctx, req, b.String())
}

func (m *Manager) writeStatus(ctx context.Context, b *strings.Builder, st poller.Status) {
	fmt.Fprintf(b, "<b>%s</b>: %s\n", st.Category.Title(), st.State)
	dest, ok, err := m.deps.Store.GetDestination(ctx, string(st.Category))
	switch {
	case err != nil:
		b.WriteString("destination: unavailable\n")
	case !ok:
		b.WriteString("destination: not set (falls back to #" + destination.Default + ")\n")
	default:
		b.WriteString("destination: " + html.EscapeString("#"+dest) + "\n")
	}
	b.WriteString("schedule: " + html.EscapeString(st.Schedule))
	if !st.NextRun.IsZero() {
		b.WriteString(", next " + st.NextRun.UTC().Format(time.TimeOnly) + " UTC")
	}
	b.WriteString("\n")
	if st.LastRun.IsZero() {
		b.WriteString("last run: never")
	} else {
		fmt.Fprintf(b, "last run: %s ago (delivered %d, failed %d)",
			time.Since(st.LastRun).Round(time.Second), st.LastResult.Delivered, st.LastResult.Failed)
	}
	if st.LastError != "" {
		b.WriteString("\nlast error: " + html.EscapeString(st.LastError))
	}
	if undelivered, err := m.deps.Store.Seen(ctx, string(st.Category), true, 0); err == nil && len(undelivered) > 0 {
		fmt.Fprintf(b, "\nundelivered: %d", len(undelivered))
	}
}

func (m *Manager) help(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("<b>Commands</b>")
	for _, c := range m.commands() {
		if c.Name == "start" {
			continue
		}
		fmt.Fprintf(&b, "\n%s - %s", html.EscapeString(c.Usage), html.EscapeString(c.Description))
		if c.OwnerOnly {
			b.WriteString(" (owner)")
		}
	}
	return m.reply(ctx, req, b.String())
}

// WelcomeText is sent privately to whoever adds the bot to a group.
const WelcomeText = "Thank you for using the NVIDIA news bot!\n" +
	"Please use the /setdest command to choose where updates are posted.\n" +
	"For example, use /setdest filings sec-filings for SEC filings, and\n" +
	"/setdest press press-releases for press releases.\n" +
	"You can also use the same destination for both updates if you prefer."

func (m *Manager) welcome(ctx context.Context, j transport.Join) {
	log := m.log.With(logx.Int64("chat_id", j.ChatID), logx.Int64("inviter_id", j.InviterID))
	if j.InviterID == 0 {
		log.Debug("joined a group without a known inviter")
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := m.deps.Sender.SendText(cctx, transport.PrivateChat(j.InviterID), WelcomeText, nil); err != nil {
		// Bots cannot message users who never opened a private chat.
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Warn("welcome message not delivered", logx.Err(err))
		return
	}
	log.Info("welcome message sent", logx.String("group", j.ChatTitle))
}
