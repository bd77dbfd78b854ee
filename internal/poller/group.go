package poller

import (
	"fmt"
	"time"

	"newsbot/internal/feed"
	"newsbot/internal/runtime/supervisor"
)

// Group addresses pollers by category.
type Group struct {
	pollers map[feed.Category]*Poller
	order   []feed.Category
}

func NewGroup(pollers ...*Poller) *Group {
	g := &Group{pollers: make(map[feed.Category]*Poller, len(pollers))}
	for _, p := range pollers {
		if _, dup := g.pollers[p.category]; !dup {
			g.order = append(g.order, p.category)
		}
		g.pollers[p.category] = p
	}
	return g
}

func (g *Group) Get(c feed.Category) (*Poller, bool) {
	p, ok := g.pollers[c]
	return p, ok
}

// Start runs every poller loop under sup; a panicking loop is restarted.
func (g *Group) Start(sup *supervisor.Supervisor) {
	for _, c := range g.order {
		p := g.pollers[c]
		sup.GoRestart("poller."+string(c), p.Run,
			supervisor.WithRestartBackoff(time.Second, time.Minute),
		)
	}
}

// Restart sends a restart request to the poller of category c only.
func (g *Group) Restart(c feed.Category) error {
	p, ok := g.pollers[c]
	if !ok {
		return fmt.Errorf("%w: %q", feed.ErrUnknownCategory, c)
	}
	p.Restart()
	return nil
}

func (g *Group) Reconfigure(c feed.Category, s Settings) error {
	p, ok := g.pollers[c]
	if !ok {
		return fmt.Errorf("%w: %q", feed.ErrUnknownCategory, c)
	}
	return p.Reconfigure(s)
}

// Snapshots returns one status per poller in registration order.
func (g *Group) Snapshots() []Status {
	out := make([]Status, 0, len(g.order))
	for _, c := range g.order {
		out = append(out, g.pollers[c].Snapshot())
	}
	return out
}
