// Package commands handles chat commands (/setdest, /status, /check, /help)
// and the onboarding message sent when the bot joins a group.
package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"newsbot/internal/dedup"
	"newsbot/internal/destination"
	"newsbot/internal/eventbus"
	"newsbot/internal/feed"
	"newsbot/internal/poller"
	"newsbot/internal/runtime/supervisor"
	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

// Runtime is the running poller group, attached once polling has started.
type Runtime interface {
	Restart(c feed.Category) error
	Snapshots() []poller.Status
}

// Store is the dedup state commands read and change.
type Store interface {
	GetDestination(ctx context.Context, category string) (string, bool, error)
	SetDestination(ctx context.Context, category, name string) error
	Seen(ctx context.Context, category string, undeliveredOnly bool, limit int) ([]dedup.SeenRecord, error)
}

type Command struct {
	Name        string
	Usage       string
	Description string
	OwnerOnly   bool
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat   transport.ChatTarget
	FromID int64
	Args   []string
	ReqID  string
	Log    logx.Logger
}

type Deps struct {
	Sender    transport.Sender
	Store     Store
	Directory *destination.Directory
	Bus       *eventbus.Bus
	Log       logx.Logger
	// BotUsername scopes "/cmd@name" commands to this bot. Empty accepts
	// any suffix.
	BotUsername string
}

type runtimeRef struct{ Runtime }

type Manager struct {
	deps Deps
	log  logx.Logger

	mu     sync.RWMutex
	owners []int64
	cmds   map[string]Command
	order  []string

	rt atomic.Pointer[runtimeRef]

	jobs chan func()
}

func New(deps Deps, owners []int64) *Manager {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	m := &Manager{
		deps: deps,
		log:  deps.Log,
		jobs: make(chan func(), 64),
	}
	m.SetOwners(owners)
	m.register(m.builtins())
	return m
}

// SetOwners replaces the owner list; safe during config reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// Authorize reports whether userID may run privileged commands.
func (m *Manager) Authorize(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Contains(m.owners, userID)
}

// Attach makes the running pollers available to commands. Passing nil
// detaches them.
func (m *Manager) Attach(rt Runtime) {
	if rt == nil {
		m.rt.Store(nil)
		return
	}
	m.rt.Store(&runtimeRef{rt})
}

func (m *Manager) runtime() (Runtime, bool) {
	ref := m.rt.Load()
	if ref == nil {
		return nil, false
	}
	return ref.Runtime, true
}

func (m *Manager) register(cmds []Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = make(map[string]Command, len(cmds))
	m.order = m.order[:0]
	for _, c := range cmds {
		m.cmds[c.Name] = c
		m.order = append(m.order, c.Name)
	}
}

func (m *Manager) commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Map(m.order, func(name string, _ int) Command { return m.cmds[name] })
}

// UpdateMenu publishes the command list to adapters with a command menu.
func (m *Manager) UpdateMenu(ctx context.Context) {
	up, ok := m.deps.Sender.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := lo.Map(m.commands(), func(c Command, _ int) transport.BotCommand {
		return transport.BotCommand{Command: c.Name, Description: c.Description}
	})
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		m.log.Warn("command menu update failed", logx.Err(err))
	}
}

// Run consumes updates until ctx is done or updates is closed. Handlers run
// on a small worker pool so a slow reply never stalls polling.
func (m *Manager) Run(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithCancelOnError(false),
	)
	jobs := m.jobs
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("commands.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					m.runJob(idx, job)
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := m.route(ctx, up)
			if job == nil {
				continue
			}
			select {
			case jobs <- job:
			default:
				m.log.Warn("command queue full; update dropped", logx.String("kind", string(up.Kind)))
			}
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

// route turns an update into a job, or nil when there is nothing to do.
func (m *Manager) route(ctx context.Context, up transport.Update) func() {
	switch up.Kind {
	case transport.UpdateJoined:
		if up.Join == nil {
			return nil
		}
		j := *up.Join
		return func() { m.welcome(ctx, j) }
	case transport.UpdateMessage:
		if up.Message == nil {
			return nil
		}
		return m.routeMessage(ctx, *up.Message)
	}
	return nil
}

func (m *Manager) routeMessage(ctx context.Context, msg transport.Message) func() {
	name, args, ok := parseCommand(msg.Text, m.deps.BotUsername)
	if !ok {
		return nil
	}
	m.mu.RLock()
	cmd, found := m.cmds[name]
	m.mu.RUnlock()
	if !found {
		// Group chats see every bot's commands; stay quiet there.
		if !msg.IsPrivate {
			return nil
		}
		cmd = Command{Name: name, Handle: func(ctx context.Context, req *Request) error {
			return m.reply(ctx, req, "Unknown command. Try /help")
		}}
	}

	req := &Request{
		Chat:   transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID: msg.FromID,
		Args:   args,
		ReqID:  uuid.NewString()[:8],
	}
	req.Log = m.log.With(
		logx.String("rid", req.ReqID),
		logx.String("cmd", cmd.Name),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
	)

	h := cmd.Handle
	if cmd.OwnerOnly {
		h = m.requireOwner(h)
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	final := Chain(h, recoverPanic(), requestLog(), withTimeout(timeout))
	return func() { _ = final(ctx, req) }
}

// requireOwner rejects non-owners before the handler can change anything.
func (m *Manager) requireOwner(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if !m.Authorize(req.FromID) {
			req.Log.Info("unauthorized command rejected")
			return m.reply(ctx, req, "You are not allowed to use this command.")
		}
		return next(ctx, req)
	}
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]). A command
// addressed to another bot is not ours.
func parseCommand(text, botName string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		to := name[i+1:]
		if botName != "" && !strings.EqualFold(to, strings.TrimPrefix(botName, "@")) {
			return "", nil, false
		}
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}

func (m *Manager) reply(ctx context.Context, req *Request, html string) error {
	_, err := m.deps.Sender.SendText(ctx, req.Chat, html, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}
