package router

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	rtsup "snapbot/internal/runtime/supervisor"
	"snapbot/internal/transport"
	"snapbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g.:
	//   "help"
	//   "snapshot run"
	Route       string
	Aliases     []string // root-level aliases, e.g. ["snap"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Message transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens
	Command string
	Args    []string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Sender      transport.Sender
	Logger      logx.Logger
	OwnerUserID []int64
}

// Reply sends plain text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) Replyf(ctx context.Context, format string, args ...any) error {
	return r.Reply(ctx, fmt.Sprintf(format, args...))
}

const (
	defaultJobQueue   = 256
	defaultCmdTimeout = 2 * time.Minute
	menuUpdateTimeout = 5 * time.Second
)

type Options struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
}

type CommandManager struct {
	mu sync.RWMutex

	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node
	menu  []transport.BotCommand

	owners []int64

	log    logx.Logger
	sender transport.Sender
	opts   Options

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, sender transport.Sender, owners []int64, opts Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = max(2, runtime.NumCPU())
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultJobQueue
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultCmdTimeout
	}
	return &CommandManager{
		root:   newRoot(),
		alias:  map[string]*cmdNode{},
		log:    log,
		sender: sender,
		opts:   opts,
		owners: append([]int64(nil), owners...),
		jobs:   make(chan func(), opts.QueueSize),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetRegistry replaces the command tree. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Sender.SendText(ctx, req.Chat, m.helpText(req.Args), &transport.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	leaves := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)
		leaves = append(leaves, c)
		leaf := root.find(route)

		// Multi-token routes get a /a_b alias so Telegram's menu can
		// autocomplete them. The bare single-token name must not be an
		// alias or it would short-circuit subcommand traversal.
		if menu, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, exists := alias[menu]; !exists {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	menu := buildTelegramMenuCommands(root, leaves)
	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.menu = menu
	m.mu.Unlock()

	m.runMu.Lock()
	sup := m.sup
	m.runMu.Unlock()
	if sup != nil {
		sup.Go0("telegram.menu.update", m.publishMenu)
	}
}

// publishMenu pushes the command list to the chat platform when the
// sender supports it.
func (m *CommandManager) publishMenu(ctx context.Context) {
	up, ok := m.sender.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	m.mu.RLock()
	menu := m.menu
	m.mu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, menuUpdateTimeout)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

// tryEnqueue is a non-blocking enqueue that survives a closed channel.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes messages from in to a bounded worker pool until
// ctx ends or in is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, in <-chan transport.Message) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()

	m.log.Info("command dispatcher started", logx.Int("workers", m.opts.Workers), logx.Int("job_queue_cap", cap(m.jobs)))
	sup.Go0("telegram.menu.update", m.publishMenu)

	for i := 0; i < m.opts.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("command.worker.%d", idx), func(c context.Context) error {
			m.workerLoop(c, idx)
			return nil
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			m.routeMessage(ctx, msg)
		}
	}
}

func (m *CommandManager) workerLoop(ctx context.Context, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-m.jobs:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, msg transport.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	if leaf, ok := alias[word]; ok && leaf != nil && leaf.cmd != nil {
		m.enqueue(ctx, msg, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	cur, ok := root.child(word)
	if !ok {
		// in groups the bot sees every /command; stay quiet
		if !msg.IsGroup {
			_, _ = m.sender.SendText(ctx, msg.Target(), "Unknown command. Try /help", nil)
		}
		return
	}
	path := []string{word}
	for len(args) > 0 && !isFlag(args[0]) {
		child, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = child
		path = append(path, child.name)
		args = args[1:]
	}

	if cur.cmd == nil {
		_, _ = m.sender.SendText(ctx, msg.Target(), m.helpText(path), &transport.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}
	m.enqueue(ctx, msg, *cur.cmd, path, args)
}

func (m *CommandManager) enqueue(ctx context.Context, msg transport.Message, cmd Command, path, raw []string) {
	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = m.sender.SendText(ctx, msg.Target(), "unauthorized", nil)
		m.log.Info("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Route))
		return
	}

	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Message:   msg,
		Chat:      msg.Target(),
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Sender:    m.sender,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
		),
		OwnerUserID: owners,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.sender.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
