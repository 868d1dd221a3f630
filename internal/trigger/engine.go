// Package trigger owns the active cron timers, one per schedule key.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"snapbot/internal/storage"
	"snapbot/pkg/logx"
)

var ErrInvalidSpec = errors.New("invalid cron expression")

// Entry describes one active timer.
type Entry struct {
	Key           string
	Target        string
	ResourceGroup string
	Spec          string
	Next          time.Time
	Prev          time.Time
}

type timerDef struct {
	target string
	rg     string
	spec   string
	fire   func()
	id     cron.EntryID
}

// Engine is the Active Timer Set. Register replaces, Unregister stops.
// All timers fire in the engine's location.
type Engine struct {
	mu      sync.Mutex
	log     logx.Logger
	parser  cron.Parser
	loc     *time.Location
	c       *cron.Cron
	running bool
	defs    map[string]*timerDef
}

func New(loc *time.Location, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	e := &Engine{
		log: log,
		// five fields, an optional leading seconds field, or @descriptors
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
		defs:   map[string]*timerDef{},
	}
	e.c = e.newCron()
	return e
}

func (e *Engine) newCron() *cron.Cron {
	cl := cronLogger{log: e.log}
	return cron.New(
		cron.WithParser(e.parser),
		cron.WithLocation(e.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
}

// Validate parses spec without registering anything.
func (e *Engine) Validate(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSpec)
	}
	if _, err := e.parser.Parse(spec); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}
	return nil
}

// Register installs a timer for (target, resourceGroup) that calls fire
// at every trigger instant. An invalid spec leaves any existing timer
// for the key in place.
func (e *Engine) Register(target, resourceGroup, spec string, fire func()) error {
	if fire == nil {
		return errors.New("trigger: fire func is nil")
	}
	if err := e.Validate(spec); err != nil {
		return err
	}
	key := storage.Key(target, resourceGroup)
	d := &timerDef{target: target, rg: resourceGroup, spec: strings.TrimSpace(spec), fire: fire}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.defs[key]; ok {
		e.c.Remove(old.id)
		delete(e.defs, key)
	}
	if err := e.addLocked(key, d); err != nil {
		return err
	}
	e.log.Info("timer registered", logx.String("key", key), logx.String("spec", d.spec))
	return nil
}

func (e *Engine) addLocked(key string, d *timerDef) error {
	id, err := e.c.AddFunc(d.spec, d.fire)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSpec, d.spec, err)
	}
	d.id = id
	e.defs[key] = d
	return nil
}

// Unregister stops the timer for the key and reports whether one existed.
func (e *Engine) Unregister(target, resourceGroup string) bool {
	key := storage.Key(target, resourceGroup)

	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.defs[key]
	if !ok {
		return false
	}
	e.c.Remove(d.id)
	delete(e.defs, key)
	e.log.Info("timer removed", logx.String("key", key))
	return true
}

func (e *Engine) Has(target, resourceGroup string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.defs[storage.Key(target, resourceGroup)]
	return ok
}

// Entries lists active timers sorted by key.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Entry, 0, len(e.defs))
	for key, d := range e.defs {
		ce := e.c.Entry(d.id)
		out = append(out, Entry{
			Key:           key,
			Target:        d.target,
			ResourceGroup: d.rg,
			Spec:          d.spec,
			Next:          ce.Next,
			Prev:          ce.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (e *Engine) Location() *time.Location {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loc
}

func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.c.Start()
	e.running = true
	e.log.Info("trigger engine started", logx.String("tz", e.loc.String()), logx.Int("timers", len(e.defs)))
}

// Stop halts firing and waits for running fire funcs, bounded by ctx.
// Registered timers are kept; Start resumes them.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	done := e.c.Stop()
	e.mu.Unlock()

	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	e.log.Info("trigger engine stopped")
}

// SetLocation moves every timer to loc.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loc.String() == loc.String() {
		return
	}
	if e.running {
		<-e.c.Stop().Done()
	}
	e.loc = loc
	e.c = e.newCron()
	for key, d := range e.defs {
		if err := e.addLocked(key, d); err != nil {
			e.log.Error("timer re-register failed", logx.String("key", key), logx.Err(err))
			delete(e.defs, key)
		}
	}
	if e.running {
		e.c.Start()
	}
	e.log.Info("trigger engine relocated", logx.String("tz", loc.String()), logx.Int("timers", len(e.defs)))
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
