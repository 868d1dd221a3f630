package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"snapbot/internal/eventbus"
	"snapbot/internal/notify"
	"snapbot/internal/storage"
	"snapbot/internal/trigger"
	"snapbot/pkg/logx"
)

var (
	ErrNotScheduled = errors.New("snapshot not scheduled")
	ErrInvalidArgs  = errors.New("target and repository are required")
)

// Broadcaster hands out the sink used for timer-fired operations.
type Broadcaster interface {
	Broadcast() notify.Sink
}

// Service ties the schedule store, the trigger engine and the
// coordinator together. Schedule mutations are serialized.
type Service struct {
	coord    *Coordinator
	engine   *trigger.Engine
	store    storage.Store
	notifier Broadcaster
	log      logx.Logger
	bus      eventbus.Bus

	mu sync.Mutex
}

func NewService(coord *Coordinator, engine *trigger.Engine, store storage.Store, notifier Broadcaster, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{coord: coord, engine: engine, store: store, notifier: notifier, log: log, bus: bus}
}

func (s *Service) Coordinator() *Coordinator { return s.coord }

func (s *Service) broadcast() notify.Sink {
	if s.notifier == nil {
		return notify.Discard
	}
	return s.notifier.Broadcast()
}

// fireFunc is what a timer runs. It is bound to the coordinator's
// lifetime, not to the request that created the schedule.
func (s *Service) fireFunc(target, resourceGroup string) func() {
	return func() {
		ctx := WithTrigger(s.coord.Context(), TriggerSchedule)
		if ctx.Err() != nil {
			return
		}
		s.log.Info("scheduled snapshot fired", logx.String("key", storage.Key(target, resourceGroup)))
		if _, err := s.coord.Create(ctx, target, resourceGroup, s.broadcast()); err != nil {
			s.log.Warn("scheduled snapshot failed", logx.String("key", storage.Key(target, resourceGroup)), logx.Err(err))
		}
	}
}

func normalize(target, resourceGroup string) (string, string, error) {
	target, resourceGroup = strings.TrimSpace(target), strings.TrimSpace(resourceGroup)
	if target == "" || resourceGroup == "" {
		return "", "", ErrInvalidArgs
	}
	return target, resourceGroup, nil
}

// Schedule persists the entry and (re)installs its timer. It returns only
// after the store has written the entry.
func (s *Service) Schedule(ctx context.Context, target, resourceGroup, cronExpr string) error {
	target, resourceGroup, err := normalize(target, resourceGroup)
	if err != nil {
		return err
	}
	cronExpr = strings.TrimSpace(cronExpr)
	if err := s.engine.Validate(cronExpr); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := storage.ScheduleEntry{Target: target, ResourceGroup: resourceGroup, CronExpression: cronExpr}
	key := entry.Key()
	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	prev, hadPrev := all[key]

	if err := s.store.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("stage schedule %s: %w", key, err)
	}
	if err := s.store.Persist(ctx); err != nil {
		if hadPrev {
			_ = s.store.Upsert(ctx, prev)
		} else {
			_, _ = s.store.Remove(ctx, key)
		}
		return fmt.Errorf("persist schedule %s: %w", key, err)
	}

	if err := s.engine.Register(target, resourceGroup, cronExpr, s.fireFunc(target, resourceGroup)); err != nil {
		return fmt.Errorf("register schedule %s: %w", key, err)
	}
	s.log.Info("schedule saved", logx.String("key", key), logx.String("cron", cronExpr), logx.Bool("replaced", hadPrev))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleAdded, Time: time.Now(), Data: eventbus.ScheduleData{Key: key, Cron: cronExpr}})
	return nil
}

// Unschedule removes the entry, stops its timer and drops tracking of any
// operation still being polled for the key.
func (s *Service) Unschedule(ctx context.Context, target, resourceGroup string) error {
	target, resourceGroup, err := normalize(target, resourceGroup)
	if err != nil {
		return err
	}
	key := storage.Key(target, resourceGroup)

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	prev, inStore := all[key]
	if !inStore && !s.engine.Has(target, resourceGroup) {
		return fmt.Errorf("%s: %w", key, ErrNotScheduled)
	}

	if inStore {
		if _, err := s.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("stage removal %s: %w", key, err)
		}
		if err := s.store.Persist(ctx); err != nil {
			_ = s.store.Upsert(ctx, prev)
			return fmt.Errorf("persist removal %s: %w", key, err)
		}
	}

	s.engine.Unregister(target, resourceGroup)
	if s.coord.Cancel(key) {
		s.log.Info("in-flight snapshot no longer tracked", logx.String("key", key))
	}
	s.log.Info("schedule removed", logx.String("key", key))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleRemoved, Time: time.Now(), Data: eventbus.ScheduleData{Key: key, Cron: prev.CronExpression}})
	return nil
}

// List renders "[key]: cron" lines sorted by key.
func (s *Service) List(ctx context.Context) (string, error) {
	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return "", fmt.Errorf("load schedules: %w", err)
	}
	return FormatSchedules(all), nil
}

func FormatSchedules(all map[string]storage.ScheduleEntry) string {
	if len(all) == 0 {
		return "No scheduled snapshots"
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "[%s]: %s\n", k, all[k].CronExpression)
	}
	return b.String()
}

// Restore registers a timer for every stored entry. Entries whose cron
// no longer parses are logged and skipped.
func (s *Service) Restore(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := 0
	for _, key := range keys {
		entry := all[key]
		if err := s.engine.Register(entry.Target, entry.ResourceGroup, entry.CronExpression, s.fireFunc(entry.Target, entry.ResourceGroup)); err != nil {
			s.log.Warn("stored schedule skipped", logx.String("key", key), logx.String("cron", entry.CronExpression), logx.Err(err))
			continue
		}
		n++
	}
	s.log.Info("schedules restored", logx.Int("count", n), logx.Int("stored", len(all)))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleRestored, Time: time.Now(), Data: eventbus.ScheduleData{Count: n}})
	return n, nil
}

// Run starts one snapshot now.
func (s *Service) Run(ctx context.Context, target, resourceGroup string, sink notify.Sink) (Record, error) {
	target, resourceGroup, err := normalize(target, resourceGroup)
	if err != nil {
		return Record{}, err
	}
	return s.coord.Create(ctx, target, resourceGroup, sink)
}

// Prune applies retention to one repository. days <= 0 uses the
// configured retention, or DefaultPruneDays when none is set.
func (s *Service) Prune(ctx context.Context, target, resourceGroup string, days int, sink notify.Sink) (PruneResult, error) {
	target, resourceGroup, err := normalize(target, resourceGroup)
	if err != nil {
		return PruneResult{}, err
	}
	if days <= 0 {
		days = s.coord.config().RetentionDays
	}
	if days <= 0 {
		days = DefaultPruneDays
	}
	return s.coord.Prune(ctx, target, resourceGroup, days, sink)
}

// Status is a point-in-time view of timers and in-flight operations.
type Status struct {
	Timers []trigger.Entry
	Active []ActiveOperation
	Zone   string
}

func (s *Service) Status() Status {
	return Status{
		Timers: s.engine.Entries(),
		Active: s.coord.Active(),
		Zone:   s.engine.Location().String(),
	}
}

func (st Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Timers (%s): %d\n", st.Zone, len(st.Timers))
	for _, t := range st.Timers {
		next := "-"
		if !t.Next.IsZero() {
			next = t.Next.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "[%s]: %s next %s\n", t.Key, t.Spec, next)
	}
	fmt.Fprintf(&b, "In progress: %d\n", len(st.Active))
	for _, a := range st.Active {
		fmt.Fprintf(&b, "[%s]: %s %s (%s, polls %d)\n", a.Key(), a.OperationName, a.State, a.Trigger, a.Polls)
	}
	return strings.TrimRight(b.String(), "\n")
}
