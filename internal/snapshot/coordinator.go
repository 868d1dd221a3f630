package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"snapbot/internal/eventbus"
	"snapbot/internal/notify"
	"snapbot/internal/remote"
	rtsup "snapbot/internal/runtime/supervisor"
	"snapbot/internal/storage"
	"snapbot/pkg/logx"
)

// nameLayout names operations to the minute, so two triggers for the
// same key inside one minute address the same remote snapshot.
const nameLayout = "200601021504"

const (
	DefaultPollInterval = 30 * time.Minute
	DefaultPruneDays    = 30
	pruneParallelism    = 4
)

var (
	ErrInvalidRetention = errors.New("days to keep must be at least 1")
	ErrStopped          = errors.New("snapshot coordinator stopped")
)

// Record is the coordinator's view of one snapshot operation.
type Record struct {
	Target        string
	ResourceGroup string
	OperationName string
	State         remote.State
}

func (r Record) Key() string { return storage.Key(r.Target, r.ResourceGroup) }

// CoordinatorConfig holds the settings that may change on reload.
type CoordinatorConfig struct {
	PollInterval  time.Duration
	Location      *time.Location
	RetentionDays int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.RetentionDays < 0 {
		c.RetentionDays = 0
	}
	return c
}

// ActiveOperation is an in-flight record plus bookkeeping for status output.
type ActiveOperation struct {
	Record
	ID      string
	Trigger string
	Started time.Time
	Polls   int
}

type pollTask struct {
	id      string
	rec     Record
	trigger string
	started time.Time
	polls   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
}

// Coordinator creates snapshots and owns the polling task for every key
// with an operation in flight. At most one task exists per key.
type Coordinator struct {
	remotes remote.Factory
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	mu    sync.Mutex
	cfg   CoordinatorConfig
	tasks map[string]*pollTask

	sup *rtsup.Supervisor
}

type CoordinatorOption func(*Coordinator)

// WithClock replaces time.Now for operation naming and retention cutoffs.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithEventBus(bus eventbus.Bus) CoordinatorOption {
	return func(c *Coordinator) {
		if bus != nil {
			c.bus = bus
		}
	}
}

func NewCoordinator(remotes remote.Factory, cfg CoordinatorConfig, log logx.Logger, opts ...CoordinatorOption) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		remotes: remotes,
		log:     log,
		bus:     eventbus.Nop(),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		tasks:   map[string]*pollTask{},
	}
	for _, o := range opts {
		o(c)
	}
	c.sup = rtsup.New(context.Background(), rtsup.WithLogger(log))
	return c
}

// Apply swaps poll interval, location and retention. Running polls pick
// up the new interval on their next wait.
func (c *Coordinator) Apply(cfg CoordinatorConfig) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Coordinator) config() CoordinatorConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Context ends when the coordinator is stopped.
func (c *Coordinator) Context() context.Context { return c.sup.Context() }

// Create starts a snapshot for (target, resourceGroup) and reports its
// progress to sink. An IN_PROGRESS operation is polled in the background
// until it settles.
func (c *Coordinator) Create(ctx context.Context, target, resourceGroup string, sink notify.Sink) (Record, error) {
	if sink == nil {
		sink = notify.Discard
	}
	key := storage.Key(target, resourceGroup)
	trig := TriggerFrom(ctx)

	c.mu.Lock()
	if t, ok := c.tasks[key]; ok {
		rec := t.rec
		c.mu.Unlock()
		c.send(ctx, sink, fmt.Sprintf("Snapshot %s on repository %s already in progress (%s)", target, resourceGroup, rec.OperationName))
		return rec, nil
	}
	if c.sup.Context().Err() != nil {
		c.mu.Unlock()
		return Record{}, ErrStopped
	}
	cfg := c.cfg
	rec := Record{
		Target:        target,
		ResourceGroup: resourceGroup,
		OperationName: c.now().In(cfg.Location).Format(nameLayout),
		State:         remote.StateUnknown,
	}
	task := &pollTask{id: uuid.NewString(), rec: rec, trigger: trig, started: time.Now()}
	task.ctx, task.cancel = context.WithCancel(c.sup.Context())
	c.tasks[key] = task
	c.mu.Unlock()

	polling := false
	defer func() {
		if !polling {
			c.release(key, task)
		}
	}()

	log := c.log.With(
		logx.String("key", key),
		logx.String("op", rec.OperationName),
		logx.String("trigger", trig),
		logx.String("op_id", task.id),
	)

	client, err := c.remotes.Client(target)
	if err != nil {
		c.send(ctx, sink, fmt.Sprintf("Failed Snapshot %s on repository %s: %v", target, resourceGroup, err))
		c.publish(eventbus.TypeSnapshotFailed, rec, trig, 0)
		return rec, fmt.Errorf("snapshot %s: %w", key, err)
	}

	c.send(ctx, sink, fmt.Sprintf("Snapshotting %s on repository %s", target, resourceGroup))
	c.publish(eventbus.TypeSnapshotStarted, rec, trig, 0)

	createErr := client.Create(ctx, resourceGroup, rec.OperationName)
	if createErr != nil && !remote.IsAlreadyExists(createErr) {
		log.Warn("snapshot create failed; checking status", logx.Err(createErr))
	}

	op, getErr := client.Get(ctx, resourceGroup, rec.OperationName)
	if getErr != nil {
		err := getErr
		if createErr != nil {
			err = createErr
		}
		log.Warn("snapshot status unavailable", logx.Err(err))
		c.send(ctx, sink, fmt.Sprintf("Failed Snapshot %s on repository %s: %v", target, resourceGroup, err))
		c.publish(eventbus.TypeSnapshotFailed, rec, trig, 0)
		return rec, fmt.Errorf("snapshot %s: %w", key, err)
	}

	rec.State = op.State
	c.mu.Lock()
	task.rec = rec
	c.mu.Unlock()

	switch op.State {
	case remote.StateInProgress:
		if task.ctx.Err() != nil {
			log.Info("snapshot canceled before polling started")
			return rec, nil
		}
		polling = true
		c.startPoll(key, task, client, sink)
		log.Info("snapshot in progress", logx.Duration("poll_every", cfg.PollInterval))
	case remote.StateSuccess:
		log.Info("snapshot completed")
		c.settle(ctx, rec, sink, trig, time.Since(task.started))
		c.release(key, task)
		c.retain(rec, sink)
	default:
		log.Warn("snapshot failed", logx.String("state", string(op.State)))
		c.send(ctx, sink, fmt.Sprintf("Failed Snapshot %s on repository %s (%s)", target, resourceGroup, op.State))
		c.publish(eventbus.TypeSnapshotFailed, rec, trig, 0)
	}
	return rec, nil
}

func (c *Coordinator) startPoll(key string, t *pollTask, client remote.Client, sink notify.Sink) {
	c.sup.Go0("snapshot.poll."+key, func(context.Context) {
		defer c.release(key, t)
		c.poll(t.ctx, t, client, sink)
	})
}

// poll re-queries every interval until a terminal state is seen or the
// task is canceled. Lookup errors keep the task alive.
func (c *Coordinator) poll(ctx context.Context, t *pollTask, client remote.Client, sink notify.Sink) {
	rec := t.rec
	log := c.log.With(logx.String("key", rec.Key()), logx.String("op", rec.OperationName), logx.String("op_id", t.id))

	timer := time.NewTimer(c.config().PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("snapshot polling canceled")
			return
		case <-timer.C:
		}

		op, err := client.Get(ctx, rec.ResourceGroup, rec.OperationName)
		n := t.polls.Add(1)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("snapshot polling canceled")
				return
			}
			log.Warn("snapshot poll failed", logx.Int("poll", int(n)), logx.Err(err))
			timer.Reset(c.config().PollInterval)
			continue
		}

		rec.State = op.State
		c.publish(eventbus.TypeSnapshotPolled, rec, t.trigger, 0)
		if !op.State.Terminal() {
			log.Debug("snapshot still in progress", logx.Int("poll", int(n)))
			timer.Reset(c.config().PollInterval)
			continue
		}

		log.Info("snapshot settled", logx.String("state", string(op.State)), logx.Int("polls", int(n)))
		c.settle(ctx, rec, sink, t.trigger, time.Since(t.started))
		c.release(rec.Key(), t)
		c.retain(rec, sink)
		return
	}
}

// settle reports the terminal state once.
func (c *Coordinator) settle(ctx context.Context, rec Record, sink notify.Sink, trig string, took time.Duration) {
	c.send(ctx, sink, fmt.Sprintf("%s Snapshot %s on repository %s", rec.State, rec.Target, rec.ResourceGroup))
	typ := eventbus.TypeSnapshotSettled
	if rec.State != remote.StateSuccess {
		typ = eventbus.TypeSnapshotFailed
	}
	c.publish(typ, rec, trig, took)
}

// retain prunes the repository after a successful snapshot. Callers
// release the key first; the deletes run on the coordinator context.
func (c *Coordinator) retain(rec Record, sink notify.Sink) {
	days := c.config().RetentionDays
	if rec.State != remote.StateSuccess || days <= 0 {
		return
	}
	if _, err := c.Prune(c.sup.Context(), rec.Target, rec.ResourceGroup, days, sink); err != nil {
		c.log.Warn("retention prune failed", logx.String("key", rec.Key()), logx.Err(err))
	}
}

// release drops the task for key if it is still the registered one.
func (c *Coordinator) release(key string, t *pollTask) {
	c.mu.Lock()
	if cur, ok := c.tasks[key]; ok && cur == t {
		delete(c.tasks, key)
	}
	c.mu.Unlock()
	t.cancel()
}

// Cancel stops the in-flight operation tracking for key. The remote
// snapshot itself keeps running.
func (c *Coordinator) Cancel(key string) bool {
	c.mu.Lock()
	t, ok := c.tasks[key]
	if ok {
		delete(c.tasks, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	c.log.Info("snapshot tracking canceled", logx.String("key", key), logx.String("op", t.rec.OperationName))
	return true
}

// Active lists in-flight operations sorted by key.
func (c *Coordinator) Active() []ActiveOperation {
	c.mu.Lock()
	out := make([]ActiveOperation, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, ActiveOperation{
			Record:  t.rec,
			ID:      t.id,
			Trigger: t.trigger,
			Started: t.started,
			Polls:   int(t.polls.Load()),
		})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Stop cancels every polling task and waits for them to exit.
func (c *Coordinator) Stop(ctx context.Context) error {
	n := len(c.Active())
	err := c.sup.Stop(ctx)
	c.log.Info("snapshot coordinator stopped", logx.Int("canceled", n))
	return err
}

// PruneResult summarizes one retention pass.
type PruneResult struct {
	Total      int
	Candidates int
	Deleted    int
	Failed     int
	Skipped    bool
}

// Prune deletes snapshots older than daysToKeep days. Nothing is deleted
// unless at least daysToKeep snapshots would remain. Individual delete
// failures are logged and counted, never returned.
func (c *Coordinator) Prune(ctx context.Context, target, resourceGroup string, daysToKeep int, sink notify.Sink) (PruneResult, error) {
	var res PruneResult
	if daysToKeep < 1 {
		return res, fmt.Errorf("%w: %d", ErrInvalidRetention, daysToKeep)
	}
	if sink == nil {
		sink = notify.Discard
	}
	key := storage.Key(target, resourceGroup)
	log := c.log.With(logx.String("key", key), logx.Int("days", daysToKeep))

	client, err := c.remotes.Client(target)
	if err != nil {
		return res, fmt.Errorf("prune %s: %w", key, err)
	}
	ops, err := client.List(ctx, resourceGroup)
	if err != nil {
		c.send(ctx, sink, fmt.Sprintf("Failed pruning snapshots on %s repository %s: %v", target, resourceGroup, err))
		return res, fmt.Errorf("prune %s: %w", key, err)
	}

	cutoff := c.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)
	var candidates []remote.Operation
	for _, op := range ops {
		if !op.StartTime.IsZero() && op.StartTime.Before(cutoff) {
			candidates = append(candidates, op)
		}
	}
	res.Total = len(ops)
	res.Candidates = len(candidates)

	if res.Total < res.Candidates+daysToKeep {
		res.Skipped = true
		log.Info("retention floor reached", logx.Int("total", res.Total), logx.Int("candidates", res.Candidates))
		c.send(ctx, sink, fmt.Sprintf("Retention floor reached on %s repository %s: %d snapshots, %d older than %d days kept",
			target, resourceGroup, res.Total, res.Candidates, daysToKeep))
		return res, nil
	}

	var (
		wg      sync.WaitGroup
		deleted atomic.Int32
		failed  atomic.Int32
		sem     = make(chan struct{}, pruneParallelism)
	)
	for _, op := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := client.Delete(ctx, resourceGroup, name); err != nil {
				failed.Add(1)
				log.Warn("snapshot delete failed", logx.String("op", name), logx.Err(err))
				return
			}
			deleted.Add(1)
			log.Debug("snapshot deleted", logx.String("op", name))
		}(op.Name)
	}
	wg.Wait()

	res.Deleted = int(deleted.Load())
	res.Failed = int(failed.Load())
	log.Info("snapshots pruned", logx.Int("deleted", res.Deleted), logx.Int("failed", res.Failed), logx.Int("total", res.Total))
	c.send(ctx, sink, fmt.Sprintf("Pruned %d of %d snapshots older than %d days on %s repository %s",
		res.Deleted, res.Candidates, daysToKeep, target, resourceGroup))
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeSnapshotPruned, Time: c.now(), Data: eventbus.SnapshotData{
		Target:     target,
		Repository: resourceGroup,
		Deleted:    res.Deleted,
	}})
	return res, nil
}

func (c *Coordinator) send(ctx context.Context, sink notify.Sink, text string) {
	if err := sink.Send(ctx, text); err != nil {
		c.log.Warn("notification not queued", logx.Err(err))
	}
}

func (c *Coordinator) publish(typ string, rec Record, trig string, took time.Duration) {
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: eventbus.SnapshotData{
		Target:     rec.Target,
		Repository: rec.ResourceGroup,
		Name:       rec.OperationName,
		State:      string(rec.State),
		Trigger:    trig,
		Duration:   took,
	}})
}
