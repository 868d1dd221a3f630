package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal between components. Publish never
// blocks; a subscriber that falls behind loses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by the snapshot service.
const (
	TypeSnapshotStarted  = "snapshot.started"
	TypeSnapshotSettled  = "snapshot.settled"
	TypeSnapshotFailed   = "snapshot.failed"
	TypeSnapshotPolled   = "snapshot.polled"
	TypeSnapshotPruned   = "snapshot.pruned"
	TypeScheduleAdded    = "schedule.added"
	TypeScheduleRemoved  = "schedule.removed"
	TypeScheduleRestored = "schedule.restored"
	TypeNotifySent       = "notify.sent"
	TypeNotifyDropped    = "notify.dropped"
	TypeConfigReloaded   = "config.reloaded"
)

// SnapshotData is the payload for snapshot.* events.
type SnapshotData struct {
	Target     string
	Repository string
	Name       string
	State      string
	Trigger    string // "chat" or "schedule"
	Duration   time.Duration
	Deleted    int
}

// ScheduleData is the payload for schedule.* events.
type ScheduleData struct {
	Key   string
	Cron  string
	Count int
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// holding the write lock excludes in-flight Publish sends
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
