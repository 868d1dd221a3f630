package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"snapbot/internal/eventbus"
	rtsup "snapbot/internal/runtime/supervisor"
	"snapbot/internal/transport"
	"snapbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

type job struct {
	to   transport.ChatTarget
	text string
}

// Service is the async delivery pipeline. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply updates rate, retry and broadcast settings. Worker count and
// queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) BroadcastTarget() transport.ChatTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Broadcast
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("notify.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new messages and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop timed out; pending messages dropped", logx.Int("pending", len(q)))
	}
}

// Enqueue schedules text for delivery to one chat.
func (s *Service) Enqueue(ctx context.Context, to transport.ChatTarget, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to.IsZero() || strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- job{to: to, text: text}:
		return nil
	default:
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyDropped, Data: NotificationEvent{ChatID: to.ChatID, ThreadID: to.ThreadID, Error: ErrQueueFull.Error()}})
		return ErrQueueFull
	}
}

// Broadcast returns a Sink that posts to the broadcast chat only.
func (s *Service) Broadcast() Sink {
	return SinkFunc(func(ctx context.Context, text string) error {
		return s.Enqueue(ctx, s.BroadcastTarget(), text)
	})
}

// ForChat returns a Sink that posts to the broadcast chat and also
// replies in chat when it is a different conversation.
func (s *Service) ForChat(chat transport.ChatTarget) Sink {
	return SinkFunc(func(ctx context.Context, text string) error {
		bc := s.BroadcastTarget()
		err := s.Enqueue(ctx, bc, text)
		if chat.IsZero() || chat.Same(bc) {
			return err
		}
		return errors.Join(err, s.Enqueue(ctx, chat, text))
	})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := sender.SendText(callCtx, j.to, j.text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Data: NotificationEvent{ChatID: j.to.ChatID, ThreadID: j.to.ThreadID, Attempts: attempt}})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("notify delivery failed", logx.String("chat", j.to.String()), logx.Err(lastErr))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyDropped, Data: NotificationEvent{ChatID: j.to.ChatID, ThreadID: j.to.ThreadID, Attempts: attempts, Error: lastErr.Error()}})
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) capped at
// RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
