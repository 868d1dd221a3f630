package notify

import (
	"context"
	"time"

	"snapbot/internal/transport"
)

// Sink receives human-readable notices. Send never blocks on delivery.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, text string) error

func (f SinkFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(context.Context, string) error { return nil })

// Config controls the async pipeline.
type Config struct {
	Broadcast transport.ChatTarget

	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
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
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// NotificationEvent is the payload of notify.* bus events.
type NotificationEvent struct {
	ChatID   int64
	ThreadID int
	Attempts int
	Error    string
}
