// Package notify delivers snapshot notices to chat.
//
// Messages go through a bounded queue drained by a small worker pool.
// Each send waits on a token bucket and is retried with jittered
// exponential backoff. Enqueueing never blocks: a full queue rejects
// the message with ErrQueueFull.
//
// Callers usually hold a Sink: Broadcast() for timer-driven work, or
// ForChat(chat) when a user asked for something and should also get
// the reply in their own chat.
package notify
