package transport

import (
	"context"
	"strconv"
)

// Message is an inbound chat message, already stripped of the
// transport's own types.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Target returns where a reply to m should go.
func (m *Message) Target() ChatTarget {
	if m == nil {
		return ChatTarget{}
	}
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// ChatTarget identifies a chat (and optional topic thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

// Same reports whether both targets address the same conversation.
func (t ChatTarget) Same(o ChatTarget) bool {
	return t.ChatID == o.ChatID && t.ThreadID == o.ThreadID
}

func (t ChatTarget) String() string {
	if t.ThreadID == 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return strconv.FormatInt(t.ChatID, 10) + "/" + strconv.Itoa(t.ThreadID)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Sender is the outbound half of an Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to publish the command list to the chat platform's menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
