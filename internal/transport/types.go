// Package transport holds the chat-facing types shared by the Telegram
// adapter, the command router and the notifier.
package transport

import "context"

// Message is one incoming text message.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic, 0 if none
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Priority orders notifications. Alerts get a prefix in the chat.
type Priority int

const (
	PriorityInfo  Priority = 0
	PriorityWarn  Priority = 7
	PriorityAlert Priority = 9
)

// Notification is one outbound chat message queued by the notifier.
type Notification struct {
	// Key groups notices for dedup, e.g. "job.failed:collect_data".
	// Empty falls back to the text.
	Key      string
	Priority Priority
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a chat platform connection.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters with a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
