package notifier

import (
	"time"

	kit "smmpulse/internal/transport"
)

type Config struct {
	// Target receives notifications that leave their target empty.
	Target kit.ChatTarget

	QueueSize       int     // default 64
	RatePerSec      float64 // default 1
	RetryMax        int     // default 3
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration // 0 disables dedup
	DedupMaxEntries int
}

type HistoryItem struct {
	At   time.Time
	Key  string
	Text string
}

// NotificationEvent is the Data of notifier bus events.
type NotificationEvent struct {
	Key    string    `json:"key"`
	ChatID int64     `json:"chat_id"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
