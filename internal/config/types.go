package config

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Config is the whole file. Durations are Go duration strings ("10s", "1m").
type Config struct {
	Instagram InstagramConfig `json:"instagram"`
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Collector CollectorConfig `json:"collector"`
	Targets   TargetsConfig   `json:"targets"`
	Backup    BackupConfig    `json:"backup"`
	Notifier  NotifierConfig  `json:"notifier"`
	HTTP      HTTPConfig      `json:"http"`
}

type InstagramConfig struct {
	Username string `json:"username"`
	Password string `json:"password"` // do not log

	// SessionStore is "file" (default) or "sqlite".
	SessionStore string `json:"session_store,omitempty"`
	// SessionDir holds <username>.session.json for the file store.
	SessionDir string `json:"session_dir,omitempty"`

	BaseURL    string  `json:"base_url"`
	Timeout    string  `json:"timeout,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	Retry   RetryConfig   `json:"retry"`
	Breaker BreakerConfig `json:"breaker"`
}

// RetryConfig mirrors the client retry policy.
//
// Defaults: max 3, base "2s", multiplier 2, rate_limit_aware true.
type RetryConfig struct {
	Max            *int    `json:"max,omitempty"`
	Base           string  `json:"base,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty"`
	RateLimitAware *bool   `json:"rate_limit_aware,omitempty"`
	MaxDelay       string  `json:"max_delay,omitempty"`
}

type BreakerConfig struct {
	Enabled     bool   `json:"enabled"`
	Failures    uint32 `json:"failures,omitempty"`     // default 10
	OpenTimeout string `json:"open_timeout,omitempty"` // default "5m"
}

type TelegramConfig struct {
	Token  string `json:"token"` // do not log
	ChatID int64  `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// Enabled reports whether the bot has enough to run.
func (t TelegramConfig) Enabled() bool { return strings.TrimSpace(t.Token) != "" && t.ChatID != 0 }

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool    `json:"enabled"`
	MinLevel   string  `json:"min_level"`
	RatePerSec float64 `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	StopTimeout string `json:"stop_timeout,omitempty"`
	// InitialCollect queues collect_data once at startup. Default true.
	InitialCollect *bool `json:"initial_collect,omitempty"`
	// Jobs overrides the built-in job triggers by id. Omitted jobs keep
	// their default trigger.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

// JobConfig is one trigger definition.
type JobConfig struct {
	ID              string      `json:"id"`
	Kind            string      `json:"kind"` // interval | cron
	IntervalSeconds int         `json:"interval_seconds,omitempty"`
	Cron            *CronConfig `json:"cron,omitempty"`
	Timezone        string      `json:"timezone,omitempty"`
	Timeout         string      `json:"timeout,omitempty"`
	Paused          bool        `json:"paused,omitempty"`
	// Disabled removes the job from the registry.
	Disabled bool `json:"disabled,omitempty"`
}

type CronConfig struct {
	Hour       int       `json:"hour"`
	Minute     int       `json:"minute"`
	DayOfWeek  DayOfWeek `json:"day_of_week,omitempty"`
	DayOfMonth int       `json:"day_of_month,omitempty"`
}

// DayOfWeek accepts a cron day number (0 = Sunday) or a day name.
type DayOfWeek string

func (d *DayOfWeek) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*d = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = DayOfWeek(strings.TrimSpace(s))
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("day_of_week: want number or name, got %s", b)
	}
	*d = DayOfWeek(strconv.Itoa(n))
	return nil
}

type CollectorConfig struct {
	Posts   int `json:"posts,omitempty"`   // default 20
	Stories int `json:"stories,omitempty"` // default 50
	Reels   int `json:"reels,omitempty"`   // default 10

	// Engagement is "likes_comments" (default) or "likes_comments_saves".
	Engagement  string   `json:"engagement,omitempty"`
	Competitors []string `json:"competitors,omitempty"`
}

type TargetsConfig struct {
	StoriesPerDay     int     `json:"stories_per_day"`
	PostsPerWeek      int     `json:"posts_per_week"`
	ReelsPerWeek      int     `json:"reels_per_week"`
	MinEngagementRate float64 `json:"min_engagement_rate"`
}

type BackupConfig struct {
	Enabled   bool   `json:"enabled"`
	Dir       string `json:"dir"`
	Retention string `json:"retention,omitempty"` // default "720h"
}

// NotifierConfig controls outbound chat delivery.
type NotifierConfig struct {
	RatePerSec  float64 `json:"rate_per_sec,omitempty"` // default 1
	QueueSize   int     `json:"queue_size,omitempty"`   // default 64
	RetryMax    int     `json:"retry_max,omitempty"`    // default 3
	RetryBase   string  `json:"retry_base,omitempty"`   // default "1s"
	DedupWindow string  `json:"dedup_window,omitempty"` // default "10m"
}

// HTTPConfig controls the metrics/health server.
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
