package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Built-in job ids.
const (
	JobCollectData        = "collect_data"
	JobDailyReport        = "daily_report"
	JobWeeklyReport       = "weekly_report"
	JobMonthlyReport      = "monthly_report"
	JobAnalyzeCompetitors = "analyze_competitors"
	JobCheckTargets       = "check_targets"
	JobBackupDatabase     = "backup_database"
)

const DefaultTimezone = "Europe/Kyiv"

func cronJob(id string, hour, minute int, dow DayOfWeek, dom int) JobConfig {
	return JobConfig{ID: id, Kind: "cron", Cron: &CronConfig{Hour: hour, Minute: minute, DayOfWeek: dow, DayOfMonth: dom}}
}

// DefaultJobs returns the built-in trigger set.
func DefaultJobs() []JobConfig {
	return []JobConfig{
		{ID: JobCollectData, Kind: "interval", IntervalSeconds: 3600},
		cronJob(JobDailyReport, 20, 0, "", 0),
		cronJob(JobWeeklyReport, 9, 0, "mon", 0),
		cronJob(JobMonthlyReport, 9, 0, "", 1),
		cronJob(JobAnalyzeCompetitors, 23, 0, "", 0),
		cronJob(JobCheckTargets, 19, 0, "", 0),
		cronJob(JobBackupDatabase, 2, 0, "", 0),
	}
}

// EffectiveJobs merges the configured overrides into the built-in set in
// built-in order. Unknown ids are reported by Validate.
func (s SchedulerConfig) EffectiveJobs() []JobConfig {
	over := make(map[string]JobConfig, len(s.Jobs))
	for _, j := range s.Jobs {
		over[strings.TrimSpace(j.ID)] = j
	}
	out := DefaultJobs()
	for i, d := range out {
		if j, ok := over[d.ID]; ok {
			j.ID = d.ID
			if j.Kind == "" {
				j.Kind = d.Kind
				if j.IntervalSeconds == 0 {
					j.IntervalSeconds = d.IntervalSeconds
				}
				if j.Cron == nil {
					j.Cron = d.Cron
				}
			}
			out[i] = j
		}
	}
	return out
}

// Env names honoured by ApplyEnv.
const (
	EnvInstagramUsername = "INSTAGRAM_USERNAME"
	EnvInstagramPassword = "INSTAGRAM_PASSWORD"
	EnvTelegramToken     = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID    = "TELEGRAM_CHAT_ID"
	EnvTimezone          = "TIMEZONE"
)

// ApplyEnv overrides credentials and the timezone from the environment.
// lookup is os.LookupEnv outside tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvInstagramUsername); ok {
		cfg.Instagram.Username = v
	}
	if v, ok := get(EnvInstagramPassword); ok {
		cfg.Instagram.Password = v
	}
	if v, ok := get(EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvTelegramChatID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q", EnvTelegramChatID, v)
		}
		cfg.Telegram.ChatID = id
	}
	if v, ok := get(EnvTimezone); ok {
		cfg.Scheduler.Timezone = v
	}
	return nil
}

// ApplyDefaults fills zero values that have a non-zero default.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Scheduler.Timezone) == "" {
		cfg.Scheduler.Timezone = DefaultTimezone
	}
	if cfg.Instagram.SessionStore == "" {
		cfg.Instagram.SessionStore = "file"
	}
	if cfg.Instagram.SessionDir == "" {
		cfg.Instagram.SessionDir = "./data/sessions"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/smmpulse.db"
	}
	if cfg.Targets == (TargetsConfig{}) {
		cfg.Targets = TargetsConfig{StoriesPerDay: 3, PostsPerWeek: 3, ReelsPerWeek: 2, MinEngagementRate: 3.5}
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = "./data/backups"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:9090"
	}
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Instagram.Username) == "" {
		add("instagram.username is required (or %s)", EnvInstagramUsername)
	}
	if strings.TrimSpace(cfg.Instagram.BaseURL) == "" {
		add("instagram.base_url is required")
	}
	switch cfg.Instagram.SessionStore {
	case "", "file", "sqlite":
	default:
		add("instagram.session_store: unknown %q (file|sqlite)", cfg.Instagram.SessionStore)
	}
	if cfg.Instagram.Retry.Max != nil && *cfg.Instagram.Retry.Max < 0 {
		add("instagram.retry.max must be >= 0")
	}
	if m := cfg.Instagram.Retry.Multiplier; m != 0 && m < 1 {
		add("instagram.retry.multiplier must be >= 1")
	}

	durations := map[string]string{
		"instagram.timeout":              cfg.Instagram.Timeout,
		"instagram.retry.base":           cfg.Instagram.Retry.Base,
		"instagram.retry.max_delay":      cfg.Instagram.Retry.MaxDelay,
		"instagram.breaker.open_timeout": cfg.Instagram.Breaker.OpenTimeout,
		"telegram.poll_timeout":          cfg.Telegram.PollTimeout,
		"storage.busy_timeout":           cfg.Storage.BusyTimeout,
		"scheduler.stop_timeout":         cfg.Scheduler.StopTimeout,
		"backup.retention":               cfg.Backup.Retention,
		"notifier.retry_base":            cfg.Notifier.RetryBase,
		"notifier.dedup_window":          cfg.Notifier.DedupWindow,
		"http.read_timeout":              cfg.HTTP.ReadTimeout,
		"http.idle_timeout":              cfg.HTTP.IdleTimeout,
	}
	paths := make([]string, 0, len(durations))
	for p := range durations {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if _, err := ParseDurationField(path, durations[path]); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) != "" && cfg.Telegram.ChatID == 0 {
		add("telegram.chat_id is required when a token is set (or %s)", EnvTelegramChatID)
	}
	if _, err := time.LoadLocation(strings.TrimSpace(cfg.Scheduler.Timezone)); err != nil {
		add("scheduler.timezone: %v", err)
	}
	if cfg.Collector.Engagement != "" && cfg.Collector.Engagement != "likes_comments" && cfg.Collector.Engagement != "likes_comments_saves" {
		add("collector.engagement: unknown %q", cfg.Collector.Engagement)
	}
	if cfg.Targets.StoriesPerDay < 0 || cfg.Targets.PostsPerWeek < 0 || cfg.Targets.ReelsPerWeek < 0 || cfg.Targets.MinEngagementRate < 0 {
		add("targets must be >= 0")
	}

	known := map[string]bool{}
	for _, j := range DefaultJobs() {
		known[j.ID] = true
	}
	seen := map[string]bool{}
	for i, j := range cfg.Scheduler.Jobs {
		id := strings.TrimSpace(j.ID)
		path := fmt.Sprintf("scheduler.jobs[%d]", i)
		if !known[id] {
			add("%s: unknown job id %q", path, j.ID)
			continue
		}
		if seen[id] {
			add("%s: duplicate job id %q", path, id)
		}
		seen[id] = true
		if err := validateJob(j); err != nil {
			add("%s (%s): %v", path, id, err)
		}
	}

	if err := validateHTTP(cfg.HTTP); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateJob(j JobConfig) error {
	switch j.Kind {
	case "":
		// Keeps the built-in trigger.
	case "interval":
		if j.IntervalSeconds <= 0 {
			return errors.New("interval_seconds must be > 0")
		}
	case "cron":
		c := j.Cron
		if c == nil {
			return errors.New("cron block is required")
		}
		if c.Hour < 0 || c.Hour > 23 {
			return fmt.Errorf("cron.hour %d out of range 0-23", c.Hour)
		}
		if c.Minute < 0 || c.Minute > 59 {
			return fmt.Errorf("cron.minute %d out of range 0-59", c.Minute)
		}
		if c.DayOfMonth < 0 || c.DayOfMonth > 31 {
			return fmt.Errorf("cron.day_of_month %d out of range 1-31", c.DayOfMonth)
		}
	default:
		return fmt.Errorf("unknown kind %q (interval|cron)", j.Kind)
	}
	if tz := strings.TrimSpace(j.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	_, err := ParseDurationField("timeout", j.Timeout)
	return err
}

func validateHTTP(h HTTPConfig) error {
	if !h.Enabled {
		return nil
	}
	host := h.Addr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	host = strings.Trim(host, "[]")
	loopback := host == "127.0.0.1" || host == "localhost" || host == "::1"
	if !loopback && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
		return fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", h.Addr)
	}
	return nil
}
