package app

import (
	"fmt"
	"strings"
	"time"

	"smmpulse/internal/client"
	"smmpulse/internal/collector"
	"smmpulse/internal/config"
	"smmpulse/internal/content"
	"smmpulse/internal/instagram"
	"smmpulse/internal/notifier"
	"smmpulse/internal/observability/httpserver"
	"smmpulse/internal/report"
	"smmpulse/internal/storage"
	"smmpulse/internal/task/scheduler"
	kit "smmpulse/internal/transport"
	logx "smmpulse/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.Enabled(),
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: int(cfg.Logging.Telegram.RatePerSec),
		},
	}
}

// Durations below were validated on load, so config.Duration only
// substitutes defaults.

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 0)}
}

func mapInstagramConfig(cfg *config.Config) instagram.HTTPConfig {
	return instagram.HTTPConfig{
		BaseURL:    cfg.Instagram.BaseURL,
		Timeout:    config.Duration(cfg.Instagram.Timeout, 30*time.Second),
		UserAgent:  cfg.Instagram.UserAgent,
		RatePerSec: cfg.Instagram.RatePerSec,
		Burst:      cfg.Instagram.Burst,
	}
}

func mapClientConfig(cfg *config.Config) client.Config {
	ic := cfg.Instagram
	policy := client.DefaultRetryPolicy()
	if ic.Retry.Max != nil {
		policy.MaxRetries = *ic.Retry.Max
	}
	if ic.Retry.Multiplier != 0 {
		policy.Multiplier = ic.Retry.Multiplier
	}
	if ic.Retry.RateLimitAware != nil {
		policy.RateLimitAware = *ic.Retry.RateLimitAware
	}
	policy.BaseDelay = config.Duration(ic.Retry.Base, policy.BaseDelay)
	policy.MaxDelay = config.Duration(ic.Retry.MaxDelay, 0)
	return client.Config{
		Username: ic.Username,
		Password: ic.Password,
		Retry:    policy,
		Breaker: client.BreakerConfig{
			Enabled:             ic.Breaker.Enabled,
			ConsecutiveFailures: ic.Breaker.Failures,
			OpenTimeout:         config.Duration(ic.Breaker.OpenTimeout, 5*time.Minute),
		},
	}
}

func mapTargets(t config.TargetsConfig) collector.Targets {
	return collector.Targets{
		StoriesPerDay:     t.StoriesPerDay,
		PostsPerWeek:      t.PostsPerWeek,
		ReelsPerWeek:      t.ReelsPerWeek,
		MinEngagementRate: t.MinEngagementRate,
	}
}

func mapReportTargets(t config.TargetsConfig) report.Targets {
	return report.Targets(mapTargets(t))
}

func mapCollectorConfig(cfg *config.Config, loc *time.Location) (collector.Config, error) {
	num, err := content.ParseNumerator(cfg.Collector.Engagement)
	if err != nil {
		return collector.Config{}, fmt.Errorf("collector.engagement: %w", err)
	}
	return collector.Config{
		Posts:      cfg.Collector.Posts,
		Stories:    cfg.Collector.Stories,
		Reels:      cfg.Collector.Reels,
		Engagement: content.EngagementFormula{Numerator: num},
		Targets:    mapTargets(cfg.Targets),
		Location:   loc,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	nc := cfg.Notifier
	retryMax := nc.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return notifier.Config{
		Target:      kit.ChatTarget{ChatID: cfg.Telegram.ChatID},
		QueueSize:   nc.QueueSize,
		RatePerSec:  nc.RatePerSec,
		RetryMax:    retryMax,
		RetryBase:   config.Duration(nc.RetryBase, time.Second),
		DedupWindow: config.Duration(nc.DedupWindow, 10*time.Minute),
	}
}

func mapHTTPConfig(cfg *config.Config) httpserver.Config {
	hc := cfg.HTTP
	return httpserver.Config{
		Addr:          hc.Addr,
		Token:         hc.Token,
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   config.Duration(hc.ReadTimeout, 10*time.Second),
		IdleTimeout:   config.Duration(hc.IdleTimeout, 60*time.Second),
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:    cfg.Scheduler.Timezone,
		StopTimeout: config.Duration(cfg.Scheduler.StopTimeout, 10*time.Second),
	}
}

// mapTrigger turns one job definition into a compiled trigger.
func mapTrigger(j config.JobConfig) (scheduler.Trigger, error) {
	var t scheduler.Trigger
	switch strings.ToLower(strings.TrimSpace(j.Kind)) {
	case "interval":
		t = scheduler.Every(time.Duration(j.IntervalSeconds) * time.Second)
	case "cron":
		if j.Cron == nil {
			return t, fmt.Errorf("job %s: cron trigger without cron block", j.ID)
		}
		t = scheduler.Trigger{Kind: scheduler.TriggerCron, Cron: scheduler.CronSpec{
			Minute:     j.Cron.Minute,
			Hour:       j.Cron.Hour,
			DayOfWeek:  string(j.Cron.DayOfWeek),
			DayOfMonth: j.Cron.DayOfMonth,
		}}
	default:
		return t, fmt.Errorf("job %s: unknown trigger kind %q", j.ID, j.Kind)
	}
	if tz := strings.TrimSpace(j.Timezone); tz != "" {
		loc, err := scheduler.LoadLocation(tz)
		if err != nil {
			return t, fmt.Errorf("job %s: %w", j.ID, err)
		}
		t.Location = loc
	}
	c, err := t.Compile()
	if err != nil {
		return t, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return c, nil
}
