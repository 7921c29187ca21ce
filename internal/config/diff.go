package config

import (
	"reflect"
	"sort"
	"strings"

	logx "smmpulse/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists every changed top-level section.
	Sections []string
	// RestartRequired lists the changed sections a running process cannot
	// apply.
	RestartRequired []string
	// Attrs are safe to log; secrets only appear as *_set flags.
	Attrs []logx.Field
	// PauseChanges maps job id to its new paused flag.
	PauseChanges map[string]bool
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares oldCfg to newCfg.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	oi, ni := oldCfg.Instagram, newCfg.Instagram
	if !reflect.DeepEqual(oi, ni) {
		mark("instagram", true,
			logx.String("instagram.username", ni.Username),
			logx.Bool("instagram.password_changed", oi.Password != ni.Password),
			logx.String("instagram.base_url", ni.BaseURL),
			logx.Bool("instagram.breaker", ni.Breaker.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		mark("telegram", true,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.chat_changed", ot.ChatID != nt.ChatID),
			logx.String("telegram.poll_timeout", nt.PollTimeout),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		nl := newCfg.Logging
		mark("logging", false,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true, logx.String("storage.path", newCfg.Storage.Path))
	}

	oc, ns := oldCfg.Scheduler, newCfg.Scheduler
	if !reflect.DeepEqual(oc, ns) {
		pauses, triggersChanged := diffJobs(oc.EffectiveJobs(), ns.EffectiveJobs())
		restart := triggersChanged || oc.Enabled != ns.Enabled ||
			strings.TrimSpace(oc.Timezone) != strings.TrimSpace(ns.Timezone) ||
			oc.StopTimeout != ns.StopTimeout
		mark("scheduler", restart,
			logx.Bool("scheduler.enabled", ns.Enabled),
			logx.String("scheduler.timezone", ns.Timezone),
			logx.Int("scheduler.pause_changes", len(pauses)),
		)
		if len(pauses) > 0 {
			ch.PauseChanges = pauses
		}
	}

	if !reflect.DeepEqual(oldCfg.Collector, newCfg.Collector) {
		nc := newCfg.Collector
		mark("collector", true,
			logx.String("collector.engagement", nc.Engagement),
			logx.Int("collector.competitors", len(nc.Competitors)),
		)
	}

	if oldCfg.Targets != newCfg.Targets {
		n := newCfg.Targets
		mark("targets", false,
			logx.Int("targets.stories_per_day", n.StoriesPerDay),
			logx.Int("targets.posts_per_week", n.PostsPerWeek),
			logx.Int("targets.reels_per_week", n.ReelsPerWeek),
			logx.Float64("targets.min_engagement_rate", n.MinEngagementRate),
		)
	}

	if oldCfg.Backup != newCfg.Backup {
		mark("backup", false,
			logx.Bool("backup.enabled", newCfg.Backup.Enabled),
			logx.String("backup.dir", newCfg.Backup.Dir),
			logx.String("backup.retention", newCfg.Backup.Retention),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		mark("notifier", true, logx.Float64("notifier.rate_per_sec", newCfg.Notifier.RatePerSec))
	}

	if oldCfg.HTTP != newCfg.HTTP {
		nh := newCfg.HTTP
		mark("http", true,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}

// diffJobs compares effective job sets. Paused is hot-reloadable; anything
// else about a job is a trigger change.
func diffJobs(oldJobs, newJobs []JobConfig) (map[string]bool, bool) {
	byID := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		byID[j.ID] = j
	}
	pauses := map[string]bool{}
	triggers := false
	for _, n := range newJobs {
		o, ok := byID[n.ID]
		if !ok {
			triggers = true
			continue
		}
		if o.Paused != n.Paused {
			pauses[n.ID] = n.Paused
		}
		o.Paused, n.Paused = false, false
		if !reflect.DeepEqual(o, n) {
			triggers = true
		}
	}
	if len(oldJobs) != len(newJobs) {
		triggers = true
	}
	return pauses, triggers
}
