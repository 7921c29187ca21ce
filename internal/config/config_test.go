package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	_ "time/tzdata"
)

const minimalYAML = `
instagram:
  username: acme
  base_url: http://127.0.0.1:8000
`

func noEnv(string) (string, bool) { return "", false }

func TestDecodeYAMLJobs(t *testing.T) {
	t.Parallel()

	doc := minimalYAML + `
scheduler:
  enabled: true
  jobs:
    - id: weekly_report
      kind: cron
      cron: {hour: 9, minute: 30, day_of_week: 1}
    - id: monthly_report
      cron: {hour: 8, minute: 0, day_of_week: "Mon"}
`
	cfg, err := Decode("c.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := cfg.Instagram.Username; got != "acme" {
		t.Fatalf("username = %q, want acme", got)
	}
	jobs := cfg.Scheduler.Jobs
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].Cron.DayOfWeek != "1" || jobs[0].Cron.Minute != 30 {
		t.Fatalf("jobs[0].cron = %+v", *jobs[0].Cron)
	}
	if jobs[1].Cron.DayOfWeek != "Mon" {
		t.Fatalf("jobs[1].day_of_week = %q, want Mon", jobs[1].Cron.DayOfWeek)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		doc  string
	}{
		{"unknown yaml field", "c.yaml", minimalYAML + "\nbogus: 1\n"},
		{"unknown nested field", "c.json", `{"instagram":{"usernme":"x"}}`},
		{"trailing json", "c.json", `{} {}`},
		{"bad day_of_week", "c.json", `{"scheduler":{"jobs":[{"id":"x","cron":{"day_of_week":1.5}}]}}`},
		{"broken yaml", "c.yml", "a: [1,"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.doc)); err == nil {
				t.Fatalf("Decode(%q) succeeded, want error", tt.doc)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvInstagramUsername: " envuser ",
		EnvInstagramPassword: "secret",
		EnvTelegramToken:     "tok",
		EnvTelegramChatID:    "-100123",
		EnvTimezone:          "UTC",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &Config{Instagram: InstagramConfig{Username: "file"}}
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Instagram.Username != "envuser" || cfg.Instagram.Password != "secret" {
		t.Fatalf("instagram = %+v", cfg.Instagram)
	}
	if cfg.Telegram.ChatID != -100123 || cfg.Telegram.Token != "tok" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("timezone = %q, want UTC", cfg.Scheduler.Timezone)
	}

	bad := func(k string) (string, bool) {
		if k == EnvTelegramChatID {
			return "chat", true
		}
		return "", false
	}
	if err := ApplyEnv(&Config{}, bad); err == nil {
		t.Fatalf("ApplyEnv with bad chat id succeeded")
	}

	empty := func(string) (string, bool) { return "  ", true }
	cfg = &Config{Instagram: InstagramConfig{Username: "keep"}}
	if err := ApplyEnv(cfg, empty); err != nil || cfg.Instagram.Username != "keep" {
		t.Fatalf("blank env overwrote username: %q, %v", cfg.Instagram.Username, err)
	}
}

func TestEffectiveJobsMergesOverrides(t *testing.T) {
	t.Parallel()

	s := SchedulerConfig{Jobs: []JobConfig{
		{ID: JobCollectData, Kind: "interval", IntervalSeconds: 1800},
		{ID: JobDailyReport, Paused: true},
	}}
	jobs := s.EffectiveJobs()
	if len(jobs) != len(DefaultJobs()) {
		t.Fatalf("jobs = %d, want %d", len(jobs), len(DefaultJobs()))
	}
	byID := map[string]JobConfig{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	if got := byID[JobCollectData].IntervalSeconds; got != 1800 {
		t.Fatalf("collect interval = %d, want 1800", got)
	}
	daily := byID[JobDailyReport]
	if !daily.Paused || daily.Kind != "cron" || daily.Cron == nil || daily.Cron.Hour != 20 {
		t.Fatalf("daily = %+v", daily)
	}
	if byID[JobWeeklyReport].Cron.DayOfWeek != "mon" {
		t.Fatalf("weekly default changed: %+v", byID[JobWeeklyReport].Cron)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := &Config{Instagram: InstagramConfig{Username: "acme", BaseURL: "http://gw"}}
		ApplyDefaults(cfg)
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing username", func(c *Config) { c.Instagram.Username = "" }, "instagram.username"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "scheduler.timezone"},
		{"bad duration", func(c *Config) { c.Backup.Retention = "forever" }, "backup.retention"},
		{"unknown job", func(c *Config) { c.Scheduler.Jobs = []JobConfig{{ID: "nope"}} }, "unknown job id"},
		{"duplicate job", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{ID: JobDailyReport}, {ID: JobDailyReport}}
		}, "duplicate job id"},
		{"cron hour", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{ID: JobDailyReport, Kind: "cron", Cron: &CronConfig{Hour: 24}}}
		}, "cron.hour"},
		{"chat id missing", func(c *Config) { c.Telegram.Token = "t" }, "telegram.chat_id"},
		{"public http", func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:9090"} }, "not loopback"},
		{"public http with token", func(c *Config) {
			c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:9090", Token: "x"}
		}, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	base := &Config{Instagram: InstagramConfig{Username: "acme", BaseURL: "http://gw"}}
	ApplyDefaults(base)

	same := *base
	if ch := SummarizeConfigChange(base, &same); !ch.Empty() {
		t.Fatalf("identical configs: %+v", ch.Sections)
	}

	hot := *base
	hot.Targets.StoriesPerDay = 5
	hot.Scheduler.Jobs = []JobConfig{{ID: JobDailyReport, Paused: true}}
	ch := SummarizeConfigChange(base, &hot)
	if strings.Join(ch.Sections, ",") != "scheduler,targets" {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if len(ch.RestartRequired) != 0 {
		t.Fatalf("restart = %v, want none", ch.RestartRequired)
	}
	if paused, ok := ch.PauseChanges[JobDailyReport]; !ok || !paused {
		t.Fatalf("pauses = %v", ch.PauseChanges)
	}

	cold := *base
	cold.Scheduler.Timezone = "UTC"
	cold.Instagram.Password = "new"
	ch = SummarizeConfigChange(base, &cold)
	if strings.Join(ch.RestartRequired, ",") != "instagram,scheduler" {
		t.Fatalf("restart = %v", ch.RestartRequired)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(doc string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(minimalYAML)

	m := NewConfigManager(path)
	m.SetEnvLookup(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Timezone != DefaultTimezone || cfg.Targets.PostsPerWeek != 3 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	// unchanged content publishes nothing
	m.reload(ctx)
	select {
	case got := <-ch:
		t.Fatalf("unexpected publish: %+v", got)
	default:
	}

	write(minimalYAML + "targets: {stories_per_day: 7, posts_per_week: 1, reels_per_week: 1, min_engagement_rate: 2}\n")
	m.reload(ctx)
	select {
	case got := <-ch:
		if got.Targets.StoriesPerDay != 7 {
			t.Fatalf("stories_per_day = %d, want 7", got.Targets.StoriesPerDay)
		}
	default:
		t.Fatalf("no publish after change")
	}

	// invalid documents keep the last good config
	write("instagram: {username: acme}\n")
	m.reload(ctx)
	if got := m.Get().Targets.StoriesPerDay; got != 7 {
		t.Fatalf("config replaced by invalid document: stories_per_day = %d", got)
	}

	m.SetValidator(func(context.Context, *Config) error { return os.ErrPermission })
	write(minimalYAML + "targets: {stories_per_day: 9}\n")
	m.reload(ctx)
	if got := m.Get().Targets.StoriesPerDay; got != 7 {
		t.Fatalf("validator ignored: stories_per_day = %d", got)
	}
}
