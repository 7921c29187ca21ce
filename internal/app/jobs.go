package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smmpulse/internal/config"
	"smmpulse/internal/content"
	"smmpulse/internal/storage"
	"smmpulse/internal/task/scheduler"
	kit "smmpulse/internal/transport"
	logx "smmpulse/pkg/logx"
)

// tasks maps every built-in job id to its work.
func (a *App) tasks() map[string]scheduler.Task {
	return map[string]scheduler.Task{
		config.JobCollectData:        a.collectData,
		config.JobDailyReport:        a.dailyReport,
		config.JobWeeklyReport:       a.weeklyReport,
		config.JobMonthlyReport:      a.monthlyReport,
		config.JobAnalyzeCompetitors: a.analyzeCompetitors,
		config.JobCheckTargets:       a.checkTargets,
		config.JobBackupDatabase:     a.backupDatabase,
	}
}

// registerJobs adds the effective job set. Disabled jobs are skipped.
func (a *App) registerJobs(cfg *config.Config) error {
	tasks := a.tasks()
	for _, j := range cfg.Scheduler.EffectiveJobs() {
		if j.Disabled {
			a.log.Info("job disabled", logx.String("job", j.ID))
			continue
		}
		trig, err := mapTrigger(j)
		if err != nil {
			return err
		}
		task, ok := tasks[j.ID]
		if !ok {
			return fmt.Errorf("job %s: no task", j.ID)
		}
		if err := a.sched.Register(scheduler.Job{
			ID:      j.ID,
			Trigger: trig,
			Task:    task,
			Timeout: config.Duration(j.Timeout, 0),
			Paused:  j.Paused,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) today() string { return content.DateOf(a.clk.Now(), a.loc) }

func (a *App) collectData(ctx context.Context) (scheduler.Result, error) {
	run, err := a.coll.CollectAll(ctx)
	return scheduler.Result{Summary: run.Summary(), Fields: run.Fields()}, err
}

// sendReport delivers text under a per-job dedup key so a manual rerun in
// the same window does not repeat it.
func (a *App) sendReport(ctx context.Context, key, text string) (scheduler.Result, error) {
	if err := a.notify(ctx, kit.Notification{Key: key, Priority: kit.PriorityInfo, Text: text}); err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Result{Summary: "report sent", Fields: []logx.Field{logx.String("key", key), logx.Int("chars", len(text))}}, nil
}

func (a *App) dailyReport(ctx context.Context) (scheduler.Result, error) {
	date := a.today()
	text, err := a.reports.Daily(ctx, date)
	if err != nil {
		return scheduler.Result{}, err
	}
	return a.sendReport(ctx, "report:daily:"+date, text)
}

func (a *App) weeklyReport(ctx context.Context) (scheduler.Result, error) {
	text, err := a.reports.Weekly(ctx, a.clk.Now())
	if err != nil {
		return scheduler.Result{}, err
	}
	return a.sendReport(ctx, "report:weekly:"+a.today(), text)
}

func (a *App) monthlyReport(ctx context.Context) (scheduler.Result, error) {
	text, err := a.reports.Monthly(ctx, a.clk.Now())
	if err != nil {
		return scheduler.Result{}, err
	}
	return a.sendReport(ctx, "report:monthly:"+a.today(), text)
}

func (a *App) analyzeCompetitors(ctx context.Context) (scheduler.Result, error) {
	names := a.cfgm.Get().Collector.Competitors
	if len(names) == 0 {
		return scheduler.Result{Summary: "no competitors configured"}, nil
	}
	n, err := a.coll.CollectCompetitors(ctx, names)
	return scheduler.Result{
		Summary: fmt.Sprintf("%d/%d competitors analyzed", n, len(names)),
		Fields:  []logx.Field{logx.Int("analyzed", n), logx.Int("configured", len(names))},
	}, err
}

func (a *App) checkTargets(ctx context.Context) (scheduler.Result, error) {
	date := a.today()
	alerts, err := a.reports.CheckTargets(ctx, date)
	if err != nil {
		return scheduler.Result{}, err
	}
	if len(alerts) == 0 {
		return scheduler.Result{Summary: "targets on track"}, nil
	}
	text := "⚠️ Targets " + date + "\n" + strings.Join(alerts, "\n")
	if err := a.notify(ctx, kit.Notification{Key: "targets:" + date, Priority: kit.PriorityWarn, Text: text}); err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Result{
		Summary: fmt.Sprintf("%d target alerts", len(alerts)),
		Fields:  []logx.Field{logx.Int("alerts", len(alerts))},
	}, nil
}

func (a *App) backupDatabase(ctx context.Context) (scheduler.Result, error) {
	bc := a.cfgm.Get().Backup
	if !bc.Enabled {
		return scheduler.Result{Summary: "backup disabled"}, nil
	}
	now := a.clk.Now()
	path, err := a.store.Backup(ctx, bc.Dir, now)
	if err != nil {
		return scheduler.Result{}, err
	}
	retention := config.Duration(bc.Retention, 30*24*time.Hour)
	removed, err := storage.PruneBackups(bc.Dir, retention, now)
	if err != nil {
		// The fresh backup exists; a failed prune is retried next night.
		a.log.Warn("backup prune failed", logx.String("dir", bc.Dir), logx.Err(err))
	}
	return scheduler.Result{
		Summary: "backup written",
		Fields:  []logx.Field{logx.String("path", path), logx.Int("pruned", len(removed))},
	}, nil
}
