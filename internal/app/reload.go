package app

import (
	"context"
	"strings"

	"smmpulse/internal/config"
	logx "smmpulse/pkg/logx"
)

// startConfigReload applies hot-reloadable changes as the config file is
// rewritten: logging, job pause flags, targets. Everything else is logged
// as needing a restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(newCfg))

	for id, paused := range ch.PauseChanges {
		var err error
		if paused {
			err = a.sched.Pause(id)
		} else {
			err = a.sched.Resume(id)
		}
		if err != nil {
			a.log.Warn("job pause change not applied", logx.String("job", id), logx.Bool("paused", paused), logx.Err(err))
		}
	}

	a.coll.SetTargets(mapTargets(newCfg.Targets))

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")),
		)
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
}
