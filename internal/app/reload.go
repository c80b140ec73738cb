package app

import (
	"context"
	"reflect"
	"slices"
	"strings"
	"time"

	"petfeeder/internal/config"
	"petfeeder/internal/task/scheduler"
	"petfeeder/pkg/logx"
)

// startConfigReload fans validated config updates out to the running
// components.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig hot-applies the sections that support it and warns about the
// rest.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	if slices.Contains(sections, "logging") && a.logs != nil {
		a.logs.Apply(mapLogging(newCfg))
	}

	feedS, err := config.ResolveFeeder(newCfg.Feeder)
	if err != nil {
		a.log.Warn("invalid feeder config; keeping previous", logx.Err(err))
	} else {
		if slices.Contains(sections, "feeder") {
			a.feeder.SetOptions(mapFeederOptions(feedS))
			a.corr.SetTimeout(feedS.CommandTimeout)
		}
		if slices.Contains(sections, "scheduler") || slices.Contains(sections, "feeder") {
			a.applyScheduler(ctx, mapSchedulerConfig(newCfg, feedS))
		}
	}

	if slices.Contains(sections, "task_engine") {
		a.applyTaskEngine(ctx, newCfg)
	}

	if slices.Contains(sections, "alerts") {
		a.applyAlerts(oldCfg, newCfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScheduler(ctx context.Context, cfg scheduler.Config) {
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(cfg)
	switch {
	case wasEnabled && !cfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && cfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) applyTaskEngine(ctx context.Context, cfg *config.Config) {
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		return
	}
	prev := a.engine.Snapshot()
	a.engine.Apply(engCfg)
	if prev.Workers == engCfg.Workers && prev.QueueCap == engCfg.QueueSize {
		return
	}
	// Pool size changes need fresh workers.
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.engine.Stop(stopCtx)
	cancel()
	a.engine.Start(ctx)
	a.log.Info("task engine restarted", logx.Int("workers", engCfg.Workers), logx.Int("queue", engCfg.QueueSize))
}

func (a *App) applyAlerts(oldCfg, newCfg *config.Config) {
	as, err := config.ResolveAlerts(newCfg.Alerts)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		return
	}
	a.mirror.SetLowFoodPercent(as.LowFoodPercent)
	a.notif.Apply(mapAlertConfig(as))

	var oldTG config.TelegramConfig
	if oldCfg != nil && oldCfg.Alerts != nil {
		oldTG = oldCfg.Alerts.Telegram
	}
	if reflect.DeepEqual(oldTG, as.Telegram) {
		return
	}
	sender, err := newAlertSender(as)
	if err != nil {
		a.log.Warn("invalid telegram alert target; keeping previous", logx.Err(err))
		return
	}
	a.notif.SetSender(sender)
	a.log.Info("alert sender updated", logx.Bool("telegram", sender != nil))
}
