package config

import (
	"reflect"
	"sort"
	"strings"

	"petfeeder/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{"http": true, "mqtt": true, "storage": true, "tracing": true}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (mqtt password, bot token) are only
// reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	om, nm := oldCfg.MQTT, newCfg.MQTT
	secretChanged := om.Password != nm.Password
	om.Password, nm.Password = "", ""
	if secretChanged || !reflect.DeepEqual(om, nm) {
		changed = append(changed, "mqtt")
		attrs = append(attrs,
			logx.String("mqtt.broker", strings.TrimSpace(nm.Broker)),
			logx.Bool("mqtt.password_set", newCfg.MQTT.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Feeder, newCfg.Feeder) {
		changed = append(changed, "feeder")
		attrs = append(attrs,
			logx.String("feeder.command_timeout", strings.TrimSpace(newCfg.Feeder.CommandTimeout)),
			logx.Float64("feeder.max_portion", newCfg.Feeder.MaxPortion),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if SchedulerEnabled(oldCfg.Scheduler) != SchedulerEnabled(newCfg.Scheduler) ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", SchedulerEnabled(newCfg.Scheduler)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(derefOr(oldCfg.TaskEngine), derefOr(newCfg.TaskEngine)) {
		changed = append(changed, "task_engine")
		te := derefOr(newCfg.TaskEngine)
		attrs = append(attrs,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
		)
	}

	if !reflect.DeepEqual(derefOr(oldCfg.Storage), derefOr(newCfg.Storage)) {
		changed = append(changed, "storage")
		s := derefOr(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
		)
	}

	oa, na := derefOr(oldCfg.Alerts), derefOr(newCfg.Alerts)
	tokenChanged := oa.Telegram.Token != na.Telegram.Token
	oa.Telegram.Token, na.Telegram.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(oa, na) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", na.Enabled),
			logx.Float64("alerts.low_food_percent", na.LowFoodPercent),
			logx.Bool("alerts.token_set", derefOr(newCfg.Alerts).Telegram.Token != ""),
		)
	}

	if !reflect.DeepEqual(derefOr(oldCfg.Tracing), derefOr(newCfg.Tracing)) {
		changed = append(changed, "tracing")
		attrs = append(attrs, logx.String("tracing.exporter", derefOr(newCfg.Tracing).Exporter))
	}

	if !reflect.DeepEqual(derefOr(oldCfg.Simulator), derefOr(newCfg.Simulator)) {
		changed = append(changed, "simulator")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports the changed sections that cannot be hot-applied.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefOr[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
