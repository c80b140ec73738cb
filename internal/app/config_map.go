package app

import (
	"strings"
	"time"

	"petfeeder/internal/alert"
	"petfeeder/internal/config"
	"petfeeder/internal/device"
	"petfeeder/internal/feeder"
	"petfeeder/internal/observability"
	"petfeeder/internal/simulator"
	"petfeeder/internal/storage"
	"petfeeder/internal/task/engine"
	"petfeeder/internal/task/scheduler"
	"petfeeder/pkg/logx"
)

// memoryScheme selects the in-process broker with an embedded simulator.
const memoryScheme = "memory://"

func usesMemoryBroker(broker string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(broker)), memoryScheme)
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: storage.DriverSQLite}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	s, err := config.ResolveTaskEngine(cfg.TaskEngine)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        s.Workers,
		QueueSize:      s.QueueSize,
		DefaultTimeout: s.DefaultTimeout,
		HistorySize:    s.HistorySize,
	}, nil
}

// mapSchedulerConfig bounds each fired trigger by the command timeout plus
// slack for publishing and logging.
func mapSchedulerConfig(cfg *config.Config, fs config.FeederSettings) scheduler.Config {
	return scheduler.Config{
		Enabled:  config.SchedulerEnabled(cfg.Scheduler),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
		Timeout:  fs.CommandTimeout + 15*time.Second,
	}
}

func mapFeederOptions(fs config.FeederSettings) feeder.Options {
	return feeder.Options{Timeout: fs.CommandTimeout, MaxPortion: fs.MaxPortion}
}

func mapAlertConfig(as config.AlertSettings) alert.Config {
	return alert.Config{
		Enabled:     as.Enabled,
		FailedFeeds: as.FailedFeeds,
		DedupWindow: as.DedupWindow,
		RatePerSec:  as.RatePerSec,
		RetryMax:    3,
	}
}

// newAlertSender returns nil when no Telegram bot is configured.
func newAlertSender(as config.AlertSettings) (alert.Sender, error) {
	if strings.TrimSpace(as.Telegram.Token) == "" {
		return nil, nil
	}
	tg, err := alert.NewTelegram(as.Telegram.Token, alert.TelegramTarget{
		ChatID:   as.Telegram.ChatID,
		ThreadID: as.Telegram.ThreadID,
	})
	if err != nil {
		return nil, err
	}
	return tg, nil
}

func mapTracing(cfg *config.Config, version string) observability.TracingOptions {
	if cfg.Tracing == nil {
		return observability.TracingOptions{Exporter: "none", Version: version}
	}
	t := cfg.Tracing
	return observability.TracingOptions{
		Exporter:    t.Exporter,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		ServiceName: t.ServiceName,
		SampleRatio: t.SampleRatio,
		Version:     version,
	}
}

func mapTopics(t config.TopicsConfig) device.Topics {
	return device.Topics{Command: t.Command, Response: t.Response, Telemetry: t.Telemetry}.WithDefaults()
}

func mapSimulatorOptions(cfg *config.Config) (simulator.Options, error) {
	s, err := config.ResolveSimulator(cfg.Simulator)
	if err != nil {
		return simulator.Options{}, err
	}
	return simulator.Options{
		DeviceID:          s.DeviceID,
		MaxWeight:         s.MaxWeight,
		InitialWeight:     s.InitialWeight,
		TelemetryInterval: s.TelemetryInterval,
		Speed:             s.Speed,
		Topics:            mapTopics(cfg.MQTT.Topics),
	}, nil
}
