package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultHTTPAddr       = ":3000"
	DefaultMQTTBroker     = "tcp://localhost:1883"
	DefaultCommandTimeout = 30 * time.Second
	DefaultLowFoodPercent = 20
)

type HTTPSettings struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func ResolveHTTP(c HTTPConfig) (HTTPSettings, error) {
	s := HTTPSettings{Addr: strings.TrimSpace(c.Addr)}
	if s.Addr == "" {
		s.Addr = DefaultHTTPAddr
	}
	var err error
	if s.ReadTimeout, err = ParseDurationOrDefault("http.read_timeout", c.ReadTimeout, 15*time.Second); err != nil {
		return s, err
	}
	// Feeds can take up to the command timeout; keep writes open longer than that.
	if s.WriteTimeout, err = ParseDurationOrDefault("http.write_timeout", c.WriteTimeout, 60*time.Second); err != nil {
		return s, err
	}
	if s.ShutdownTimeout, err = ParseDurationOrDefault("http.shutdown_timeout", c.ShutdownTimeout, 5*time.Second); err != nil {
		return s, err
	}
	return s, nil
}

type MQTTSettings struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	Topics         TopicsConfig
}

func ResolveMQTT(c MQTTConfig) (MQTTSettings, error) {
	s := MQTTSettings{
		Broker:   strings.TrimSpace(c.Broker),
		ClientID: strings.TrimSpace(c.ClientID),
		Username: c.Username,
		Password: c.Password,
		Topics:   c.Topics,
	}
	if s.Broker == "" {
		s.Broker = DefaultMQTTBroker
	}
	if c.QoS < 0 || c.QoS > 2 {
		return s, fmt.Errorf("mqtt.qos: must be 0, 1 or 2")
	}
	s.QoS = byte(c.QoS)
	var err error
	if s.ConnectTimeout, err = ParseDurationOrDefault("mqtt.connect_timeout", c.ConnectTimeout, 10*time.Second); err != nil {
		return s, err
	}
	if s.KeepAlive, err = ParseDurationOrDefault("mqtt.keep_alive", c.KeepAlive, 30*time.Second); err != nil {
		return s, err
	}
	return s, nil
}

type FeederSettings struct {
	CommandTimeout       time.Duration
	MaxPortion           float64
	RecommendationWindow time.Duration
}

func ResolveFeeder(c FeederConfig) (FeederSettings, error) {
	var s FeederSettings
	var err error
	if s.CommandTimeout, err = ParseDurationOrDefault("feeder.command_timeout", c.CommandTimeout, DefaultCommandTimeout); err != nil {
		return s, err
	}
	if s.RecommendationWindow, err = ParseDurationOrDefault("feeder.recommendation_window", c.RecommendationWindow, 14*24*time.Hour); err != nil {
		return s, err
	}
	if c.MaxPortion < 0 {
		return s, fmt.Errorf("feeder.max_portion: must be >= 0")
	}
	s.MaxPortion = c.MaxPortion
	return s, nil
}

// SchedulerEnabled reports whether recurring triggers should run.
func SchedulerEnabled(c SchedulerConfig) bool {
	return c.Enabled == nil || *c.Enabled
}

type TaskEngineSettings struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
}

func ResolveTaskEngine(c *TaskEngineConfig) (TaskEngineSettings, error) {
	s := TaskEngineSettings{Workers: 2, QueueSize: 64, HistorySize: 100, DefaultTimeout: 45 * time.Second}
	if c == nil {
		return s, nil
	}
	if c.Workers > 0 {
		s.Workers = c.Workers
	}
	if c.QueueSize > 0 {
		s.QueueSize = c.QueueSize
	}
	if c.HistorySize > 0 {
		s.HistorySize = c.HistorySize
	}
	d, err := ParseDurationOrDefault("task_engine.default_timeout", c.DefaultTimeout, s.DefaultTimeout)
	if err != nil {
		return s, err
	}
	s.DefaultTimeout = d
	return s, nil
}

type AlertSettings struct {
	Enabled        bool
	LowFoodPercent float64
	FailedFeeds    bool
	DedupWindow    time.Duration
	RatePerSec     int
	Telegram       TelegramConfig
}

func ResolveAlerts(c *AlertsConfig) (AlertSettings, error) {
	s := AlertSettings{LowFoodPercent: DefaultLowFoodPercent, DedupWindow: 30 * time.Minute, RatePerSec: 1}
	if c == nil {
		return s, nil
	}
	s.Enabled = c.Enabled
	s.FailedFeeds = c.FailedFeeds
	s.Telegram = c.Telegram
	if c.LowFoodPercent < 0 || c.LowFoodPercent > 100 {
		return s, fmt.Errorf("alerts.low_food_percent: must be within 0..100")
	}
	if c.LowFoodPercent > 0 {
		s.LowFoodPercent = c.LowFoodPercent
	}
	if c.RatePerSec > 0 {
		s.RatePerSec = c.RatePerSec
	}
	d, err := ParseDurationOrDefault("alerts.dedup_window", c.DedupWindow, s.DedupWindow)
	if err != nil {
		return s, err
	}
	s.DedupWindow = d
	if s.Enabled && strings.TrimSpace(c.Telegram.Token) != "" && c.Telegram.ChatID == 0 {
		return s, errors.New("alerts.telegram.chat_id: required when a token is set")
	}
	return s, nil
}

type SimulatorSettings struct {
	DeviceID          string
	MaxWeight         float64
	InitialWeight     float64
	TelemetryInterval time.Duration
	Speed             float64
}

func ResolveSimulator(c *SimulatorConfig) (SimulatorSettings, error) {
	s := SimulatorSettings{DeviceID: "feeder-001", MaxWeight: 1000, Speed: 1, TelemetryInterval: 5 * time.Second}
	if c == nil {
		s.InitialWeight = s.MaxWeight
		return s, nil
	}
	if v := strings.TrimSpace(c.DeviceID); v != "" {
		s.DeviceID = v
	}
	if c.MaxWeight > 0 {
		s.MaxWeight = c.MaxWeight
	}
	s.InitialWeight = s.MaxWeight
	if c.InitialWeight > 0 {
		s.InitialWeight = min(c.InitialWeight, s.MaxWeight)
	}
	if c.Speed > 0 {
		s.Speed = c.Speed
	}
	d, err := ParseDurationOrDefault("simulator.telemetry_interval", c.TelemetryInterval, s.TelemetryInterval)
	if err != nil {
		return s, err
	}
	s.TelemetryInterval = d
	return s, nil
}

// Validate resolves every section and reports the first invalid field.
// It is installed as the ConfigManager validator so a broken edit never
// replaces a running config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := ResolveHTTP(cfg.HTTP); err != nil {
		return err
	}
	if _, err := ResolveMQTT(cfg.MQTT); err != nil {
		return err
	}
	if _, err := ResolveFeeder(cfg.Feeder); err != nil {
		return err
	}
	if _, err := ResolveTaskEngine(cfg.TaskEngine); err != nil {
		return err
	}
	if _, err := ResolveAlerts(cfg.Alerts); err != nil {
		return err
	}
	if _, err := ResolveSimulator(cfg.Simulator); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unsupported %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	if t := cfg.Tracing; t != nil {
		switch strings.ToLower(strings.TrimSpace(t.Exporter)) {
		case "", "none", "stdout", "otlphttp":
		default:
			return fmt.Errorf("tracing.exporter: unsupported %q", t.Exporter)
		}
	}
	return nil
}
