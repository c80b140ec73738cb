package config

// Config is the full process configuration. Every section is optional; see
// Resolve for the effective defaults.
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Feeder  FeederConfig  `json:"feeder"`
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls recurring feeding triggers.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of fired triggers.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage   *StorageConfig   `json:"storage,omitempty"`
	Alerts    *AlertsConfig    `json:"alerts,omitempty"`
	Tracing   *TracingConfig   `json:"tracing,omitempty"`
	Simulator *SimulatorConfig `json:"simulator,omitempty"`
}

// HTTPConfig controls the JSON API listener.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type HTTPConfig struct {
	Addr            string `json:"addr"` // default: ":3000"
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// MQTTConfig describes the broker connection. Password is never logged.
type MQTTConfig struct {
	Broker         string       `json:"broker"` // default: "tcp://localhost:1883"
	ClientID       string       `json:"client_id,omitempty"`
	Username       string       `json:"username,omitempty"`
	Password       string       `json:"password,omitempty"`
	QoS            int          `json:"qos,omitempty"`
	ConnectTimeout string       `json:"connect_timeout,omitempty"`
	KeepAlive      string       `json:"keep_alive,omitempty"`
	Topics         TopicsConfig `json:"topics,omitempty"`
}

type TopicsConfig struct {
	Command   string `json:"command,omitempty"`
	Response  string `json:"response,omitempty"`
	Telemetry string `json:"telemetry,omitempty"`
}

// FeederConfig controls manual and scheduled feeding.
type FeederConfig struct {
	// CommandTimeout bounds the wait for a device response (default "30s").
	CommandTimeout string `json:"command_timeout,omitempty"`
	// MaxPortion caps a single manual feed in grams. 0 disables the cap.
	MaxPortion float64 `json:"max_portion,omitempty"`
	// RecommendationWindow is the trailing history window (default "336h").
	RecommendationWindow string `json:"recommendation_window,omitempty"`
}

// SchedulerConfig controls the trigger service.
//
// Enabled is a pointer so an omitted section keeps scheduling on.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs fired triggers.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "45s"
//   - history_size: 100
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/petfeeder.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards WARN+ log lines to the alert chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AlertsConfig controls owner notifications.
type AlertsConfig struct {
	Enabled bool `json:"enabled"`

	// LowFoodPercent is the storage level, as a percentage of max, below which
	// a low-food alert fires (default 20).
	LowFoodPercent float64 `json:"low_food_percent,omitempty"`
	// FailedFeeds enables alerts for failed scheduled feeds.
	FailedFeeds bool   `json:"failed_feeds"`
	DedupWindow string `json:"dedup_window,omitempty"` // default "30m"
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default 1

	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig is the bot used for alerts. Token is never logged.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// TracingConfig selects an OpenTelemetry exporter.
type TracingConfig struct {
	Exporter    string  `json:"exporter"` // none | stdout | otlphttp
	Endpoint    string  `json:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

// SimulatorConfig drives the software device used by "petfeeder simulate".
type SimulatorConfig struct {
	DeviceID          string  `json:"device_id,omitempty"`
	MaxWeight         float64 `json:"max_weight,omitempty"`
	InitialWeight     float64 `json:"initial_weight,omitempty"`
	TelemetryInterval string  `json:"telemetry_interval,omitempty"`
	// Speed scales feeding time; 2 means twice as fast.
	Speed float64 `json:"speed,omitempty"`
}
