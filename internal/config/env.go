package config

import "strings"

// ApplyEnv overlays environment overrides onto cfg. PETFEEDER_* names win over
// the bare MQTT_BROKER used by existing device deployments.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv("MQTT_BROKER")); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := strings.TrimSpace(getenv("PETFEEDER_MQTT_BROKER")); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := strings.TrimSpace(getenv("PETFEEDER_HTTP_ADDR")); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(getenv("PETFEEDER_TELEGRAM_TOKEN")); v != "" {
		if cfg.Alerts == nil {
			cfg.Alerts = &AlertsConfig{}
		}
		cfg.Alerts.Telegram.Token = v
	}
}
