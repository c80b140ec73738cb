package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(string) string { return "" }

func TestParseYAMLStrict(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
http:
  addr: ":8080"
mqtt:
  broker: "tcp://broker:1883"
  qos: 1
feeder:
  command_timeout: "10s"
scheduler:
  timezone: "UTC"
storage:
  driver: sqlite
  path: ./data/petfeeder.db
`)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	require.Equal(t, "sqlite", cfg.Storage.Driver)

	fs, err := ResolveFeeder(cfg.Feeder)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, fs.CommandTimeout)
	require.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"http":{"addr":":1"},"bogus":true}`)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)
	_, err := m.Load()
	require.Error(t, err)
}

func TestEmptyPathUsesDefaultsAndEnv(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	m.SetEnv(func(k string) string {
		if k == "MQTT_BROKER" {
			return "tcp://env:1883"
		}
		return ""
	})
	cfg, err := m.Load()
	require.NoError(t, err)

	ms, err := ResolveMQTT(cfg.MQTT)
	require.NoError(t, err)
	require.Equal(t, "tcp://env:1883", ms.Broker)

	hs, err := ResolveHTTP(cfg.HTTP)
	require.NoError(t, err)
	require.Equal(t, DefaultHTTPAddr, hs.Addr)

	fs, err := ResolveFeeder(cfg.Feeder)
	require.NoError(t, err)
	require.Equal(t, DefaultCommandTimeout, fs.CommandTimeout)
	require.True(t, SchedulerEnabled(cfg.Scheduler))
}

func TestPrefixedEnvWins(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	ApplyEnv(cfg, func(k string) string {
		switch k {
		case "MQTT_BROKER":
			return "tcp://a:1883"
		case "PETFEEDER_MQTT_BROKER":
			return "tcp://b:1883"
		}
		return ""
	})
	require.Equal(t, "tcp://b:1883", cfg.MQTT.Broker)
}

func TestValidateRejectsBadSections(t *testing.T) {
	t.Parallel()
	cases := map[string]*Config{
		"duration": {Feeder: FeederConfig{CommandTimeout: "soon"}},
		"qos":      {MQTT: MQTTConfig{QoS: 3}},
		"timezone": {Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}},
		"driver":   {Storage: &StorageConfig{Driver: "postgres"}},
		"percent":  {Alerts: &AlertsConfig{LowFoodPercent: 140}},
		"exporter": {Tracing: &TracingConfig{Exporter: "zipkin"}},
	}
	for name, cfg := range cases {
		require.Error(t, Validate(cfg), name)
	}
	require.NoError(t, Validate(&Config{}))
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{MQTT: MQTTConfig{Password: "a"}}
	newCfg := &Config{MQTT: MQTTConfig{Password: "b"}, Logging: LoggingConfig{Level: "debug"}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"logging", "mqtt"}, changed)
	require.NotEmpty(t, attrs)
	require.Equal(t, []string{"mqtt"}, RequiresRestart(changed))
}

func TestWatchPublishesValidReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Invalid edits are rejected and never published.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(`{"feeder":{"command_timeout":"nope"}}`), 0o600)
		time.Sleep(400 * time.Millisecond)
		return len(sub) == 0
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	select {
	case cfg := <-sub:
		require.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
	cancel()
	<-done
}
