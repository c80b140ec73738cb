package app

import (
	"context"
	"errors"

	"petfeeder/internal/config"
	"petfeeder/internal/simulator"
	"petfeeder/internal/transport/mqtt"
	"petfeeder/pkg/logx"
)

// RunSimulator runs a standalone simulated feeder against the configured
// MQTT broker until ctx is done.
func RunSimulator(ctx context.Context, cfgPath string) error {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: true,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	defer func() { _ = logSvc.Close() }()

	mqttS, err := config.ResolveMQTT(cfg.MQTT)
	if err != nil {
		return err
	}
	if usesMemoryBroker(mqttS.Broker) {
		return errors.New("simulate needs a network broker; the in-process broker already embeds a simulator")
	}
	opts, err := mapSimulatorOptions(cfg)
	if err != nil {
		return err
	}

	clientID := mqttS.ClientID
	if clientID != "" {
		clientID += "-device"
	}
	tr := mqtt.New(mqtt.Options{
		Broker:         mqttS.Broker,
		ClientID:       clientID,
		Username:       mqttS.Username,
		Password:       mqttS.Password,
		QoS:            mqttS.QoS,
		ConnectTimeout: mqttS.ConnectTimeout,
		KeepAlive:      mqttS.KeepAlive,
	}, log)

	dev := simulator.New(tr, opts, log)
	notifyReady(log)
	defer notifyStopping(log)
	if err := dev.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
