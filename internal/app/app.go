package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"petfeeder/internal/alert"
	"petfeeder/internal/config"
	"petfeeder/internal/correlator"
	"petfeeder/internal/dispatch"
	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeder"
	"petfeeder/internal/httpapi"
	"petfeeder/internal/observability"
	"petfeeder/internal/recommend"
	"petfeeder/internal/reconciler"
	rtsup "petfeeder/internal/runtime/supervisor"
	"petfeeder/internal/schedule"
	"petfeeder/internal/simulator"
	"petfeeder/internal/storage"
	"petfeeder/internal/task/engine"
	"petfeeder/internal/task/scheduler"
	"petfeeder/internal/telemetry"
	"petfeeder/internal/transport"
	"petfeeder/internal/transport/memory"
	"petfeeder/internal/transport/mqtt"
	"petfeeder/pkg/logx"
)

type App struct {
	version string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tr     transport.Transport
	topics []string
	sim    *simulator.Device // embedded device, memory broker only

	corr      *correlator.Correlator
	disp      *dispatch.Dispatcher
	mirror    *telemetry.Mirror
	feeder    *feeder.Orchestrator
	engine    *engine.Service
	sched     *scheduler.Service
	recon     *reconciler.Reconciler
	schedules *schedule.Service
	recommend *recommend.Service
	notif     *alert.Notifier

	api     *httpapi.Server
	http    config.HTTPSettings
	srv     *http.Server
	httpLn  net.Listener
	tracing func(context.Context) error
}

// NewApp loads cfgPath and wires every component. Nothing runs until Start.
func NewApp(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alert forwarding stays off until the notifier is installed as sender.
	baseLogCfg := mapLogging(cfg)
	bootLogCfg := baseLogCfg
	bootLogCfg.Alert.Enabled = false
	logSvc, log := logx.New(bootLogCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a, err := build(cfg, log, version)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc

	logSvc.SetAlertSender(a.notif)
	logSvc.Apply(baseLogCfg)
	return a, nil
}

// build wires the components for cfg. It opens storage and resolves the
// transport but starts nothing.
func build(cfg *config.Config, log logx.Logger, version string) (*App, error) {
	httpS, err := config.ResolveHTTP(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	mqttS, err := config.ResolveMQTT(cfg.MQTT)
	if err != nil {
		return nil, err
	}
	feedS, err := config.ResolveFeeder(cfg.Feeder)
	if err != nil {
		return nil, err
	}
	alertS, err := config.ResolveAlerts(cfg.Alerts)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		version: version,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		http:    httpS,
	}

	topics := mapTopics(mqttS.Topics)
	if usesMemoryBroker(mqttS.Broker) {
		simOpts, err := mapSimulatorOptions(cfg)
		if err != nil {
			return nil, err
		}
		broker := memory.NewBroker()
		a.tr = broker.Client()
		a.sim = simulator.New(broker.Client(), simOpts, log)
		a.log.Info("using in-process broker with simulated device", logx.String("device", simOpts.DeviceID))
	} else {
		a.tr = mqtt.New(mqtt.Options{
			Broker:         mqttS.Broker,
			ClientID:       mqttS.ClientID,
			Username:       mqttS.Username,
			Password:       mqttS.Password,
			QoS:            mqttS.QoS,
			ConnectTimeout: mqttS.ConnectTimeout,
			KeepAlive:      mqttS.KeepAlive,
		}, log)
	}

	st, err := storage.Open(storeCfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	a.corr = correlator.New(a.tr, correlator.Options{Topic: topics.Command, Timeout: feedS.CommandTimeout}, log)
	a.mirror = telemetry.NewMirror(a.bus, alertS.LowFoodPercent, log)
	a.disp = dispatch.New(topics, a.corr, a.mirror, log)
	a.topics = a.disp.Topics()

	a.feeder = feeder.New(a.corr, st, a.bus, mapFeederOptions(feedS), log)

	a.engine = engine.New(engCfg, log)
	a.sched = scheduler.New(mapSchedulerConfig(cfg, feedS), a.engine, log)
	a.recon = reconciler.New(cronTimer{sched: a.sched}, a.feeder, st, a.bus, log)
	a.schedules = schedule.NewService(st, a.recon, log)
	a.recommend = recommend.NewService(st, feedS.RecommendationWindow, a.sched.Location)

	sender, err := newAlertSender(alertS)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.notif = alert.NewNotifier(mapAlertConfig(alertS), sender, a.bus, log)

	a.api = httpapi.New(httpapi.Deps{
		Feeder:      a.feeder,
		Schedules:   a.schedules,
		Recommender: a.recommend,
		History:     st,
		Device:      a.mirror,
		Triggers:    a.recon,
		Scheduler:   a.sched,
		Health:      a.health,
	}, log)

	a.tracing = func(context.Context) error { return nil }
	if shutdown, err := observability.InitTracing(context.Background(), mapTracing(cfg, version)); err != nil {
		a.log.Warn("tracing disabled", logx.Err(err))
	} else {
		a.tracing = shutdown
	}
	return a, nil
}

// Handler is the HTTP API handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Addr is the bound HTTP address once started.
func (a *App) Addr() string {
	if a.httpLn == nil {
		return ""
	}
	return a.httpLn.Addr().String()
}

// abortStart undoes a partial Start.
func (a *App) abortStart(ln net.Listener) {
	_ = ln.Close()
	a.sup.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.tr.Close(ctx)
	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("cleanup after failed start", logx.Err(err))
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", a.http.Addr, err)
	}
	a.httpLn = ln

	if a.sim != nil {
		a.sup.Go("simulator", a.sim.Run)
	}

	if err := a.tr.Connect(c); err != nil {
		a.abortStart(ln)
		return err
	}
	if err := a.tr.Subscribe(c, a.topics, a.disp.Handle); err != nil {
		a.abortStart(ln)
		return err
	}

	a.engine.Start(c)
	a.sched.Start(c)
	a.notif.Start(c)

	n, err := a.schedules.Restore(c)
	if err != nil {
		a.log.Warn("schedule restore incomplete", logx.Int("restored", n), logx.Err(err))
	} else {
		a.log.Info("schedules restored", logx.Int("count", n))
	}

	a.srv = &http.Server{
		Handler:      a.api.Handler(),
		ReadTimeout:  a.http.ReadTimeout,
		WriteTimeout: a.http.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return c },
	}
	a.sup.Go("http.server", func(context.Context) error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Domain events at debug level; components subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.startConfigReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.startWatchdog()
	notifyReady(a.log)
	a.log.Info("app started", logx.String("addr", ln.Addr().String()), logx.String("version", a.version))
	return nil
}

func (a *App) health(context.Context) httpapi.Health {
	connected := a.tr.Connected()
	h := httpapi.Health{
		OK:                 connected,
		TransportConnected: connected,
		PendingCommands:    a.corr.Pending(),
		LiveTriggers:       a.recon.Len(),
	}
	if a.sup != nil {
		cnt := a.sup.Counters()
		h.Goroutines = map[string]int{"active": int(cnt.Active), "started": int(cnt.Started)}
		if a.sup.Err() != nil {
			h.OK = false
		}
	}
	return h
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// Stop accepting requests before the background context goes away so
	// in-flight feeds can finish.
	a.step(ctx, "http", a.http.ShutdownTimeout, func(c context.Context) error {
		if a.srv == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})

	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "correlator", 1*time.Second, func(context.Context) error { a.corr.Close(); return nil })
	a.step(ctx, "transport", 2*time.Second, func(c context.Context) error { return a.tr.Close(c) })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "tracing", 2*time.Second, func(c context.Context) error { return a.tracing(c) })

	// Finally, wait for supervised goroutines (config watch/reload, simulator, etc.)
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
