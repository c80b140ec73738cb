package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"petfeeder/pkg/logx"
)

// notifyReady tells systemd (Type=notify) that startup finished. Outside
// systemd NOTIFY_SOCKET is unset and this is a no-op.
func notifyReady(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyReady)
}

func notifyStopping(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyStopping)
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// startWatchdog pings the systemd watchdog at half its interval while the
// app runs. It does nothing when WatchdogSec is not configured.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				sdNotify(a.log, daemon.SdNotifyWatchdog)
			}
		}
	})
}
