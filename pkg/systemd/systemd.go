// Package systemd reports service state to the systemd manager via
// sd_notify. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports startup completion. sent is false outside systemd.
func Ready() (sent bool, err error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Reloading marks a config reload; call Ready when it is applied.
func Reloading() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReloading)
}

func Status(text string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+text)
}

// Watchdog pings the manager at half the configured WatchdogSec until
// ctx ends. It returns at once when the watchdog is off.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
