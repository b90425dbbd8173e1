package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "crawlsched/pkg/logx"
)

const statusEvery = 10 * time.Second

// notifyLoop reports readiness, progress and watchdog pings to systemd. It
// is a no-op outside a systemd unit.
func (a *App) notifyLoop(ctx context.Context) error {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}
	if !sent {
		return nil
	}

	every := statusEvery
	watchdog, err := daemon.SdWatchdogEnabled(false)
	if err == nil && watchdog > 0 && watchdog/2 < every {
		every = watchdog / 2
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, "STATUS="+a.statusLine())
			if watchdog > 0 {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}

func (a *App) statusLine() string {
	s := a.spider.Snapshot()
	return fmt.Sprintf("queued=%d in_flight=%d dispatched=%d retried=%d abandoned=%d failed=%d",
		s.Queued, s.InFlight, s.Counters.Dispatched, s.Counters.Retried, s.Counters.Abandoned, s.Counters.Failed)
}
