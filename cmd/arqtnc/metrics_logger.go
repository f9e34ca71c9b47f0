package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hfnode/arqtnc/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"burst_retries", snap.BurstRetries,
					"speed_changes", snap.SpeedChanges,
					"speed_level", snap.SpeedLevel,
					"session_state", snap.SessionState,
					"heard_stations", snap.HeardStations,
					"event_queue_depth", snap.EventQueueDepth,
					"errors", snap.Errors,
					"malformed", snap.Malformed,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
