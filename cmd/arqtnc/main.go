package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/hfnode/arqtnc/internal/engine"
	"github.com/hfnode/arqtnc/internal/metrics"
	"github.com/hfnode/arqtnc/internal/modem"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("arqtnc %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	econf := buildEngineConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	eng := engine.New(econf, nil)

	tx, cleanup, err := initBackend(ctx, cfg, eng, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return
	}
	eng.SetTransmitter(tx)

	if err := eng.Start(ctx); err != nil {
		l.Error("engine_start_error", "error", err)
		cleanup()
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logEvents(ctx, eng, l)
	}()

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	var metricsPort int
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		if p, err := portOf(cfg.metricsAddr); err == nil {
			metricsPort = p
		}
	}

	if cfg.mdnsEnable {
		go func() {
			cleanupMDNS, err := startMDNS(ctx, cfg, metricsPort)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", metricsPort)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	eng.Stop()
	cleanup()
	wg.Wait()
}

// buildEngineConfig maps the flag-parsed appConfig onto engine.Config,
// following the §5 default shape but overriding with whatever the
// deployment asked for.
func buildEngineConfig(cfg *appConfig) engine.Config {
	signalling := modem.Mode{Name: "signalling", PayloadSize: cfg.signallingPayload}
	hi := modem.Mode{Name: "data-hi", PayloadSize: cfg.dataPayloadHi, BurstTimeout: cfg.burstTimeoutHi}
	lo := modem.Mode{Name: "data-lo", PayloadSize: cfg.dataPayloadLo, BurstTimeout: cfg.burstTimeoutLo}

	econf := engine.DefaultConfig(cfg.mycallsign, cfg.mygrid, signalling, []modem.Mode{hi}, []modem.Mode{lo})
	econf.PreferLowBW = cfg.lowBandwidth
	econf.NPerBurst = uint8(cfg.nPerBurst)
	econf.BeaconInterval = cfg.beaconInterval

	econf.Session.ConnectMaxRetries = cfg.sessionConnectRetries
	econf.Session.SessionTimeout = cfg.sessionTimeout
	econf.DataChannel.MaxRetries = cfg.dataChannelRetries
	econf.DataChannel.PreferLowBW = cfg.lowBandwidth
	econf.Watchdog.SessionTimeout = cfg.sessionTimeout
	econf.Watchdog.TransmissionTimeout = cfg.transmissionTimeout

	return econf
}

// logEvents drains the engine's outbound typed-event queue to the
// structured logger. The JSON event/command socket a real UI would
// consume this through is out of scope per spec.md §1; this keeps the
// queue draining so it never backs up when no UI is attached.
func logEvents(ctx context.Context, eng *engine.Engine, l *slog.Logger) {
	sub := eng.Events()
	defer sub.Close()
	for {
		select {
		case ev := <-sub.Out:
			l.Info("arq_event",
				"category", string(ev.Category),
				"dx", ev.DXCallsign,
				"reason", ev.Reason,
				"uuid", ev.UUID,
			)
		case <-ctx.Done():
			return
		}
	}
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
