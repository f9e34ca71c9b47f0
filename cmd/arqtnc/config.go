package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	mycallsign string
	mygrid     string

	backend    string // serial|null
	serialDev  string
	baud       int
	pttDevice  string
	pttBaud    int

	signallingPayload int
	dataPayloadHi     int
	dataPayloadLo     int
	burstTimeoutHi    time.Duration
	burstTimeoutLo    time.Duration

	lowBandwidth bool
	nPerBurst    int

	sessionTimeout        time.Duration
	transmissionTimeout   time.Duration
	sessionConnectRetries int
	dataChannelRetries    int
	beaconInterval        time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	mycallsign := flag.String("mycallsign", "", "This station's callsign")
	mygrid := flag.String("mygrid", "", "This station's Maidenhead grid square")
	backend := flag.String("backend", "null", "Modem backend: serial|null (null never keys a radio)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path for the serial backend")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	pttDevice := flag.String("ptt-device", "", "Serial device to key PTT on (empty disables PTT keying)")
	pttBaud := flag.Int("ptt-baud", 9600, "Baud rate for the PTT device")
	signallingPayload := flag.Int("signalling-payload", 32, "Signalling-mode frame payload size in bytes")
	dataPayloadHi := flag.Int("data-payload-hi", 256, "High-bandwidth data mode frame payload size in bytes")
	dataPayloadLo := flag.Int("data-payload-lo", 64, "Low-bandwidth data mode frame payload size in bytes")
	burstTimeoutHi := flag.Duration("burst-timeout-hi", 8*time.Second, "Stored on the high-bandwidth mode; the burst watchdog uses the data channel's fixed per-speed-level timeouts, not this value")
	burstTimeoutLo := flag.Duration("burst-timeout-lo", 15*time.Second, "Stored on the low-bandwidth mode; the burst watchdog uses the data channel's fixed per-speed-level timeouts, not this value")
	lowBandwidth := flag.Bool("low-bandwidth", false, "Prefer the low-bandwidth profile when opening data channels")
	nPerBurst := flag.Int("n-per-burst", 1, "Number of DATA frames sent per burst before waiting for an ACK")
	sessionTimeout := flag.Duration("session-timeout", 30*time.Second, "Session heartbeat/idle timeout")
	transmissionTimeout := flag.Duration("transmission-timeout", 360*time.Second, "Data channel idle timeout before a transfer is abandoned")
	sessionConnectRetries := flag.Int("session-connect-retries", 3, "Session open retry count")
	dataChannelRetries := flag.Int("data-channel-retries", 5, "Data channel open retry count")
	beaconInterval := flag.Duration("beacon-interval", 5*time.Minute, "Interval between beacon transmissions (0 disables)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of this TNC")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default arqtnc-<callsign>-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.mycallsign = *mycallsign
	cfg.mygrid = *mygrid
	cfg.backend = *backend
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.pttDevice = *pttDevice
	cfg.pttBaud = *pttBaud
	cfg.signallingPayload = *signallingPayload
	cfg.dataPayloadHi = *dataPayloadHi
	cfg.dataPayloadLo = *dataPayloadLo
	cfg.burstTimeoutHi = *burstTimeoutHi
	cfg.burstTimeoutLo = *burstTimeoutLo
	cfg.lowBandwidth = *lowBandwidth
	cfg.nPerBurst = *nPerBurst
	cfg.sessionTimeout = *sessionTimeout
	cfg.transmissionTimeout = *transmissionTimeout
	cfg.sessionConnectRetries = *sessionConnectRetries
	cfg.dataChannelRetries = *dataChannelRetries
	cfg.beaconInterval = *beaconInterval
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.mycallsign == "" {
		return errors.New("mycallsign is required")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial", "null":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.signallingPayload <= 0 || c.dataPayloadHi <= 0 || c.dataPayloadLo <= 0 {
		return errors.New("payload sizes must be > 0")
	}
	if c.nPerBurst <= 0 {
		return fmt.Errorf("n-per-burst must be > 0 (got %d)", c.nPerBurst)
	}
	if c.sessionConnectRetries <= 0 || c.dataChannelRetries <= 0 {
		return errors.New("retry counts must be > 0")
	}
	return nil
}

// applyEnvOverrides maps ARQTNC_* environment variables to config fields
// unless a corresponding flag was explicitly set. Flag wins over env.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["mycallsign"]; !ok {
		if v, ok := get("ARQTNC_CALLSIGN"); ok && v != "" {
			c.mycallsign = v
		}
	}
	if _, ok := set["mygrid"]; !ok {
		if v, ok := get("ARQTNC_GRID"); ok && v != "" {
			c.mygrid = v
		}
	}
	if _, ok := set["backend"]; !ok {
		if v, ok := get("ARQTNC_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("ARQTNC_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("ARQTNC_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ARQTNC_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["ptt-device"]; !ok {
		if v, ok := get("ARQTNC_PTT_DEVICE"); ok {
			c.pttDevice = v
		}
	}
	if _, ok := set["low-bandwidth"]; !ok {
		if v, ok := get("ARQTNC_LOW_BANDWIDTH"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.lowBandwidth = true
			case "0", "false", "no", "off":
				c.lowBandwidth = false
			}
		}
	}
	if _, ok := set["session-timeout"]; !ok {
		if v, ok := get("ARQTNC_SESSION_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.sessionTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ARQTNC_SESSION_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["transmission-timeout"]; !ok {
		if v, ok := get("ARQTNC_TRANSMISSION_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.transmissionTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ARQTNC_TRANSMISSION_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["session-connect-retries"]; !ok {
		if v, ok := get("ARQTNC_SESSION_CONNECT_RETRIES"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.sessionConnectRetries = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ARQTNC_SESSION_CONNECT_RETRIES: %w", err)
			}
		}
	}
	if _, ok := set["data-channel-retries"]; !ok {
		if v, ok := get("ARQTNC_DATA_CHANNEL_RETRIES"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.dataChannelRetries = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ARQTNC_DATA_CHANNEL_RETRIES: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("ARQTNC_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("ARQTNC_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("ARQTNC_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("ARQTNC_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("ARQTNC_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("ARQTNC_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ARQTNC_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
