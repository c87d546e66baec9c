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
	instances       int
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	bridge          string
	canIf           string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	flag.IntVar(&cfg.instances, "instances", 2, "Number of FlexCAN instances on the virtual bus")
	flag.StringVar(&cfg.listenAddr, "listen", ":20000", "TCP listen address")
	flag.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	flag.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	flag.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	flag.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	flag.StringVar(&cfg.bridge, "bridge", "none", "Physical bus bridge: none|serial|socketcan")
	flag.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --bridge=socketcan)")
	flag.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (when --bridge=serial)")
	flag.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	flag.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	flag.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	flag.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	flag.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	flag.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	flag.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default flexcan-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Flags given on the command line win over environment variables.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

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

// validate checks values and ranges; it does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.instances < 1 || c.instances > 16 {
		return fmt.Errorf("instances must be 1..16 (got %d)", c.instances)
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
	switch c.bridge {
	case "none", "serial", "socketcan":
	default:
		return fmt.Errorf("invalid bridge: %s", c.bridge)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// envReader applies FLEXCAN_* overrides to fields whose flag was not
// given on the command line. The first parse failure is retained.
type envReader struct {
	set map[string]struct{}
	err error
}

func (e *envReader) lookup(flagName, key string) (string, bool) {
	if _, explicit := e.set[flagName]; explicit {
		return "", false
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *envReader) str(flagName, key string, dst *string) {
	if v, ok := e.lookup(flagName, key); ok && v != "" {
		*dst = v
	}
}

// strAllowEmpty also accepts an empty value, so an env var can disable
// a feature whose flag default enables it.
func (e *envReader) strAllowEmpty(flagName, key string, dst *string) {
	if v, ok := e.lookup(flagName, key); ok {
		*dst = v
	}
}

func (e *envReader) num(flagName, key string, min int, dst *int) {
	v, ok := e.lookup(flagName, key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if n >= min {
		*dst = n
	}
}

func (e *envReader) dur(flagName, key string, allowZero bool, dst *time.Duration) {
	v, ok := e.lookup(flagName, key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if d > 0 || (allowZero && d == 0) {
		*dst = d
	}
}

func (e *envReader) boolean(flagName, key string, dst *bool) {
	v, ok := e.lookup(flagName, key)
	if !ok || v == "" {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

// applyEnvOverrides maps FLEXCAN_* environment variables to config
// fields. Durations use the Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envReader{set: set}
	e.num("instances", "FLEXCAN_INSTANCES", 1, &c.instances)
	e.str("listen", "FLEXCAN_LISTEN", &c.listenAddr)
	e.str("log-format", "FLEXCAN_LOG_FORMAT", &c.logFormat)
	e.str("log-level", "FLEXCAN_LOG_LEVEL", &c.logLevel)
	e.strAllowEmpty("metrics-addr", "FLEXCAN_METRICS", &c.metricsAddr)
	e.num("hub-buffer", "FLEXCAN_HUB_BUFFER", 1, &c.hubBuffer)
	e.str("hub-policy", "FLEXCAN_HUB_POLICY", &c.hubPolicy)
	e.str("bridge", "FLEXCAN_BRIDGE", &c.bridge)
	e.str("can-if", "FLEXCAN_IF", &c.canIf)
	e.str("serial", "FLEXCAN_SERIAL", &c.serialDev)
	e.num("baud", "FLEXCAN_BAUD", 1, &c.baud)
	e.dur("serial-read-timeout", "FLEXCAN_SERIAL_READ_TIMEOUT", false, &c.serialReadTO)
	e.num("max-clients", "FLEXCAN_MAX_CLIENTS", 0, &c.maxClients)
	e.dur("handshake-timeout", "FLEXCAN_HANDSHAKE_TIMEOUT", false, &c.handshakeTO)
	e.dur("client-read-timeout", "FLEXCAN_CLIENT_READ_TIMEOUT", false, &c.clientReadTO)
	e.boolean("mdns-enable", "FLEXCAN_MDNS_ENABLE", &c.mdnsEnable)
	e.str("mdns-name", "FLEXCAN_MDNS_NAME", &c.mdnsName)
	e.dur("log-metrics-interval", "FLEXCAN_LOG_METRICS_INTERVAL", true, &c.logMetricsEvery)
	return e.err
}
