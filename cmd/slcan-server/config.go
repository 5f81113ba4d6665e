package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-slcan-server/internal/hub"
	"github.com/kstaniek/go-slcan-server/internal/logging"
)

const envPrefix = "SLCAN_SERVER_"

type appConfig struct {
	listenAddr      string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	backend         string
	canIf           string
	backendDev      string
	backendBaud     int
	backendRetries  int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	mqttBroker      string
	mqttTopic       string
	mqttClientID    string
	mqttCommands    bool
}

func defaultConfig() *appConfig {
	return &appConfig{
		listenAddr:     ":20000",
		baud:           115200,
		serialReadTO:   50 * time.Millisecond,
		backend:        "socketcan",
		canIf:          "can0",
		backendDev:     "/dev/ttyACM0",
		backendBaud:    115200,
		backendRetries: 5,
		logFormat:      "text",
		logLevel:       "info",
		hubBuffer:      512,
		hubPolicy:      "drop",
		clientReadTO:   60 * time.Second,
		mqttTopic:      "slcan",
	}
}

func parseFlags() (*appConfig, bool) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

// parseArgs parses args into a config. A nil config means the
// configuration was rejected; the reason has been printed.
func parseArgs(fs *flag.FlagSet, args []string) (*appConfig, bool) {
	cfg := defaultConfig()
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP listen address for slcan hosts")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device to serve slcan on (e.g. /dev/ttyGS0); empty disables")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial endpoint baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.backend, "backend", cfg.backend, "CAN backend: socketcan|slcan|loopback")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "SocketCAN interface (when -backend=socketcan)")
	fs.StringVar(&cfg.backendDev, "backend-dev", cfg.backendDev, "Serial slcan adapter (when -backend=slcan)")
	fs.IntVar(&cfg.backendBaud, "backend-baud", cfg.backendBaud, "Serial slcan adapter baud rate")
	fs.IntVar(&cfg.backendRetries, "backend-retries", cfg.backendRetries, "Attempts to open the backend before giving up")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", cfg.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-session queue of received frames")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", cfg.maxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", cfg.mdnsEnable, "Advertise the TCP listener via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", cfg.mdnsName, "mDNS instance name (default slcan-server-<hostname>)")
	fs.StringVar(&cfg.mqttBroker, "mqtt-broker", cfg.mqttBroker, "MQTT broker URL for the traffic mirror (e.g. tcp://localhost:1883); empty disables")
	fs.StringVar(&cfg.mqttTopic, "mqtt-topic", cfg.mqttTopic, "MQTT topic prefix")
	fs.StringVar(&cfg.mqttClientID, "mqtt-client-id", cfg.mqttClientID, "MQTT client id (default slcan-server-<hostname>)")
	fs.BoolVar(&cfg.mqttCommands, "mqtt-commands", cfg.mqttCommands, "Accept slcan command lines on <topic>/cmd")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}

	// Explicit flags take precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
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

// validate checks values and ranges only; it opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan":
		if c.canIf == "" {
			return errors.New("can-if is required for the socketcan backend")
		}
	case "slcan":
		if c.backendDev == "" {
			return errors.New("backend-dev is required for the slcan backend")
		}
		if c.backendBaud <= 0 {
			return fmt.Errorf("backend-baud must be > 0 (got %d)", c.backendBaud)
		}
	case "loopback":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.backendRetries < 1 {
		return fmt.Errorf("backend-retries must be >= 1 (got %d)", c.backendRetries)
	}
	if _, ok := hub.ParsePolicy(c.hubPolicy); !ok {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.serialDev != "" {
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
		if c.backend == "slcan" && c.serialDev == c.backendDev {
			return fmt.Errorf("serial endpoint and slcan backend share device %s", c.serialDev)
		}
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	if c.mqttBroker != "" && strings.TrimSpace(c.mqttTopic) == "" {
		return errors.New("mqtt-topic is required when mqtt-broker is set")
	}
	if c.mqttCommands && c.mqttBroker == "" {
		return errors.New("mqtt-commands requires mqtt-broker")
	}
	return nil
}

// envOverlay applies SLCAN_SERVER_* variables to fields whose flag was not
// set explicitly. Empty values are ignored; the first parse error is kept.
type envOverlay struct {
	set map[string]struct{}
	err error
}

func (o *envOverlay) lookup(flagName string) (string, bool) {
	if _, ok := o.set[flagName]; ok {
		return "", false
	}
	key := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (o *envOverlay) fail(flagName string, err error) {
	if o.err == nil {
		o.err = fmt.Errorf("invalid %s%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(flagName, "-", "_")), err)
	}
}

func (o *envOverlay) stringVar(flagName string, dst *string) {
	if v, ok := o.lookup(flagName); ok {
		*dst = v
	}
}

func (o *envOverlay) intVar(flagName string, dst *int) {
	if v, ok := o.lookup(flagName); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			o.fail(flagName, err)
			return
		}
		*dst = n
	}
}

func (o *envOverlay) durationVar(flagName string, dst *time.Duration) {
	if v, ok := o.lookup(flagName); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			o.fail(flagName, err)
			return
		}
		*dst = d
	}
}

func (o *envOverlay) boolVar(flagName string, dst *bool) {
	if v, ok := o.lookup(flagName); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			o.fail(flagName, fmt.Errorf("not a boolean: %q", v))
		}
	}
}

// applyEnvOverrides maps SLCAN_SERVER_<FLAG> environment variables onto the
// config unless the flag was set on the command line.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	o := &envOverlay{set: set}
	o.stringVar("listen", &c.listenAddr)
	o.stringVar("serial", &c.serialDev)
	o.intVar("baud", &c.baud)
	o.durationVar("serial-read-timeout", &c.serialReadTO)
	o.stringVar("backend", &c.backend)
	o.stringVar("can-if", &c.canIf)
	o.stringVar("backend-dev", &c.backendDev)
	o.intVar("backend-baud", &c.backendBaud)
	o.intVar("backend-retries", &c.backendRetries)
	o.stringVar("log-format", &c.logFormat)
	o.stringVar("log-level", &c.logLevel)
	o.stringVar("metrics-addr", &c.metricsAddr)
	o.durationVar("log-metrics-interval", &c.logMetricsEvery)
	o.intVar("hub-buffer", &c.hubBuffer)
	o.stringVar("hub-policy", &c.hubPolicy)
	o.intVar("max-clients", &c.maxClients)
	o.durationVar("client-read-timeout", &c.clientReadTO)
	o.boolVar("mdns-enable", &c.mdnsEnable)
	o.stringVar("mdns-name", &c.mdnsName)
	o.stringVar("mqtt-broker", &c.mqttBroker)
	o.stringVar("mqtt-topic", &c.mqttTopic)
	o.stringVar("mqtt-client-id", &c.mqttClientID)
	o.boolVar("mqtt-commands", &c.mqttCommands)
	return o.err
}
