package rcswitch

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/capswitch"
	"pkt.systems/rcswitch/internal/httpapi"
	"pkt.systems/rcswitch/internal/modem/httpmodem"
	"pkt.systems/rcswitch/internal/modem/sim"
	"pkt.systems/rcswitch/internal/outcome"
	"pkt.systems/rcswitch/internal/phone"
)

const (
	// ModemSim drives simulated in-process modems.
	ModemSim = "sim"
	// ModemHTTP drives remote modem agents over HTTP/JSON.
	ModemHTTP = "http"
)

const (
	// WakeLockLocal holds an in-process wake lock (state and counters only).
	WakeLockLocal = "local"
	// WakeLockSysfs drives the kernel wakelock interface under /sys/power.
	WakeLockSysfs = "sysfs"
	// WakeLockFile holds a host-wide advisory lock on WakeLockFile.
	WakeLockFile = "file"
	// WakeLockNone disables the wake lock.
	WakeLockNone = "none"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9380"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultPhones is the number of phone slots coordinated when unset.
	DefaultPhones = 2
	// DefaultModem selects the modem channel implementation.
	DefaultModem = ModemSim
	// DefaultModemTimeout bounds each remote modem command.
	DefaultModemTimeout = httpmodem.DefaultTimeout
	// DefaultTxnTimeout bounds START through the last notification.
	DefaultTxnTimeout = capswitch.DefaultTimeout
	// DefaultWakeLock selects the wake lock implementation.
	DefaultWakeLock = WakeLockLocal
	// DefaultWakeLockName is the kernel wakelock name used by the sysfs lock.
	DefaultWakeLockName = "rcswitch"
	// DefaultOutcomeBuffer is how many outcomes are retained for replay.
	DefaultOutcomeBuffer = outcome.DefaultBufferSize
	// DefaultEventHeartbeat is the keepalive cadence of the outcome stream.
	DefaultEventHeartbeat = httpapi.DefaultHeartbeatInterval
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultWakeLockFileName is the lock file created in the config directory.
	DefaultWakeLockFileName = "rcswitch.lock"
)

// DefaultRAF is the capability assumed for phones without an explicit initial value.
const DefaultRAF = api.RAFGroupGSM | api.RAFGroupWCDMA | api.RAFGroupLTE

// Config captures the tunables for an rcswitch server.
type Config struct {
	// Listen is the address (tcp) or socket path (unix) the HTTP API binds to.
	Listen string
	// ListenProto is "tcp" or "unix".
	ListenProto string
	// MetricsListen enables the Prometheus scrape endpoint when set.
	MetricsListen string
	// PprofListen enables the pprof debug listener when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to /metrics.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// DisableHTTPTracing skips otelhttp instrumentation of the HTTP API.
	DisableHTTPTracing bool

	// Phones is the number of phone slots.
	Phones int
	// InitialRAF seeds each phone's capability, index-aligned. Missing entries use DefaultRAF.
	InitialRAF []api.RadioAccessFamily
	// ModemIDs are the logical modem ids, index-aligned. Missing entries use the index.
	ModemIDs []string
	// Aliases maps extra inbound phone ids onto table indices ("10=0").
	Aliases []string
	// AliasFile is a YAML alias map that is watched and hot-reloaded.
	AliasFile string

	// Modem selects the modem channel: "sim" or "http".
	Modem string
	// ModemEndpoints lists one agent base URL per phone when Modem is "http".
	ModemEndpoints []string
	// ModemTimeout bounds each remote modem command.
	ModemTimeout time.Duration
	// SimLatency delays every simulated reply and notification.
	SimLatency time.Duration
	// SimFaults injects simulated failures ("phone:phase[:mode]").
	SimFaults []string

	// TxnTimeout bounds START through the last notification.
	TxnTimeout time.Duration
	// FinishTimeout bounds the FINISH phase. Zero uses TxnTimeout.
	FinishTimeout time.Duration

	// WakeLock selects the wake lock: "local", "sysfs", "file" or "none".
	WakeLock string
	// WakeLockName is the kernel wakelock name for the sysfs lock.
	WakeLockName string
	// WakeLockFile is the lock file path for the file lock.
	WakeLockFile string

	// OutcomeBuffer is how many outcomes are retained for stream replay.
	OutcomeBuffer int
	// EventHeartbeat is the keepalive cadence of GET /v1/events.
	EventHeartbeat time.Duration

	aliasMap  map[int]int
	simFaults []sim.Fault
}

// Validate applies defaults and checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenProto) == "" {
		c.ListenProto = DefaultListenProto
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
		if c.Listen == "" {
			c.Listen = DefaultListen
		}
	case "unix":
		if c.Listen == "" {
			return fmt.Errorf("config: unix listen requires a socket path")
		}
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}

	if c.Phones == 0 {
		c.Phones = max(DefaultPhones, len(c.InitialRAF), len(c.ModemEndpoints))
	}
	if c.Phones < 0 {
		return fmt.Errorf("config: phones must be > 0 (got %d)", c.Phones)
	}
	if len(c.InitialRAF) > c.Phones {
		return fmt.Errorf("config: %d initial capabilities for %d phones", len(c.InitialRAF), c.Phones)
	}
	for i, raf := range c.InitialRAF {
		if raf == 0 || !raf.Valid() {
			return fmt.Errorf("config: initial capability %d (%s) is not a valid radio access family", i, raf)
		}
	}
	if len(c.ModemIDs) > c.Phones {
		return fmt.Errorf("config: %d modem ids for %d phones", len(c.ModemIDs), c.Phones)
	}
	aliases, err := phone.ParseAliases(c.Aliases)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := phone.NewAliases(aliases).Validate(c.Phones); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.aliasMap = aliases

	if c.Modem == "" {
		c.Modem = DefaultModem
	}
	c.Modem = strings.ToLower(strings.TrimSpace(c.Modem))
	switch c.Modem {
	case ModemSim:
		if c.SimLatency < 0 {
			return fmt.Errorf("config: sim-latency must be >= 0")
		}
		faults, err := sim.ParseFaults(c.SimFaults)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		for _, f := range faults {
			if f.Phone < 0 || f.Phone >= c.Phones {
				return fmt.Errorf("config: sim fault %s targets unknown phone", f)
			}
		}
		c.simFaults = faults
	case ModemHTTP:
		if len(c.ModemEndpoints) != c.Phones {
			return fmt.Errorf("config: http modem needs one endpoint per phone (got %d for %d phones)", len(c.ModemEndpoints), c.Phones)
		}
		for i, raw := range c.ModemEndpoints {
			u, err := url.Parse(strings.TrimSpace(raw))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("config: modem endpoint %d %q must be an http(s) URL", i, raw)
			}
		}
	default:
		return fmt.Errorf("config: unknown modem %q (want %s or %s)", c.Modem, ModemSim, ModemHTTP)
	}
	if c.ModemTimeout <= 0 {
		c.ModemTimeout = DefaultModemTimeout
	}

	if c.TxnTimeout < 0 || c.FinishTimeout < 0 {
		return fmt.Errorf("config: timeouts must be >= 0")
	}
	if c.TxnTimeout == 0 {
		c.TxnTimeout = DefaultTxnTimeout
	}
	if c.FinishTimeout == 0 {
		c.FinishTimeout = c.TxnTimeout
	}

	if c.WakeLock == "" {
		c.WakeLock = DefaultWakeLock
	}
	c.WakeLock = strings.ToLower(strings.TrimSpace(c.WakeLock))
	switch c.WakeLock {
	case WakeLockLocal, WakeLockNone:
	case WakeLockSysfs:
		if c.WakeLockName == "" {
			c.WakeLockName = DefaultWakeLockName
		}
	case WakeLockFile:
		if c.WakeLockFile == "" {
			dir, err := DefaultConfigDir()
			if err != nil {
				return fmt.Errorf("config: resolve wakelock file: %w", err)
			}
			c.WakeLockFile = filepath.Join(dir, DefaultWakeLockFileName)
		}
	default:
		return fmt.Errorf("config: unknown wakelock %q", c.WakeLock)
	}

	if c.OutcomeBuffer < 0 {
		return fmt.Errorf("config: outcome-buffer must be >= 0")
	}
	if c.OutcomeBuffer == 0 {
		c.OutcomeBuffer = DefaultOutcomeBuffer
	}
	if c.EventHeartbeat <= 0 {
		c.EventHeartbeat = DefaultEventHeartbeat
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.rcswitch).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RCSWITCH_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rcswitch"), nil
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
