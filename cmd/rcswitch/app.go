package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("RCSWITCH_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "rcswitch")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server (the root
// command) rather than a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if path, err := rcswitch.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				cfgPath = path
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rcswitch",
		Short:         "rcswitch coordinates radio capability reassignment across the modems of a multi-SIM device",
		SilenceErrors: true,
		Example: `
  # Two simulated phones, metrics on :9381
  rcswitch --phones 2 --initial-raf 'GROUP_GSM|GROUP_WCDMA' --initial-raf LTE --metrics-listen :9381

  # Remote modem agents, one per phone, with a host-wide lock file
  RCSWITCH_MODEM=http rcswitch --modem-endpoints http://10.0.0.2:8080,http://10.0.0.3:8080 --wakelock file

  # Ask a running server to swap the capabilities and wait for the outcome
  rcswitch reassign LTE 'GROUP_GSM' --wait
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to rcswitch",
				"app", "rcswitch",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg rcswitch.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("invalid log level %q", logLevel)
			}
			logger = logger.LogLevel(level)
			cliLogger = loggingutil.WithSubsystem(logger, "cli.root")

			server, err := rcswitch.NewServer(cfg, rcswitch.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := viper.GetDuration("shutdown-timeout")
			if shutdownTimeout <= 0 {
				shutdownTimeout = rcswitch.DefaultShutdownTimeout
			}
			shutdown := func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			defer func() { _ = shutdown() }()

			go func() {
				<-ctx.Done()
				if err := shutdown(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.rcswitch/"+rcswitch.DefaultConfigFileName+")")
	clientCfg := addClientFlags(cmd)

	flags := cmd.Flags()
	flags.String("listen", rcswitch.DefaultListen, "listen address (host:port, or socket path with --listen-proto unix)")
	flags.String("listen-proto", rcswitch.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", rcswitch.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", rcswitch.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable otelhttp instrumentation of the HTTP API")
	flags.Int("phones", 0, fmt.Sprintf("number of phone slots (default %d, or the number of initial capabilities/endpoints)", rcswitch.DefaultPhones))
	flags.StringSlice("initial-raf", nil, fmt.Sprintf("initial capability per phone; join technologies with | or + (default %s)", rcswitch.DefaultRAF))
	flags.StringSlice("modem-ids", nil, "logical modem id per phone (default the phone index)")
	flags.StringSlice("aliases", nil, "extra inbound phone ids mapped onto phones (from=to)")
	flags.String("alias-file", "", "YAML alias file, reloaded when it changes")
	flags.String("modem", rcswitch.DefaultModem, "modem channel (sim or http)")
	flags.StringSlice("modem-endpoints", nil, "remote modem agent base URL per phone (modem=http)")
	flags.Duration("modem-timeout", rcswitch.DefaultModemTimeout, "timeout for each remote modem command")
	flags.Duration("sim-latency", 0, "delay before simulated modems reply")
	flags.StringSlice("sim-fail", nil, "inject simulated failures (phone:phase[:mode], mode error|fail|drop)")
	flags.Duration("txn-timeout", rcswitch.DefaultTxnTimeout, "timeout from START until every phone reported its new capability")
	flags.Duration("finish-timeout", 0, "timeout for the FINISH phase (0 uses txn-timeout)")
	flags.String("wakelock", rcswitch.DefaultWakeLock, "wake lock held during a transaction (local, sysfs, file, none)")
	flags.String("wakelock-name", rcswitch.DefaultWakeLockName, "kernel wakelock name (wakelock=sysfs)")
	flags.String("wakelock-file", "", "lock file path (wakelock=file, default $HOME/.rcswitch/"+rcswitch.DefaultWakeLockFileName+")")
	flags.Int("outcome-buffer", rcswitch.DefaultOutcomeBuffer, "outcomes retained for event stream replay")
	flags.Duration("event-heartbeat", rcswitch.DefaultEventHeartbeat, "keepalive interval on the event stream")
	flags.Duration("shutdown-timeout", rcswitch.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("log-level", "info", "server log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("RCSWITCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing",
		"phones", "initial-raf", "modem-ids", "aliases", "alias-file",
		"modem", "modem-endpoints", "modem-timeout", "sim-latency", "sim-fail",
		"txn-timeout", "finish-timeout",
		"wakelock", "wakelock-name", "wakelock-file",
		"outcome-buffer", "event-heartbeat", "shutdown-timeout", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(
		newReassignCommand(clientCfg),
		newStatusCommand(clientCfg),
		newWatchCommand(clientCfg),
		newNotifyCommand(clientCfg),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func bindConfig(cfg *rcswitch.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.Phones = viper.GetInt("phones")
	initial, err := parseRAFList(viper.GetStringSlice("initial-raf"))
	if err != nil {
		return fmt.Errorf("parse initial-raf: %w", err)
	}
	cfg.InitialRAF = initial
	cfg.ModemIDs = viper.GetStringSlice("modem-ids")
	cfg.Aliases = viper.GetStringSlice("aliases")
	cfg.AliasFile = viper.GetString("alias-file")
	if cfg.AliasFile != "" {
		path, err := expandPath(cfg.AliasFile)
		if err != nil {
			return fmt.Errorf("expand alias-file: %w", err)
		}
		cfg.AliasFile = path
	}
	cfg.Modem = strings.ToLower(strings.TrimSpace(viper.GetString("modem")))
	cfg.ModemEndpoints = viper.GetStringSlice("modem-endpoints")
	cfg.ModemTimeout = viper.GetDuration("modem-timeout")
	cfg.SimLatency = viper.GetDuration("sim-latency")
	cfg.SimFaults = viper.GetStringSlice("sim-fail")
	cfg.TxnTimeout = viper.GetDuration("txn-timeout")
	cfg.FinishTimeout = viper.GetDuration("finish-timeout")
	cfg.WakeLock = strings.ToLower(strings.TrimSpace(viper.GetString("wakelock")))
	cfg.WakeLockName = viper.GetString("wakelock-name")
	cfg.WakeLockFile = viper.GetString("wakelock-file")
	if cfg.WakeLockFile != "" {
		path, err := expandPath(cfg.WakeLockFile)
		if err != nil {
			return fmt.Errorf("expand wakelock-file: %w", err)
		}
		cfg.WakeLockFile = path
	}
	cfg.OutcomeBuffer = viper.GetInt("outcome-buffer")
	cfg.EventHeartbeat = viper.GetDuration("event-heartbeat")
	return nil
}

func parseRAFList(values []string) ([]api.RadioAccessFamily, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]api.RadioAccessFamily, 0, len(values))
	for _, raw := range values {
		raf, err := api.ParseRadioAccessFamily(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, raf)
	}
	return out, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
