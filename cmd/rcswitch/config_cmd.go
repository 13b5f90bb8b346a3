package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/rcswitch"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rcswitch configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.rcswitch/" + rcswitch.DefaultConfigFileName
	if path, err := rcswitch.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default rcswitch configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := rcswitch.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	ListenProto            string   `yaml:"listen-proto"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	Phones                 int      `yaml:"phones"`
	InitialRAF             []string `yaml:"initial-raf"`
	ModemIDs               []string `yaml:"modem-ids"`
	Aliases                []string `yaml:"aliases"`
	AliasFile              string   `yaml:"alias-file"`
	Modem                  string   `yaml:"modem"`
	ModemEndpoints         []string `yaml:"modem-endpoints"`
	ModemTimeout           string   `yaml:"modem-timeout"`
	SimLatency             string   `yaml:"sim-latency"`
	SimFail                []string `yaml:"sim-fail"`
	TxnTimeout             string   `yaml:"txn-timeout"`
	FinishTimeout          string   `yaml:"finish-timeout"`
	WakeLock               string   `yaml:"wakelock"`
	WakeLockName           string   `yaml:"wakelock-name"`
	WakeLockFile           string   `yaml:"wakelock-file"`
	OutcomeBuffer          int      `yaml:"outcome-buffer"`
	EventHeartbeat         string   `yaml:"event-heartbeat"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	initial := make([]string, rcswitch.DefaultPhones)
	modemIDs := make([]string, rcswitch.DefaultPhones)
	for i := range initial {
		initial[i] = rcswitch.DefaultRAF.String()
		modemIDs[i] = fmt.Sprint(i)
	}
	defaults := configDefaults{
		Listen:          rcswitch.DefaultListen,
		ListenProto:     rcswitch.DefaultListenProto,
		MetricsListen:   rcswitch.DefaultMetricsListen,
		PprofListen:     rcswitch.DefaultPprofListen,
		Phones:          rcswitch.DefaultPhones,
		InitialRAF:      initial,
		ModemIDs:        modemIDs,
		Modem:           rcswitch.DefaultModem,
		ModemTimeout:    rcswitch.DefaultModemTimeout.String(),
		SimLatency:      "0s",
		TxnTimeout:      rcswitch.DefaultTxnTimeout.String(),
		FinishTimeout:   "0s",
		WakeLock:        rcswitch.DefaultWakeLock,
		WakeLockName:    rcswitch.DefaultWakeLockName,
		OutcomeBuffer:   rcswitch.DefaultOutcomeBuffer,
		EventHeartbeat:  rcswitch.DefaultEventHeartbeat.String(),
		ShutdownTimeout: rcswitch.DefaultShutdownTimeout.String(),
		LogLevel:        "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
