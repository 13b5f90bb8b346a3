package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	rcclient "pkt.systems/rcswitch/client"
	"pkt.systems/rcswitch/internal/loggingutil"
)

const (
	clientServerKey   = "client.server"
	clientTimeoutKey  = "client.timeout"
	clientLogLevelKey = "client.log_level"

	envCorrelation = "RCSWITCH_CORRELATION_ID"

	defaultServerURL = "http://127.0.0.1:9380"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

type clientCLIConfig struct {
	server      string
	timeout     time.Duration
	logLevel    string
	logger      pslog.Base
	verboseFlag *bool
}

func addClientFlags(root *cobra.Command) *clientCLIConfig {
	cfg := &clientCLIConfig{}
	var verbose bool
	flags := root.PersistentFlags()
	flags.StringP("server", "s", defaultServerURL, "rcswitch server URL (http://host:port or unix:///path)")
	flags.Duration("timeout", rcclient.DefaultHTTPTimeout, "HTTP client timeout")
	flags.String("client-log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose (trace) client logging")

	mustBindFlag(clientServerKey, "RCSWITCH_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "RCSWITCH_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "RCSWITCH_CLIENT_LOG_LEVEL", flags.Lookup("client-log-level"))
	cfg.verboseFlag = &verbose
	return cfg
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *clientCLIConfig) load() error {
	server, err := normalizeServerURL(viper.GetString(clientServerKey))
	if err != nil {
		return err
	}
	c.server = server
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = rcclient.DefaultHTTPTimeout
	}
	c.logLevel = strings.TrimSpace(viper.GetString(clientLogLevelKey))
	if c.verboseFlag != nil && *c.verboseFlag {
		c.logLevel = "trace"
	}
	return c.setupLogger()
}

func (c *clientCLIConfig) setupLogger() error {
	levelStr := strings.ToLower(c.logLevel)
	if levelStr == "" || levelStr == "none" || levelStr == "off" {
		c.logger = nil
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	c.logger = loggingutil.WithSubsystem(pslog.NewStructured(context.Background(), os.Stderr), "client.cli").LogLevel(level)
	return nil
}

func (c *clientCLIConfig) client() (*rcclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	return rcclient.New(c.server,
		rcclient.WithHTTPTimeout(c.timeout),
		rcclient.WithLogger(c.logger),
	)
}

// normalizeServerURL accepts bare host:port and socket paths in addition to
// full URLs.
func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return defaultServerURL, nil
	case strings.Contains(raw, "://"):
		return raw, nil
	case strings.HasPrefix(raw, "/"):
		return "unix://" + raw, nil
	case strings.HasPrefix(raw, ":"):
		return "http://127.0.0.1" + raw, nil
	default:
		return "http://" + raw, nil
	}
}

func resolveCorrelationID() string {
	if id, ok := rcclient.NormalizeCorrelationID(os.Getenv(envCorrelation)); ok {
		return id
	}
	return rcclient.GenerateCorrelationID()
}

func commandContextWithCorrelation(cmd *cobra.Command) (context.Context, string) {
	id := resolveCorrelationID()
	return rcclient.WithCorrelationID(cmd.Context(), id), id
}

func parseOutputMode(raw string) (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", outputText:
		return outputText, nil
	case outputJSON:
		return outputJSON, nil
	default:
		return "", fmt.Errorf("unknown output %q (text or json)", raw)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func unixMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func writeOutcome(out io.Writer, mode outputMode, o api.Outcome) error {
	if mode == outputJSON {
		return writeJSON(out, o)
	}
	result := "done"
	if !o.Success {
		result = "failed"
		if o.Reason != "" {
			result += " (" + o.Reason + ")"
		}
	}
	took := unixMillis(o.CompletedAtUnixMs).Sub(unixMillis(o.StartedAtUnixMs))
	fmt.Fprintf(out, "#%d txn %s session %d %s in %s, %s\n",
		o.ID, o.TxnID, o.Session, result, took, humanize.Time(unixMillis(o.CompletedAtUnixMs)))
	phones := make([]int, 0, len(o.Capabilities))
	for phone := range o.Capabilities {
		phones = append(phones, phone)
	}
	sort.Ints(phones)
	for _, phone := range phones {
		fmt.Fprintf(out, "  phone %d: %s\n", phone, o.Capabilities[phone])
	}
	return nil
}

func newReassignCommand(cfg *clientCLIConfig) *cobra.Command {
	var wait bool
	var waitTimeout time.Duration
	var output string
	cmd := &cobra.Command{
		Use:   "reassign RAF [RAF...]",
		Short: "Start a capability reassignment, one capability per phone",
		Example: `  # Swap LTE onto phone 0 and GSM onto phone 1, then wait for the outcome
  rcswitch reassign LTE 'GROUP_GSM' --wait`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			caps, err := parseRAFList(args)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			ack, err := cli.Reassign(ctx, caps)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !wait {
				if mode == outputJSON {
					return writeJSON(out, ack)
				}
				fmt.Fprintf(out, "txn_id: %s\nsession: %d\n", ack.TxnID, ack.Session)
				return nil
			}
			waitCtx := ctx
			if waitTimeout > 0 {
				var cancel context.CancelFunc
				waitCtx, cancel = context.WithTimeout(ctx, waitTimeout)
				defer cancel()
			}
			var result *api.Outcome
			err = cli.Watch(waitCtx, 0, func(o api.Outcome) error {
				if o.TxnID != ack.TxnID {
					return nil
				}
				result = &o
				return rcclient.ErrStopWatch
			})
			if err != nil {
				return fmt.Errorf("wait for txn %s: %w", ack.TxnID, err)
			}
			if result == nil {
				return fmt.Errorf("event stream closed before txn %s completed", ack.TxnID)
			}
			if err := writeOutcome(out, mode, *result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("txn %s failed: %s", result.TxnID, result.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the outcome")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", time.Minute, "maximum time to wait for the outcome (0 waits forever)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show the capability table and any active reassignment",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			status, err := cli.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if mode == outputJSON {
				return writeJSON(out, status)
			}
			if status.Active {
				fmt.Fprintf(out, "active: txn %s session %d phase %s, %d pending, started %s\n",
					status.TxnID, status.Session, status.Phase, status.Pending,
					humanize.Time(unixMillis(status.StartedAtUnixMs)))
			} else {
				fmt.Fprintln(out, "active: no")
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PHONE\tMODEM\tRAF\tSTATUS\tOLD\tNEW")
			for _, p := range status.Phones {
				oldRAF, newRAF := "-", "-"
				if p.OldRAF != 0 {
					oldRAF = p.OldRAF.String()
				}
				if p.NewRAF != 0 {
					newRAF = p.NewRAF.String()
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", p.Phone, p.LogicalModemID, p.RAF, p.Status, oldRAF, newRAF)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newWatchCommand(cfg *clientCLIConfig) *cobra.Command {
	var lastID int64
	var count int
	var output string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream reassignment outcomes",
		Example: `  # Replay retained outcomes after id 12 and keep following
  rcswitch watch --last-id 12`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			out := cmd.OutOrStdout()
			seen := 0
			err = cli.Watch(ctx, lastID, func(o api.Outcome) error {
				if err := writeOutcome(out, mode, o); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					return rcclient.ErrStopWatch
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&lastID, "last-id", 0, "replay outcomes after this id")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many outcomes (0 follows forever)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newNotifyCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		phoneID  int
		session  int32
		rafFlag  string
		modemID  string
		failed   bool
		modemErr string
	)
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Deliver a capability-changed notification on behalf of a modem",
		Example: `  # Phone 1 committed LTE for session 42
  rcswitch notify --phone 1 --session 42 --raf LTE`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raf, err := api.ParseRadioAccessFamily(rafFlag)
			if err != nil {
				return err
			}
			status := api.StatusSuccess
			if failed || modemErr != "" {
				status = api.StatusFail
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			rc := api.RadioCapability{
				Version:        api.RadioCapabilityVersion,
				Phone:          phoneID,
				Session:        session,
				Phase:          api.PhaseUnsolRsp,
				RAF:            raf,
				LogicalModemID: modemID,
				Status:         status,
			}
			if err := cli.Notify(ctx, rc, modemErr); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %s\n", rc)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&phoneID, "phone", 0, "phone id the notification is for")
	flags.Int32Var(&session, "session", 0, "session id of the transaction")
	flags.StringVar(&rafFlag, "raf", "", "capability the modem committed")
	flags.StringVar(&modemID, "modem-id", "", "logical modem id")
	flags.BoolVar(&failed, "fail", false, "report that the modem failed to commit")
	flags.StringVar(&modemErr, "error", "", "modem error message (implies --fail)")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("raf")
	return cmd
}
