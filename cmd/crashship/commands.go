package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/bft-labs/crashship/internal/cliconfig"
	"github.com/bft-labs/crashship/pkg/crashship"
	clog "github.com/bft-labs/crashship/pkg/log"
	"github.com/bft-labs/crashship/plugins/bridgehttp"
	"github.com/bft-labs/crashship/plugins/inboxwatch"
	"github.com/bft-labs/crashship/plugins/resourcegating"
	"github.com/bft-labs/crashship/plugins/storebudget"
)

// stopTimeout bounds the final flush of one-shot commands.
const stopTimeout = 30 * time.Second

// openInstance starts a pipeline over the configured store. mutate
// adjusts the library configuration of the command.
func openInstance(ctx context.Context, cfg *cliconfig.Config, mutate func(*crashship.Config), opts ...crashship.Option) (*crashship.Crashship, error) {
	libCfg := cfg.Library()
	if mutate != nil {
		mutate(&libCfg)
	}

	log := cliconfig.Logger()
	opts = append([]crashship.Option{crashship.WithLogger(clog.NewZerologAdapterWithLogger(log))}, opts...)

	c, err := crashship.New(libCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("create crashship: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start crashship: %w", err)
	}
	return c, nil
}

// inspect holds every report for the command to act on.
func inspect(c *crashship.Config) {
	c.AutomaticProcessing = false
	c.FatalHandlersEnabled = false
}

func newRunCmd(cfg *cliconfig.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline with the wrapper bridge until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := cliconfig.Logger()

			logCfg := *cfg
			if len(logCfg.AuthKey) > 0 {
				logCfg.AuthKey = "*****"
			}
			log.Info().Interface("config", logCfg).Msg("configuration")

			opts := []crashship.Option{
				bridgehttp.WithBridgeHTTP(bridgehttp.Config{Addr: cfg.BridgeAddr}),
				inboxwatch.WithInboxWatch(inboxwatch.Config{Dir: cfg.InboxDir}),
				resourcegating.WithResourceGating(resourcegating.Config{
					CPUThreshold:   cfg.CPUThreshold,
					Iface:          cfg.Iface,
					IfaceSpeedMbps: cfg.IfaceSpeedMbps,
				}),
			}
			if cfg.StoreBudgetMB > 0 {
				budget := storebudget.DefaultConfig()
				budget.HighWatermark = int64(cfg.StoreBudgetMB) << 20
				budget.LowWatermark = budget.HighWatermark / 4 * 3
				opts = append(opts, storebudget.WithStoreBudget(budget))
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			// AlwaysAsk reports stay pending until `crashship confirm`.
			c, err := openInstance(ctx, cfg, nil, opts...)
			if err != nil {
				return err
			}
			log.Info().Str("session", c.Session()).Str("bridge", cfg.BridgeAddr).Msg("crashship running")

			<-sigCh
			log.Info().Msg("received signal, stopping...")

			if err := c.Stop(); err != nil {
				return fmt.Errorf("stop crashship: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.BridgeAddr, "bridge-addr", cfg.BridgeAddr, "address of the wrapper bridge HTTP server")
	cmd.Flags().StringVar(&cfg.InboxDir, "inbox-dir", cfg.InboxDir, "directory watched for wrapper exception drops (default: <store-dir>/inbox)")
	cmd.Flags().BoolVar(&cfg.AutomaticProcessing, "auto-process", cfg.AutomaticProcessing, "gate reports as soon as they are found")
	cmd.Flags().BoolVar(&cfg.FatalHandlers, "fatal-handlers", cfg.FatalHandlers, "capture crashes of this process")
	cmd.Flags().BoolVar(&cfg.Monitor, "monitor", cfg.Monitor, "run under a watcher process that records fatal crashes")
	cmd.Flags().DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "session marker refresh interval")
	cmd.Flags().Float64Var(&cfg.MemoryWarningThreshold, "memory-warning", cfg.MemoryWarningThreshold, "used memory percentage flagged as memory pressure (0 disables)")
	cmd.Flags().Float64Var(&cfg.CPUThreshold, "cpu-threshold", cfg.CPUThreshold, "max CPU usage fraction before delaying uploads")
	cmd.Flags().StringVar(&cfg.Iface, "iface", cfg.Iface, "network interface to monitor (optional)")
	cmd.Flags().IntVar(&cfg.IfaceSpeedMbps, "iface-speed", cfg.IfaceSpeedMbps, "interface speed in Mbps (used for utilization)")
	cmd.Flags().IntVar(&cfg.StoreBudgetMB, "store-budget-mb", cfg.StoreBudgetMB, "discard the oldest reports above this store size (0 disables)")
	return cmd
}

func newListCmd(cfg *cliconfig.Config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports that were neither sent nor discarded",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openInstance(cmd.Context(), cfg, inspect)
			if err != nil {
				return err
			}
			defer c.Stop()

			reports, err := c.UnprocessedReports(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(reports)
			}
			if len(reports) == 0 {
				fmt.Println("No pending reports")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.Header("ID", "Kind", "Type", "Message", "Time")
			for _, r := range reports {
				table.Append(
					r.ID,
					string(r.Kind),
					r.Exception.Type,
					truncate(r.Exception.Message, 48),
					r.AppErrorTime.Local().Format(time.DateTime),
				)
			}
			table.Render()
			fmt.Printf("\nTotal reports: %d\n", len(reports))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	return cmd
}

func newShowCmd(cfg *cliconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one report with its wrapper metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openInstance(cmd.Context(), cfg, inspect)
			if err != nil {
				return err
			}
			defer c.Stop()

			report, err := c.Bridge().BuildReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func newConfirmCmd(cfg *cliconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "confirm send|dont-send|always",
		Short:     "Answer the consent prompt for every pending report",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"send", "dont-send", "always"},
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := crashship.ParseUserConfirmation(args[0])
			if err != nil {
				return err
			}

			// Every pending report waits for this answer.
			c, err := openInstance(cmd.Context(), cfg, func(c *crashship.Config) {
				c.AutomaticProcessing = true
				c.FatalHandlersEnabled = false
				c.ErrorLogSetting = crashship.SettingAlwaysAsk
			})
			if err != nil {
				return err
			}
			defer c.Stop()

			n, err := c.Confirm(cmd.Context(), decision)
			if err != nil {
				return err
			}

			flushCtx, cancel := context.WithTimeout(cmd.Context(), stopTimeout)
			defer cancel()
			if err := c.Flush(flushCtx); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			fmt.Printf("Resolved %d report(s): %s\n", n, decision)
			return nil
		},
	}
}

func newPurgeCmd(cfg *cliconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [id...]",
		Short: "Delete the given reports, or every pending report",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openInstance(cmd.Context(), cfg, inspect)
			if err != nil {
				return err
			}
			defer c.Stop()

			ids := args
			if len(ids) == 0 {
				reports, err := c.UnprocessedReports(cmd.Context())
				if err != nil {
					return err
				}
				for _, r := range reports {
					ids = append(ids, r.ID)
				}
			}

			purged := 0
			for _, id := range ids {
				if err := c.Purge(cmd.Context(), id); err != nil {
					return fmt.Errorf("purge %s: %w", id, err)
				}
				purged++
			}
			fmt.Printf("Purged %d report(s)\n", purged)
			return nil
		},
	}
}

func newTestCrashCmd(cfg *cliconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "test-crash",
		Short: "Crash this process to verify the capture path",
		Long:  "Crash this process with a nil dereference. The report is picked up by the next run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openInstance(cmd.Context(), cfg, func(c *crashship.Config) {
				c.FatalHandlersEnabled = true
				c.AutomaticProcessing = false
			})
			if err != nil {
				return err
			}
			if !c.GenerateTestCrash() {
				_ = c.Stop()
				return fmt.Errorf("test crashes are disabled in distribution builds")
			}
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
