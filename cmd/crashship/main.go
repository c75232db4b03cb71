package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/crashship/internal/cliconfig"
)

const helpDescription = `
Capture crashes of Go services and ship them to your crash backend.

Highlights:
  - Records panics, fatal runtime errors and signals into a reserved slot.
  - Reports survive restarts and are only sent with the user's consent.
  - Wrapper runtimes attach their own exceptions over HTTP or an inbox dir.
  - Configure via file, env (CRASHSHIP_*) or flags.
`

var exampleUsage = strings.TrimSpace(`
  crashship run --service-url https://in.example.com --auth-key <key>
  crashship list --store-dir /var/lib/crashship
  crashship confirm send
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	log := cliconfig.Logger()

	root := &cobra.Command{
		Use:           "crashship",
		Short:         "Capture crashes of Go services and ship them to your crash backend",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg, cfgPath)
		},
	}

	// Flags
	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.crashship/config.toml)")
	pf.StringVar(&cfg.StoreDir, "store-dir", cfg.StoreDir, "directory holding pending reports (default: $HOME/.crashship/store)")
	pf.StringVar(&cfg.StoreBackend, "store-backend", cfg.StoreBackend, "report store backend: fs or sqlite")
	pf.StringVar(&cfg.ServiceURL, "service-url", cfg.ServiceURL, "crash ingestion endpoint")
	pf.StringVar(&cfg.AuthKey, "auth-key", cfg.AuthKey, "API key for the ingestion endpoint")
	pf.StringVar(&cfg.InstallID, "install-id", cfg.InstallID, "installation id sent with every report")
	pf.StringVar(&cfg.ErrorLogSetting, "error-log-setting", cfg.ErrorLogSetting, "consent policy: auto_send, always_ask or disabled")
	pf.DurationVar(&cfg.HTTPTimeout, "timeout", cfg.HTTPTimeout, "HTTP timeout")
	pf.IntVar(&cfg.DeliveryWorkers, "workers", cfg.DeliveryWorkers, "concurrent uploads")
	pf.Float64Var(&cfg.UploadsPerSecond, "uploads-per-second", cfg.UploadsPerSecond, "upload pacing (0 disables)")

	root.AddCommand(
		newRunCmd(&cfg),
		newListCmd(&cfg),
		newShowCmd(&cfg),
		newConfirmCmd(&cfg),
		newPurgeCmd(&cfg),
		newTestCrashCmd(&cfg),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("crashship")
		os.Exit(1)
	}
}

// loadConfig applies the config file, then CRASHSHIP_* variables, and
// validates. Flags set on the command line win over both.
func loadConfig(cmd *cobra.Command, cfg *cliconfig.Config, cfgPath string) error {
	cfgFile := cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(cfg, fc, changed); err != nil {
			return err
		}
	}

	if err := cliconfig.ApplyEnvConfig(cfg, changed); err != nil {
		return err
	}

	return cfg.Validate()
}
