// Command outcal keeps a local replica of a Microsoft 365 calendar and
// answers calendar queries from it without touching the network.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/outcal/internal/config"
	"github.com/mschirtzinger/outcal/internal/logging"
	"github.com/mschirtzinger/outcal/internal/ui"
)

var (
	configFile string
	cfg        *config.Config
	logSink    = logging.Discard()
)

var rootCmd = &cobra.Command{
	Use:   "outcal",
	Short: "Offline-first Outlook calendar",
	Long: `outcal mirrors your Microsoft 365 calendars into a local SQLite replica.

Reads (calendars, events, export) are served from the replica and never
touch the network. Sync (outcal sync, or outcal daemon in the background)
pulls a rolling window of months from Microsoft Graph.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logSink.Close()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "auth", Title: "Account:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "view", Title: "Reading the replica:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/outcal/config.toml)")
	pf.Bool("debug", false, "write a debug log to outcal.log in the data directory")
	pf.String("data-dir", "", "directory holding the replica and logs")
}

// newViper builds the config layer and binds the root flags on top.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	nv, err := config.New(configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Root().PersistentFlags()
	if err := nv.BindPFlag("debug", flags.Lookup("debug")); err != nil {
		return nil, err
	}
	if err := nv.BindPFlag("data_dir", flags.Lookup("data-dir")); err != nil {
		return nil, err
	}
	return nv, nil
}

func loadConfig(cmd *cobra.Command, args []string) error {
	ui.Init(os.Stdout)

	nv, err := newViper(cmd)
	if err != nil {
		return err
	}
	c, err := config.Load(nv)
	if err != nil {
		return err
	}
	cfg = c

	if cfg.Debug {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	logSink = logging.Open(cfg.DataDir, cfg.Debug)
	logSink.New("outcal").Printf("%s (config %q, data %s)", cmd.CommandPath(), cfg.File, cfg.DataDir)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
		os.Exit(1)
	}
}
