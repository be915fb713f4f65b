package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/outcal/internal/config"
	"github.com/mschirtzinger/outcal/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect the configuration file",
	// config init must work while the existing file is missing or broken.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(os.Stdout)
		return nil
	},
}

var (
	configInitForce    bool
	configInitClientID string
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a commented config.toml with default values. When run in a terminal
without --client-id, asks for the application (client) id of your Microsoft
Entra app registration.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		c := config.Default()
		c.ClientID = configInitClientID
		if c.ClientID == "" && canPrompt() {
			if err := askClientID(&c); err != nil {
				return err
			}
		}

		if err := config.WriteFile(path, c, configInitForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
		if c.ClientID == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s client_id is empty; set it before running %s\n",
				ui.RenderWarn("⚠"), ui.RenderAccent("outcal login"))
		}
		return nil
	},
}

func askClientID(c *config.Config) error {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Application (client) ID").
			Description("From your Entra app registration. Leave empty to fill in later.").
			Value(&c.ClientID).
			Validate(func(s string) error {
				s = strings.TrimSpace(s)
				if s != "" && strings.ContainsAny(s, " \t") {
					return errors.New("client id cannot contain spaces")
				}
				return nil
			}),
		huh.NewInput().
			Title("Tenant").
			Description("common, organizations, consumers, or a tenant id.").
			Value(&c.Tenant),
	)).Run()
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nv, err := newViper(cmd)
		if err != nil {
			return err
		}
		c, err := config.Load(nv)
		if err != nil {
			return err
		}
		data, err := config.Encode(*c)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		src := c.File
		if src == "" {
			src = "(none, using defaults)"
		}
		fmt.Fprintf(out, "# file:     %s\n# data_dir: %s\n", src, c.DataDir)
		_, err = out.Write(data)
		return err
	},
}

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := config.DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configInitCmd.Flags().StringVar(&configInitClientID, "client-id", "", "application (client) id")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
