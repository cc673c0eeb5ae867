package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/pulse/internal/logging"
)

// app carries state shared by every subcommand, resolved once before the
// subcommand runs.
type app struct {
	configPath string
	baseURL    string
	logLevel   string
	token      string

	cfg    Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "pulse",
		Short:        "Live workflow and run events from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.resolve(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "settings file (default ~/.pulse/settings.yaml)")
	pf.StringVar(&a.baseURL, "base-url", "", "backend base URL")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn, or error")
	pf.StringVar(&a.token, "token", "", "bearer token sent with stream requests")

	root.AddCommand(
		watchCmd(a),
		relayCmd(a),
		configCmd(a),
		versionCmd(),
	)
	return root
}

// resolve layers flags over the settings file and environment.
func (a *app) resolve(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath, os.Getenv)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = a.baseURL
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("token") {
		cfg.Token = a.token
	}

	a.cfg = cfg
	a.logger = logging.New(cmd.ErrOrStderr(), cfg.LogLevel)
	return nil
}

// --- pulse config ---

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the settings file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = settingsPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := saveConfig(path, defaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config created at %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cfg.Token != "" {
				cfg.Token = "********"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
