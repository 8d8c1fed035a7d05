// Command byteflusher types files and text into a computer through a
// ByteFlusher BLE keyboard dongle.
//
// Usage:
//
//	byteflusher send ./project            transfer a folder to the target
//	byteflusher send --dry-run /tmp/c f   rehearse against an emulated target
//	byteflusher text notes.txt            type text into the focused window
//	byteflusher shell                     interactive session
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/byteflusher/internal/config"
)

// app holds what every subcommand shares.
type app struct {
	configPath string
	logLevel   string
	address    string

	loader *config.Loader
	cfg    *config.Config
	out    *termWriter // logs and progress
	stdout io.Writer   // command output
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{out: newTermWriter(os.Stderr)}
	root := &cobra.Command{
		Use:           "byteflusher",
		Short:         "Transfer files and text through a ByteFlusher BLE keyboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.stdout = cmd.OutOrStdout()
			if cmd.Name() == "init" {
				a.setupLogging("info")
				return nil
			}
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (default: ~/.config/byteflusher/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&a.address, "address", "", "device address (default: config, else strongest device found)")

	root.AddCommand(
		newScanCmd(a),
		newSendCmd(a),
		newTextCmd(a),
		newEstimateCmd(a),
		newDeviceCmd(a),
		newHistoryCmd(a),
		newShellCmd(a),
		newInitCmd(),
	)
	return root
}

// setup loads and validates the config and installs the logger.
func (a *app) setup() error {
	path := a.configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	a.loader = config.NewLoader(path)
	cfg, err := a.loader.Load()
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	a.setupLogging(level)

	if _, err := os.Stat(path); err == nil {
		slog.Debug("config loaded", "path", path)
	} else {
		slog.Debug("no config file found, using defaults", "path", path)
	}
	return nil
}

func (a *app) setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(a.out, &slog.HandlerOptions{
		Level: config.ParseLogLevel(level),
	})))
}

// deviceAddress returns the --address flag, else the configured address.
func (a *app) deviceAddress() string {
	if a.address != "" {
		return a.address
	}
	return a.cfg.Device.Address
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	}
}
