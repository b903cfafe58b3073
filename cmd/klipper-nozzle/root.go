package main

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"klipper-go-nozzle/pkg/config"
	"klipper-go-nozzle/pkg/errors"
	"klipper-go-nozzle/pkg/log"
	"klipper-go-nozzle/pkg/printer"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	noColor   bool
)

var rootCmd = &cobra.Command{
	Use:           "klipper-nozzle",
	Short:         "Live nozzle swap host for Klipper extruders",
	Long:          `klipper-nozzle recomputes extruder limits when a nozzle is swapped, persists the fitted nozzle and exposes it over a Moonraker-compatible API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		configureLogging()
		return nil
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := errorHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "~/printer_data/config/printer.cfg", "printer configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides KLIPPER_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides KLIPPER_LOG_FORMAT)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable ANSI color output")
}

// errorHint suggests where to look for errors the operator can fix.
func errorHint(err error) string {
	var cerr *config.ConfigError
	switch {
	case errors.IsConfig(err) || stderrors.As(err, &cerr):
		return fmt.Sprintf("Fix the configuration in %s and retry.", cfgFile)
	case errors.IsGCode(err):
		return "Run 'klipper-nozzle change --help' for the accepted values."
	case errors.Is(err, errors.ErrPersistence):
		return "Check the [save_variables] filename and its permissions."
	}
	return ""
}

func configureLogging() {
	l := log.Default()
	log.ConfigureFromEnv(l)
	if logLevel != "" {
		l.SetLevel(log.ParseLevel(logLevel))
	}
	if logFormat != "" {
		l.SetFormat(log.ParseFormat(logFormat))
	}
	if noColor {
		l.SetColorize(false)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func loadConfig() (*config.Config, error) {
	path := expandHome(cfgFile)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load %s: %w", path, err)
	}
	return cfg, nil
}

// startPrinter builds the printer from the config file and runs its connect
// phase. With keepOnError a failed connect returns the printer in the error
// state instead of stopping it.
func startPrinter(keepOnError bool) (*printer.Printer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	p, err := printer.New(cfg, printer.Options{})
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		if keepOnError {
			log.Default().WithError(err).Warn("printer connect failed")
			return p, nil
		}
		p.Stop()
		return nil, err
	}
	return p, nil
}
