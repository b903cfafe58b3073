package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"klipper-go-nozzle/pkg/log"
	"klipper-go-nozzle/pkg/metrics"
	"klipper-go-nozzle/pkg/moonraker"
	"klipper-go-nozzle/pkg/nozzle"
	"klipper-go-nozzle/pkg/printer"
)

var (
	serveAddr       string
	serveLogFile    string
	serveLogMaxSize int
	serveLogBackups int
	metricsAddr     string
	metricsUser     string
	metricsPassword string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the printer host and its Moonraker-compatible API",
	Long: `Load the printer configuration, restore each extruder's persisted nozzle and
serve status and G-code over HTTP and WebSocket until interrupted.

A printer that fails to connect stays up in the error state so that clients
can read the reason from the webhooks object.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "moonraker", ":7125", "API listen address (empty disables the API)")
	serveCmd.Flags().StringVarP(&serveLogFile, "logfile", "l", "", "write logs to a rotating file")
	serveCmd.Flags().IntVar(&serveLogMaxSize, "log-max-size", 10, "log file size in MB before rotation")
	serveCmd.Flags().IntVar(&serveLogBackups, "log-backups", 3, "number of rotated log files kept")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus metrics listen address (empty disables metrics)")
	serveCmd.Flags().StringVar(&metricsUser, "metrics-user", "", "basic auth user for the metrics endpoint")
	serveCmd.Flags().StringVar(&metricsPassword, "metrics-password", "", "basic auth password for the metrics endpoint")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.Default()
	if serveLogFile != "" {
		closer, err := log.NewFileLogger(logger, log.RotationConfig{
			Filename:   expandHome(serveLogFile),
			MaxSize:    serveLogMaxSize,
			MaxBackups: serveLogBackups,
		}, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := printer.New(cfg, printer.Options{})
	if err != nil {
		return err
	}

	var server *moonraker.Server
	if serveAddr != "" {
		server = moonraker.New(moonraker.Config{Addr: serveAddr, Printer: p})
		p.RegisterEventHandler(nozzle.EventChanged, func(args ...any) error {
			server.Notify()
			return nil
		})
		p.RegisterEventHandler(printer.EventReady, func(args ...any) error {
			server.Notify()
			return nil
		})
		p.AddResponseListener(server.NotifyGCodeResponse)
	}

	var nm *metrics.NozzleMetrics
	if metricsAddr != "" {
		nm = metrics.NewNozzleMetrics()
		nm.Attach(p, nozzle.DiscoverExtruders(cfg))
	}

	if err := p.Start(); err != nil {
		logger.WithError(err).Error("printer connect failed")
		if nm != nil {
			nm.SetState(string(printer.StateError))
		}
	} else {
		logger.Info("printer ready with objects %v", p.ObjectNames())
	}
	defer p.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	var ms *metrics.Server
	if nm != nil {
		ms = metrics.NewServer(nm, metrics.ServerConfig{
			Address:  metricsAddr,
			Username: metricsUser,
			Password: metricsPassword,
		})
		go func() {
			errCh <- ms.Start()
		}()
		logger.Info("metrics listening on %s", metricsAddr)
	}
	if server != nil {
		go func() {
			errCh <- server.Start()
		}()
		logger.Info("API listening on %s", serveAddr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			logger.WithError(err).Error("server stopped")
		}
	}
	if server != nil {
		if serr := server.Stop(); serr != nil {
			logger.WithError(serr).Warn("API shutdown")
		}
	}
	if ms != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if serr := ms.Shutdown(sctx); serr != nil {
			logger.WithError(serr).Warn("metrics shutdown")
		}
	}
	return err
}
