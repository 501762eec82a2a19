// Command otel-journal-gatewayd-forwarder polls one or more systemd
// journal gateway HTTP endpoints and forwards their entries as OTLP logs.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/config"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/metrics"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/supervisor"
)

var version = "dev"

// Exit codes, per the CLI surface.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitRuntimeFatal  = 2
	exitSignalAborted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		configPath  string
		verbose     bool
		quiet       bool
		validate    bool
		once        bool
		metricsAddr string
	)

	rootCmd := &cobra.Command{
		Use:          "otel-journal-gatewayd-forwarder",
		Short:        "Poll journal gateways and forward entries as OTLP logs",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			logger := newLogger(verbose, quiet)

			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to load config", "error", err)
				return exitError{code: exitConfigError, err: err}
			}

			if err := cfg.Validate(); err != nil {
				logger.Error("invalid config", "error", err)
				return exitError{code: exitConfigError, err: err}
			}

			if validate {
				fmt.Println("config is valid")
				return nil
			}

			sup, err := supervisor.New(cfg, logger)
			if err != nil {
				logger.Error("failed to initialize supervisor", "error", err)
				return exitError{code: exitRuntimeFatal, err: err}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			var metricsSrv *http.Server
			if metricsAddr != "" {
				metricsSrv = &http.Server{Addr: metricsAddr, Handler: metrics.Handler(sup.Metrics)}
				go func() {
					logger.Info("metrics server listening", "addr", metricsAddr)
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server error", "error", err)
					}
				}()
			}

			if once {
				sup.RunOnce(ctx)
			} else {
				if err := sup.Run(ctx); err != nil {
					logger.Error("supervisor exited with error", "error", err)
					return exitError{code: exitRuntimeFatal, err: err}
				}
			}

			if metricsSrv != nil {
				_ = metricsSrv.Close()
			}

			if ctx.Err() != nil {
				return exitError{code: exitSignalAborted, err: ctx.Err()}
			}
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/otel-journal-gatewayd-forwarder/config.toml", "path to the TOML config file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")
	rootCmd.Flags().BoolVar(&validate, "validate", false, "validate the config and exit")
	rootCmd.Flags().BoolVar(&once, "once", false, "run one cycle per source, then exit")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "bind address for the Prometheus scrape endpoint (disabled if empty)")
	rootCmd.Flags().BoolP("version", "V", false, "print the version and exit")

	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		var exitErr exitError
		if ok := asExitError(err, &exitErr); ok {
			return exitErr.code
		}
		return exitConfigError
	}
	return exitOK
}

// exitError carries a process exit code alongside the error that caused
// it, so RunE can select the CLI surface's exit code without cobra's own
// error-formatting getting in the way.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func asExitError(err error, target *exitError) bool {
	ee, ok := err.(exitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

func newLogger(verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
