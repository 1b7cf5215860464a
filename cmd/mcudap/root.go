package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dshills/mcudap/internal/config"
	"github.com/dshills/mcudap/internal/device/monowire"
	"github.com/dshills/mcudap/internal/dispatch"
	"github.com/dshills/mcudap/internal/protocol"
	"github.com/dshills/mcudap/internal/session"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func execute() {
	rootCmd := &cobra.Command{
		Use:           "mcudap",
		Short:         "microcontroller debug adapter",
		Long:          "mcudap speaks a line-delimited JSON debug protocol on stdin/stdout\nand drives an on-device debugger over a serial bridge.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runServe,
	}

	rootCmd.Flags().StringP("config", "c", "", "path to settings file")
	rootCmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().String("log-file", "", "write logs to this file instead of stderr")
	rootCmd.Flags().String("endpoint", "", "override the launch configuration's device endpoint")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")
	endpointOverride, _ := cmd.Flags().GetString("endpoint")

	if configPath == "" {
		configPath = config.SettingsPath()
	}
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}

	closeLog, err := setupLogging(settings.LogLevel, logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	slog.Info("mcudap starting", "version", version, "settings", configPath)

	// stdout carries the protocol; everything else stays off it.
	writer := protocol.NewWriter(os.Stdout)
	engine := session.New(writer, settings, backendFactory(settings, endpointOverride))
	dispatcher := dispatch.New(os.Stdin, writer, engine.Handlers())

	dispatchErr := make(chan error, 1)
	go func() { dispatchErr <- dispatcher.Run() }()

	if err := awaitSessionEnd(dispatchErr, engine); err != nil {
		return err
	}
	slog.Info("mcudap exiting")
	return nil
}

// awaitSessionEnd blocks until the session is over. That happens either
// because the IDE closed stdin or because the session itself terminated
// (disconnect, device loss); the process must not linger on an open stdin
// once the session is gone.
func awaitSessionEnd(dispatchErr <-chan error, engine *session.Engine) error {
	select {
	case err := <-dispatchErr:
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		// stdin closed. Make sure the device is released before exiting.
		engine.Shutdown()
		<-engine.Done()
	case <-engine.Done():
	}
	return nil
}

// backendFactory dials the device's serial bridge for each launch.
func backendFactory(settings config.Settings, endpointOverride string) session.BackendFactory {
	return func(ctx context.Context, launch config.Launch) (session.Backend, error) {
		endpoint := resolveEndpoint(launch, endpointOverride)
		return monowire.Dial(ctx, endpoint, monowire.Options{
			DialTimeout:    settings.DialTimeout.Std(),
			DialRetries:    settings.DialRetries,
			RequestTimeout: settings.RequestTimeout.Std(),
		})
	}
}

func resolveEndpoint(launch config.Launch, override string) string {
	if override != "" {
		return override
	}
	endpoint := launch.SerialEndpoint
	if launch.DebugPort > 0 {
		if host, _, err := net.SplitHostPort(endpoint); err == nil {
			return net.JoinHostPort(host, strconv.Itoa(launch.DebugPort))
		}
	}
	return endpoint
}

func setupLogging(level, logFile string) (func(), error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "", "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeLog = func() { f.Close() }
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})))
	return closeLog, nil
}
