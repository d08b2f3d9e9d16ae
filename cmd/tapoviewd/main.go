package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tapoview/tapoview/internal/daemon"
	"github.com/tapoview/tapoview/internal/version"
)

var (
	settingsPath string
	logLevel     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tapoviewd",
		Short:         "Tapo gateway daemon - sensor feeds and camera relay over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.Flags().StringVar(&settingsPath, "settings", "", "path to the settings file (default ./settings.json)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	lg, err := setupLogging()
	if err != nil {
		return err
	}

	path := settingsPath
	if path == "" {
		path = filepath.Join(".", "settings.json")
	}

	d, err := daemon.New(daemon.Options{
		SettingsPath: path,
		Logger:       lg,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- d.Run() }()

	lg.Info().Int("pid", os.Getpid()).Str("version", version.Format(version.String())).Msg("tapoviewd started")

	select {
	case sig := <-sigChan:
		lg.Info().Str("signal", sig.String()).Msg("shutting down")
		d.Shutdown()
		if err := <-errChan; err != nil {
			return err
		}
	case err := <-errChan:
		if err != nil {
			return err
		}
	}

	lg.Info().Msg("tapoviewd stopped")
	return nil
}

func setupLogging() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", logLevel, err)
	}

	lg := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
	return lg, nil
}
