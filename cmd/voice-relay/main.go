package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/bt-bridge/voice-relay"
	"github.com/bt-bridge/voice-relay/shared"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Log file configuration
const (
	logFileMaxSize    int  = 10 // MB
	logFileMaxBackups int  = 2
	logFileMaxAge     int  = 3 // days
	logFileCompress   bool = false
)

const shutdownTimeout = 5 * time.Second

func main() {
	var configPath string
	var logFile string

	rootCmd := &cobra.Command{
		Use:           "voice-relay",
		Short:         "Relay real-time caller audio to a hosted speech agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logFile)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logFile string) error {
	var logger shared.LoggerAdapter
	if logFile != "" {
		logger = shared.NewFileLogger(
			logFile, logFileMaxSize, logFileMaxBackups, logFileMaxAge, logFileCompress,
		)
	} else {
		logger = shared.NewStdLogger()
	}
	logger = logger.With(zap.String("component", "voice-relay"))

	cfg, err := relay.LoadConfig(configPath)
	if err != nil {
		logger.Error("loading configuration", err)
		return fmt.Errorf("loading configuration: %w", err)
	}

	srv, err := relay.NewServer(logger, cfg)
	if err != nil {
		logger.Error("creating server", err)
		return fmt.Errorf("creating server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutting down server", err)
			return err
		}
		return nil
	case err := <-errChan:
		logger.Error("server stopped", err)
		return err
	}
}
