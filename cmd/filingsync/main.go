package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filingsync/internal/config"
)

var (
	configPath string
	cfg        *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
}

var rootCmd = &cobra.Command{
	Use:           "filingsync",
	Short:         "Keep a local store of campaign finance filings in sync with bulk files and the API",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure global logger (timestamped, info level by default).
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Info("interrupt received, shutting down gracefully…")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("filingsync: %v", err)
	}
}
