package main

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"filingsync/internal/api"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve job control, record reads and metrics over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.manager.LogIncomplete(ctx); err != nil {
			return err
		}

		srv := api.NewServer(a.manager, a.query)
		srv.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		return srv.Run(ctx, cfg.Server.Addr)
	},
}
