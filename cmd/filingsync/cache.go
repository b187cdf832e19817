package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the API response cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired responses, keeping the newest one per request",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
		n, err := a.cache.Prune(ctx)
		if err != nil {
			return err
		}
		log.Infof("pruned %d cache entries", n)
		return nil
	}),
}
