package main

import (
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var importResume bool

func init() {
	importCmd.Flags().BoolVar(&importResume, "resume", false, "Continue the latest unfinished job for the dataset and cycle")
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import [kind] [cycle]",
	Short: "Import one bulk dataset for an election cycle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := args[0]
		cycle, err := strconv.Atoi(args[1])
		if err != nil || cycle <= 0 {
			return errors.Errorf("invalid cycle '%s'", args[1])
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.pipeline.Import(ctx, kind, cycle, importResume)
		if err != nil {
			return err
		}
		log.Infof("imported %d %s records for cycle %d", n, kind, cycle)
		return nil
	},
}
