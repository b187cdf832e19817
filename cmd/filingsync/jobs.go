package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filingsync/internal/jobs"
)

var (
	jobsLimit      int
	jobsIncomplete bool
)

func init() {
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Number of jobs to show")
	jobsListCmd.Flags().BoolVar(&jobsIncomplete, "incomplete", false, "Show only pending and running jobs")
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsCancelCmd, jobsResumeCmd, jobsRetryCmd)
	rootCmd.AddCommand(jobsCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control import jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent import jobs",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
		var (
			list []*jobs.Job
			err  error
		)
		if jobsIncomplete {
			list, err = a.manager.ListIncompleteJobs(ctx)
		} else {
			list, err = a.manager.ListRecentJobs(ctx, jobsLimit)
		}
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), list)
		return nil
	}),
}

var jobsGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one import job",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		j, err := a.manager.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), []*jobs.Job{j})
		return nil
	}),
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a pending or running import job",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		j, err := a.manager.CancelJob(ctx, args[0])
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), []*jobs.Job{j})
		return nil
	}),
}

// Resume and retry run the job in the foreground so the command returns
// when the import does.
var jobsResumeCmd = &cobra.Command{
	Use:   "resume [id]",
	Short: "Continue a pending or running import job from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		n, err := a.pipeline.Run(ctx, args[0])
		if err != nil {
			return err
		}
		log.Infof("job %s finished with %d records imported", args[0], n)
		return nil
	}),
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Start a new job continuing a failed one",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		j, err := a.tracker.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		n, err := a.pipeline.Run(ctx, j.ID)
		if err != nil {
			return err
		}
		log.Infof("job %s finished with %d records imported", j.ID, n)
		return nil
	}),
}

func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd, args)
	}
}

func printJobs(out io.Writer, list []*jobs.Job) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tCYCLE\tSTATUS\tCHECKPOINT\tIMPORTED\tSKIPPED\tUPDATED\tERROR")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t%s\t%s\n", j.ID, j.Kind, j.Cycle, j.Status,
			j.CheckpointPosition, j.ImportedCount, j.SkippedCount, j.UpdatedAt.Format(time.RFC3339), j.ErrorMessage)
	}
	_ = tw.Flush()
}
