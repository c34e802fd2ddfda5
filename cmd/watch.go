package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"wholesync/src/infrastructure/job"
)

const defaultWatchInterval = 2 * time.Second

var watchFlags struct {
	jobID    string
	interval time.Duration
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a job's progress until it ends",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeDB, err := openDatabase()
		if err != nil {
			return err
		}
		defer closeDB()

		svc, err := newServices(db, nil, watermillLogger())
		if err != nil {
			return err
		}
		return watchJob(cmd.Context(), cmd.OutOrStdout(), svc.jobs, watchFlags.jobID, watchFlags.interval)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchFlags.jobID, "job", "", "job id")
	watchCmd.Flags().DurationVar(&watchFlags.interval, "interval", defaultWatchInterval, "polling interval")
	_ = watchCmd.MarkFlagRequired("job")
}

// watchJob polls the job and draws its progress. Once the job ends it prints
// the counters and the most recent errors.
func watchJob(ctx context.Context, out io.Writer, jobs *job.JobService, jobID string, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultWatchInterval
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("queued"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	started := false
	for {
		j, err := jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}

		if j.Status != job.JobStatusQueued && !started && j.Total > 0 {
			bar.ChangeMax(j.Total)
			started = true
		}
		bar.Describe(fmt.Sprintf("%s (%d errors)", j.Status, j.Errors))
		_ = bar.Set(j.Processed)

		if j.Status.Terminal() {
			_ = bar.Finish()
			return printSummary(ctx, out, jobs, j)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printSummary(ctx context.Context, out io.Writer, jobs *job.JobService, j *job.Job) error {
	fmt.Fprintf(out, "\nJob %s finished: %s (total %d, ok %d, errors %d)\n", j.ID, j.Status, j.Total, j.OK, j.Errors)
	if j.Status == job.JobStatusSuccess {
		return nil
	}

	_, logs, err := jobs.GetWithRecentLogs(ctx, j.ID, 10)
	if err != nil {
		return err
	}
	for _, entry := range logs {
		if entry.Status != job.LogStatusError {
			continue
		}
		item := "-"
		if entry.ItemID != nil {
			item = *entry.ItemID
		}
		msg := ""
		if entry.Message != nil {
			msg = *entry.Message
		}
		fmt.Fprintf(out, "  %s  %s\n", item, msg)
	}
	return nil
}
