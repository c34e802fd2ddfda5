package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"wholesync/src/infrastructure/job"
	"wholesync/src/jobctrl"
)

var enqueueFlags struct {
	account string
	jobType string
	scope   string
	itemID  string
	watch   bool
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a job for an account",
	Example: `  wholesync enqueue --account acc-1 --type sync_catalog
  wholesync enqueue --account acc-1 --type refresh_price_references --scope item --item MLB123`,
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueueFlags.account, "account", "", "account id")
	enqueueCmd.Flags().StringVar(&enqueueFlags.jobType, "type", "", "sync_catalog, apply_wholesale_prices or refresh_price_references")
	enqueueCmd.Flags().StringVar(&enqueueFlags.scope, "scope", "", "price reference scope: all or item")
	enqueueCmd.Flags().StringVar(&enqueueFlags.itemID, "item", "", "item id for --scope item")
	enqueueCmd.Flags().BoolVar(&enqueueFlags.watch, "watch", false, "follow the job until it ends")
	_ = enqueueCmd.MarkFlagRequired("account")
	_ = enqueueCmd.MarkFlagRequired("type")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	jobType := job.Type(enqueueFlags.jobType)
	if !jobType.Valid() {
		return fmt.Errorf("%w: %s", job.ErrUnknownJobType, jobType)
	}

	var params json.RawMessage
	if jobType == job.TypeRefreshPriceReferences {
		p := jobctrl.PriceReferenceParams{Scope: enqueueFlags.scope, ItemID: enqueueFlags.itemID}
		if err := p.Validate(); err != nil {
			return err
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		params = raw
	}

	logger := watermillLogger()

	db, closeDB, err := openDatabase()
	if err != nil {
		return err
	}
	defer closeDB()

	publisher, err := newPublisher(logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	svc, err := newServices(db, publisher, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	j, err := svc.jobs.EnqueueJob(ctx, enqueueFlags.account, jobType, params)
	switch {
	case errors.Is(err, job.ErrActiveJobExists):
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s of this type is already active (%s)\n", j.ID, j.Status)
	case err != nil:
		return fmt.Errorf("failed to enqueue job: %w", err)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "Successfully enqueued job with ID: %s\n", j.ID)
	}

	if !enqueueFlags.watch {
		return nil
	}
	return watchJob(ctx, cmd.OutOrStdout(), svc.jobs, j.ID, defaultWatchInterval)
}
