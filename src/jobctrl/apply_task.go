package jobctrl

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"wholesync/src/core/wholesale"
	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/infrastructure/job"
	"wholesync/src/log"
	"wholesync/src/storage/postgres/accountctrl"
	"wholesync/src/storage/postgres/catalogctrl"
	"wholesync/src/storage/postgres/draftctrl"
)

const DefaultApplyConcurrency = 3

var msgNoValidTier = fmt.Sprintf("%s (min_qty >= %d, price > 0) in this item's drafts", wholesale.ErrNoValidTiers, wholesale.MinQuantity)

// ApplyTask pushes an account's wholesale drafts to the marketplace, one
// quantity price request per item.
type ApplyTask struct {
	jobs        *job.JobService
	accounts    *accountctrl.AccountService
	tokens      TokenSupplier
	client      *mercadolivre.Client
	catalog     *catalogctrl.CatalogService
	drafts      *draftctrl.DraftService
	concurrency int
	logger      logr.Logger
}

func NewApplyTask(
	jobs *job.JobService,
	accounts *accountctrl.AccountService,
	tokens TokenSupplier,
	client *mercadolivre.Client,
	catalog *catalogctrl.CatalogService,
	drafts *draftctrl.DraftService,
	concurrency int,
) *ApplyTask {
	if concurrency < 1 {
		concurrency = DefaultApplyConcurrency
	}
	return &ApplyTask{
		jobs:        jobs,
		accounts:    accounts,
		tokens:      tokens,
		client:      client,
		catalog:     catalog,
		drafts:      drafts,
		concurrency: concurrency,
		logger:      log.WithName("apply"),
	}
}

func (t *ApplyTask) Run(ctx context.Context, j *job.Job) error {
	sess, err := openSession(ctx, t.accounts, t.tokens, j.AccountID)
	if err != nil {
		return err
	}
	logger := t.logger.WithValues("job_id", j.ID, "account_id", j.AccountID)

	plans, err := t.plan(ctx, j, logger)
	if err != nil {
		return err
	}

	tracker, err := t.jobs.Start(ctx, j, len(plans))
	if err != nil {
		return err
	}

	runUnits(ctx, tracker, plans, t.concurrency,
		func(p wholesale.ItemPlan) unit { return unit{ItemID: p.ItemID, VariationID: p.VariationID} },
		func(ctx context.Context, p wholesale.ItemPlan) job.Outcome {
			o := t.apply(ctx, sess.token, p)
			if o.Err != nil {
				logger.Error(o.Err, "quantity prices not applied", "item_id", p.ItemID)
			}
			return o
		})

	_, err = t.jobs.Finish(ctx, tracker)
	return err
}

// plan merges the drafts per item and drops items that cannot be sent. Each
// dropped item gets an error entry in the job log.
func (t *ApplyTask) plan(ctx context.Context, j *job.Job, logger logr.Logger) ([]wholesale.ItemPlan, error) {
	rows, err := t.drafts.ListByAccount(ctx, j.AccountID)
	if err != nil {
		return nil, err
	}

	drafts := make([]wholesale.Draft, 0, len(rows))
	for _, row := range rows {
		d, rejected := row.Domain()
		for _, r := range rejected {
			logger.V(1).Info("ignoring draft tier", "item_id", row.ItemID, "index", r.Index, "reason", r.Reason)
		}
		drafts = append(drafts, d)
	}
	wholesale.SortDrafts(drafts)
	plans, empty := wholesale.PlanItems(drafts)

	for _, itemID := range empty {
		if err := t.jobs.LogItemError(ctx, j.ID, itemID, nil, msgNoValidTier); err != nil {
			return nil, err
		}
	}

	itemIDs := make([]string, len(plans))
	for i, p := range plans {
		itemIDs[i] = p.ItemID
	}
	hasVariations, err := t.catalog.HasVariations(ctx, j.AccountID, itemIDs)
	if err != nil {
		return nil, err
	}

	ready := make([]wholesale.ItemPlan, 0, len(plans))
	for _, p := range plans {
		if err := wholesale.ValidateTarget(hasVariations[p.ItemID], p.VariationID); err != nil {
			if logErr := t.jobs.LogItemError(ctx, j.ID, p.ItemID, p.VariationID, err.Error()); logErr != nil {
				return nil, logErr
			}
			continue
		}
		ready = append(ready, p)
	}
	return ready, nil
}

func (t *ApplyTask) apply(ctx context.Context, token string, p wholesale.ItemPlan) job.Outcome {
	o := job.Outcome{ItemID: p.ItemID, VariationID: p.VariationID}

	prices, err := fetchPrices(ctx, t.client, t.logger, token, p.ItemID)
	if err != nil {
		return failed(o, err)
	}

	payload := wholesale.BuildPayload(prices.StandardPriceID(), p.Tiers, standardCurrency(prices))
	if _, err := t.client.PostQuantityPrices(ctx, token, p.ItemID, payload); err != nil {
		return failed(o, err)
	}
	return o
}

// failed fills o from err, keeping the marketplace answer when there is one.
func failed(o job.Outcome, err error) job.Outcome {
	o.Err = err
	var apiErr *mercadolivre.APIError
	if errors.As(err, &apiErr) {
		o.Message = apiErr.Message()
		if o.Message == "" {
			o.Message = fmt.Sprintf("HTTP %d", apiErr.StatusCode)
		}
		o.Snapshot = apiErr.Snapshot()
	}
	return o
}

func standardCurrency(prices *mercadolivre.PriceList) string {
	if prices == nil {
		return wholesale.DefaultCurrency
	}
	for _, p := range prices.Prices {
		if p.Conditions.MinPurchaseUnit == nil && p.CurrencyID != "" {
			return p.CurrencyID
		}
	}
	return wholesale.DefaultCurrency
}
