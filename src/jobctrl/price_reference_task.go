package jobctrl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"

	"wholesync/src/core/pricereference"
	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/infrastructure/job"
	"wholesync/src/log"
	"wholesync/src/storage/postgres/accountctrl"
	"wholesync/src/storage/postgres/catalogctrl"
	"wholesync/src/storage/postgres/pricereferencectrl"
)

const DefaultReferenceConcurrency = 3

const (
	ScopeAll  = "all"
	ScopeItem = "item"
)

// PriceReferenceParams are the job params of a price reference refresh.
type PriceReferenceParams struct {
	Scope  string `json:"scope"`
	ItemID string `json:"item_id,omitempty"`
}

// Validate fills the default scope and checks that an item scope names an item.
func (p *PriceReferenceParams) Validate() error {
	switch p.Scope {
	case "":
		p.Scope = ScopeAll
	case ScopeAll:
	case ScopeItem:
		if p.ItemID == "" {
			return fmt.Errorf("item_id is required for scope %q", ScopeItem)
		}
	default:
		return fmt.Errorf("unknown scope %q", p.Scope)
	}
	return nil
}

// referenceTarget is an item, or one of its variations, to classify.
type referenceTarget struct {
	ItemID       string
	VariationID  *int64
	CurrentPrice decimal.Decimal
}

// PriceReferenceTask fetches marketplace price benchmarks for the local
// catalog and stores a competitiveness status per item or variation.
type PriceReferenceTask struct {
	jobs        *job.JobService
	accounts    *accountctrl.AccountService
	tokens      TokenSupplier
	client      *mercadolivre.Client
	catalog     *catalogctrl.CatalogService
	references  *pricereferencectrl.PriceReferenceService
	tolerances  pricereference.Tolerances
	concurrency int
	now         func() time.Time
	logger      logr.Logger
}

func NewPriceReferenceTask(
	jobs *job.JobService,
	accounts *accountctrl.AccountService,
	tokens TokenSupplier,
	client *mercadolivre.Client,
	catalog *catalogctrl.CatalogService,
	references *pricereferencectrl.PriceReferenceService,
	concurrency int,
) *PriceReferenceTask {
	if concurrency < 1 {
		concurrency = DefaultReferenceConcurrency
	}
	return &PriceReferenceTask{
		jobs:        jobs,
		accounts:    accounts,
		tokens:      tokens,
		client:      client,
		catalog:     catalog,
		references:  references,
		tolerances:  pricereference.DefaultTolerances,
		concurrency: concurrency,
		now:         time.Now,
		logger:      log.WithName("price-references"),
	}
}

func (t *PriceReferenceTask) Run(ctx context.Context, j *job.Job) error {
	var params PriceReferenceParams
	if len(j.Params) > 0 {
		if err := json.Unmarshal(j.Params, &params); err != nil {
			return fmt.Errorf("invalid job params: %w", err)
		}
	}
	if err := params.Validate(); err != nil {
		return err
	}

	sess, err := openSession(ctx, t.accounts, t.tokens, j.AccountID)
	if err != nil {
		return err
	}

	targets, err := t.targets(ctx, j.AccountID, params)
	if err != nil {
		return err
	}

	byItem := make(map[string][]referenceTarget)
	var itemIDs []string
	for _, target := range targets {
		if _, seen := byItem[target.ItemID]; !seen {
			itemIDs = append(itemIDs, target.ItemID)
		}
		byItem[target.ItemID] = append(byItem[target.ItemID], target)
	}

	tracker, err := t.jobs.Start(ctx, j, len(itemIDs))
	if err != nil {
		return err
	}

	logger := t.logger.WithValues("job_id", j.ID, "account_id", j.AccountID)
	runUnits(ctx, tracker, itemIDs, t.concurrency,
		func(id string) unit { return unit{ItemID: id} },
		func(ctx context.Context, id string) job.Outcome {
			o := job.Outcome{ItemID: id}
			if err := t.refresh(ctx, sess, id, byItem[id]); err != nil {
				logger.Error(err, "price reference refresh failed", "item_id", id)
				o = failed(o, err)
				o.Message = err.Error()
			}
			return o
		})

	_, err = t.jobs.Finish(ctx, tracker)
	return err
}

// targets lists what to classify: the variations of items that have them,
// the item itself otherwise.
func (t *PriceReferenceTask) targets(ctx context.Context, accountID string, params PriceReferenceParams) ([]referenceTarget, error) {
	var items []catalogctrl.Item
	if params.Scope == ScopeItem {
		item, err := t.catalog.GetItem(ctx, accountID, params.ItemID)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, params.ItemID)
		}
		items = []catalogctrl.Item{*item}
	} else {
		var err error
		items, err = t.catalog.ListItems(ctx, accountID)
		if err != nil {
			return nil, err
		}
	}

	var targets []referenceTarget
	for _, item := range items {
		if !item.HasVariations {
			targets = append(targets, referenceTarget{ItemID: item.ItemID, CurrentPrice: item.Price})
			continue
		}

		variations, err := t.catalog.ListVariations(ctx, accountID, item.ItemID)
		if err != nil {
			return nil, err
		}
		for _, v := range variations {
			price := item.Price
			if v.Price.Valid {
				price = v.Price.Decimal
			}
			id := v.VariationID
			targets = append(targets, referenceTarget{ItemID: item.ItemID, VariationID: &id, CurrentPrice: price})
		}
	}
	return targets, nil
}

func (t *PriceReferenceTask) refresh(ctx context.Context, sess *session, itemID string, targets []referenceTarget) error {
	details, err := t.client.GetPriceReference(ctx, sess.token, itemID)
	if err != nil {
		return err
	}

	for _, target := range targets {
		ref := &pricereferencectrl.PriceReference{
			AccountID:            sess.account.ID,
			ItemID:               target.ItemID,
			VariationID:          target.VariationID,
			CurrentPriceSnapshot: target.CurrentPrice,
			Reference:            []byte("{}"),
			ReferenceUpdatedAt:   t.now(),
		}

		summary := pricereference.Missing()
		if details != nil {
			summary = pricereference.Summarize(benchmark(details), target.CurrentPrice, t.tolerances)
			if len(details.Raw) > 0 {
				ref.Reference = []byte(details.Raw)
			}
			if ts, err := time.Parse(time.RFC3339, details.LastUpdated); err == nil {
				ref.ReferenceUpdatedAt = ts
			}
		}

		ref.ReferenceType = string(summary.Type)
		ref.SuggestedPrice = nullDecimal(summary.Suggested)
		ref.MinReferencePrice = nullDecimal(summary.Min)
		ref.MaxReferencePrice = nullDecimal(summary.Max)
		ref.Status = string(summary.Status)
		ref.Explanation = summary.Explanation

		if err := t.references.Upsert(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func benchmark(d *mercadolivre.PriceReferenceDetails) pricereference.Benchmark {
	return pricereference.Benchmark{
		Status:            d.Status,
		CurrentPrice:      amountOf(d.CurrentPrice),
		SuggestedPrice:    amountOf(d.SuggestedPrice),
		LowestPrice:       amountOf(d.LowestPrice),
		PercentDifference: d.PercentDifference,
	}
}

func amountOf(a *mercadolivre.Amount) *decimal.Decimal {
	if a == nil {
		return nil
	}
	return a.Amount
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}
