package jobctrl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"gorm.io/datatypes"

	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/infrastructure/job"
	"wholesync/src/log"
	"wholesync/src/storage/postgres/accountctrl"
	"wholesync/src/storage/postgres/catalogctrl"
)

const DefaultSyncConcurrency = 5

// PayloadArchive stores raw item payloads outside the database.
type PayloadArchive interface {
	ArchiveItem(ctx context.Context, accountID, itemID string, raw []byte) error
}

// SyncTask copies an account's whole catalog into the local store.
type SyncTask struct {
	jobs        *job.JobService
	accounts    *accountctrl.AccountService
	tokens      TokenSupplier
	client      *mercadolivre.Client
	catalog     *catalogctrl.CatalogService
	archive     PayloadArchive
	concurrency int
	logger      logr.Logger
}

type SyncOption func(*SyncTask)

func WithSyncConcurrency(n int) SyncOption {
	return func(t *SyncTask) { t.concurrency = n }
}

// WithArchive also writes every fetched item payload to archive.
func WithArchive(archive PayloadArchive) SyncOption {
	return func(t *SyncTask) { t.archive = archive }
}

func NewSyncTask(
	jobs *job.JobService,
	accounts *accountctrl.AccountService,
	tokens TokenSupplier,
	client *mercadolivre.Client,
	catalog *catalogctrl.CatalogService,
	opts ...SyncOption,
) *SyncTask {
	t := &SyncTask{
		jobs:        jobs,
		accounts:    accounts,
		tokens:      tokens,
		client:      client,
		catalog:     catalog,
		concurrency: DefaultSyncConcurrency,
		logger:      log.WithName("sync"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *SyncTask) Run(ctx context.Context, j *job.Job) error {
	sess, err := openSession(ctx, t.accounts, t.tokens, j.AccountID)
	if err != nil {
		return err
	}

	logger := t.logger.WithValues("job_id", j.ID, "account_id", j.AccountID)
	pager := mercadolivre.NewPager(t.client, func(fetched, total int) {
		logger.V(1).Info("items/search progress", "fetched", fetched, "total", total)
	})
	ids, err := pager.ListAllItemIDs(ctx, sess.token, sess.account.SellerID)
	if err != nil {
		return err
	}

	tracker, err := t.jobs.Start(ctx, j, len(ids))
	if err != nil {
		return err
	}

	runUnits(ctx, tracker, ids, t.concurrency,
		func(id string) unit { return unit{ItemID: id} },
		func(ctx context.Context, id string) job.Outcome {
			o := job.Outcome{ItemID: id}
			if err := t.syncItem(ctx, sess, id); err != nil {
				logger.Error(err, "item sync failed", "item_id", id)
				o = failed(o, err)
				o.Message = err.Error()
			}
			return o
		})

	_, err = t.jobs.Finish(ctx, tracker)
	return err
}

// SyncItem refreshes a single listing outside of any job.
func (t *SyncTask) SyncItem(ctx context.Context, accountID, itemID string) error {
	sess, err := openSession(ctx, t.accounts, t.tokens, accountID)
	if err != nil {
		return err
	}

	itemID = strings.ToUpper(strings.TrimSpace(itemID))
	if !strings.HasPrefix(itemID, sess.account.SiteID) {
		return fmt.Errorf("%w: must start with %s (e.g. %s123456789)", ErrInvalidItemID, sess.account.SiteID, sess.account.SiteID)
	}
	return t.syncItem(ctx, sess, itemID)
}

func (t *SyncTask) syncItem(ctx context.Context, sess *session, itemID string) error {
	accountID := sess.account.ID

	item, err := t.client.GetItem(ctx, sess.token, itemID)
	if err != nil {
		return err
	}
	row := itemRow(accountID, item)
	if row.SiteID == "" {
		row.SiteID = sess.account.SiteID
	}
	if err := t.catalog.UpsertItem(ctx, row); err != nil {
		return err
	}

	prices, err := fetchPrices(ctx, t.client, t.logger, sess.token, item.ID)
	if err != nil {
		return err
	}
	if err := t.catalog.SetWholesaleTiers(ctx, accountID, item.ID, prices.QuantityTiers()); err != nil {
		return err
	}

	for i := range item.Variations {
		embedded := &item.Variations[i]
		detail, err := t.client.GetVariation(ctx, sess.token, item.ID, embedded.ID)
		if err != nil {
			if errors.Is(err, mercadolivre.ErrRateLimited) {
				return err
			}
			t.logger.V(1).Info("using embedded variation", "item_id", item.ID, "variation_id", embedded.ID, "reason", err.Error())
			detail = embedded
		}
		if err := t.catalog.UpsertVariation(ctx, variationRow(accountID, item.ID, detail)); err != nil {
			return err
		}
	}

	if t.archive != nil && len(item.Raw) > 0 {
		if err := t.archive.ArchiveItem(ctx, accountID, item.ID, item.Raw); err != nil {
			t.logger.Error(err, "failed to archive item payload", "item_id", item.ID)
		}
	}
	return nil
}

func itemRow(accountID string, item *mercadolivre.Item) *catalogctrl.Item {
	return &catalogctrl.Item{
		AccountID:         accountID,
		ItemID:            item.ID,
		Title:             item.Title,
		Status:            item.Status,
		Permalink:         item.Permalink,
		Thumbnail:         item.Thumbnail,
		CategoryID:        item.CategoryID,
		ListingTypeID:     item.ListingTypeID,
		SiteID:            item.SiteID,
		Price:             item.Price,
		CurrencyID:        item.CurrencyID,
		AvailableQuantity: item.AvailableQuantity,
		SoldQuantity:      item.SoldQuantity,
		Condition:         item.Condition,
		Shipping:          jsonColumn(item.Shipping),
		SellerCustomField: item.SellerCustomField,
		HasVariations:     item.HasVariations(),
		UserProductID:     item.UserProductID,
		FamilyID:          item.FamilyID,
		FamilyName:        item.FamilyName,
		Raw:               jsonColumn(item.Raw),
	}
}

func variationRow(accountID, itemID string, v *mercadolivre.Variation) *catalogctrl.Variation {
	raw := v.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(v)
	}
	var attributes datatypes.JSON
	if v.AttributeCombinations != nil {
		attributes, _ = json.Marshal(v.AttributeCombinations)
	}
	return &catalogctrl.Variation{
		AccountID:         accountID,
		ItemID:            itemID,
		VariationID:       v.ID,
		SellerCustomField: v.SKU(),
		Attributes:        attributes,
		Price:             v.Price,
		AvailableQuantity: v.AvailableQuantity,
		Raw:               jsonColumn(raw),
	}
}

func jsonColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return datatypes.JSON(raw)
}
