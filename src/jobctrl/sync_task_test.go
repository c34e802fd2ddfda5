package jobctrl

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wholesync/src/infrastructure/integrations/mercadolivre/mercadolivretest"
	"wholesync/src/infrastructure/job"
	"wholesync/src/storage/postgres/accountctrl"
)

type memoryArchive struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (a *memoryArchive) ArchiveItem(_ context.Context, accountID, itemID string, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.items == nil {
		a.items = map[string][]byte{}
	}
	a.items[accountID+"/"+itemID] = raw
	return nil
}

func (e *testEnv) syncTask(opts ...SyncOption) *SyncTask {
	return NewSyncTask(e.jobs, e.accounts, e.tokens, e.client, e.catalog, opts...)
}

func TestSyncTask_PartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.server.AddItem("MLB1", nil)
	env.server.AddItem("MLB2", nil)
	env.server.AddItem("MLB3", nil)
	env.server.FailItem("MLB2", http.StatusInternalServerError, `{"message":"boom"}`)

	done := env.run(t, job.TypeSyncCatalog, env.syncTask(), nil)

	requireCounterLaw(t, done)
	assert.Equal(t, job.JobStatusPartial, done.Status)
	assert.Equal(t, 3, done.Total)
	assert.Equal(t, 2, done.OK)
	assert.Equal(t, 1, done.Errors)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.EndedAt)

	items, err := env.catalog.ListItems(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "MLB1", items[0].ItemID)
	assert.Equal(t, "MLB3", items[1].ItemID)

	logs := env.logs(t, done.ID)
	failed := entriesFor(logs, "MLB2")
	require.Len(t, failed, 1)
	assert.Equal(t, job.LogStatusError, failed[0].Status)
	assert.Contains(t, logMessage(failed[0]), "500")
	assert.JSONEq(t, `{"message":"boom"}`, string(failed[0].ResponseSnapshot))

	for _, id := range []string{"MLB1", "MLB3"} {
		entries := entriesFor(logs, id)
		require.Len(t, entries, 1)
		assert.Equal(t, job.LogStatusOK, entries[0].Status)
	}
}

func TestSyncTask_RejectedPricesStoreNoTiers(t *testing.T) {
	env := newTestEnv(t)
	env.server.AddItem("MLB1", nil)
	env.server.AddItem("MLB2", nil)
	env.server.FailPrices("MLB2", http.StatusForbidden, `{"message":"forbidden","status":403}`)

	done := env.run(t, job.TypeSyncCatalog, env.syncTask(), nil)

	requireCounterLaw(t, done)
	assert.Equal(t, job.JobStatusSuccess, done.Status)
	assert.Equal(t, 2, done.OK)
	assert.Zero(t, done.Errors)

	item, err := env.catalog.GetItem(context.Background(), testAccount, "MLB2")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.JSONEq(t, `[]`, string(item.WholesaleTiers))

	entries := entriesFor(env.logs(t, done.ID), "MLB2")
	require.Len(t, entries, 1)
	assert.Equal(t, job.LogStatusOK, entries[0].Status)
}

func TestSyncTask_StoresVariationsAndTiers(t *testing.T) {
	env := newTestEnv(t)
	env.server.AddItem("MLB10", map[string]interface{}{
		"price": 120,
		"variations": []map[string]interface{}{
			{"id": 11, "price": 95, "attribute_combinations": []map[string]interface{}{{"id": "COLOR", "value_name": "Red"}}},
			{"id": 12, "price": 96, "seller_custom_field": "EMB-12"},
		},
	})
	env.server.AddVariation("MLB10", 11, map[string]interface{}{
		"price":      95,
		"attributes": []map[string]interface{}{{"id": "SELLER_SKU", "value_name": "SKU-11"}},
	})
	env.server.SetPrices("MLB10", []map[string]interface{}{
		{"id": "std", "type": "standard", "amount": 120, "currency_id": "BRL", "conditions": map[string]interface{}{}},
		{"id": "q5", "type": "standard", "amount": 100, "currency_id": "BRL", "conditions": map[string]interface{}{"min_purchase_unit": 5}},
		{"id": "q3", "type": "standard", "amount": 110, "currency_id": "BRL", "conditions": map[string]interface{}{"min_purchase_unit": 3}},
	})
	env.server.AddItem("MLBU20", map[string]interface{}{
		"user_product_id": "MLBU20",
		"family_id":       "fam-1",
		"family_name":     "Shirts",
	})

	archive := &memoryArchive{}
	done := env.run(t, job.TypeSyncCatalog, env.syncTask(WithArchive(archive)), nil)

	requireCounterLaw(t, done)
	require.Equal(t, job.JobStatusSuccess, done.Status)
	assert.Equal(t, 2, done.OK)

	ctx := context.Background()
	item, err := env.catalog.GetItem(ctx, testAccount, "MLB10")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.True(t, item.HasVariations)
	assert.Equal(t, "120", item.Price.String())
	assert.JSONEq(t, `[{"min_purchase_unit":3,"amount":"110"},{"min_purchase_unit":5,"amount":"100"}]`, string(item.WholesaleTiers))

	variations, err := env.catalog.ListVariations(ctx, testAccount, "MLB10")
	require.NoError(t, err)
	require.Len(t, variations, 2)
	require.NotNil(t, variations[0].SellerCustomField)
	assert.Equal(t, "SKU-11", *variations[0].SellerCustomField)
	require.NotNil(t, variations[1].SellerCustomField)
	assert.Equal(t, "EMB-12", *variations[1].SellerCustomField, "falls back to the embedded variation")
	assert.Equal(t, "96", variations[1].Price.Decimal.String())

	up, err := env.catalog.GetItem(ctx, testAccount, "MLBU20")
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.False(t, up.HasVariations)
	require.NotNil(t, up.FamilyName)
	assert.Equal(t, "Shirts", *up.FamilyName)

	assert.Len(t, archive.items, 2)
	assert.Contains(t, string(archive.items[testAccount+"/MLB10"]), `"variations"`)
}

func TestSyncTask_ResyncKeepsOneRowPerItem(t *testing.T) {
	env := newTestEnv(t)
	env.server.AddItem("MLB1", map[string]interface{}{"title": "Old"})

	first := env.run(t, job.TypeSyncCatalog, env.syncTask(), nil)
	require.Equal(t, job.JobStatusSuccess, first.Status)

	env.server.AddItem("MLB1", map[string]interface{}{"title": "New"})
	second := env.run(t, job.TypeSyncCatalog, env.syncTask(), nil)
	require.Equal(t, job.JobStatusSuccess, second.Status)
	assert.NotEqual(t, first.ID, second.ID)

	items, err := env.catalog.ListItems(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "New", items[0].Title)
}

func TestSyncTask_EmptyCatalog(t *testing.T) {
	env := newTestEnv(t)

	done := env.run(t, job.TypeSyncCatalog, env.syncTask(), nil)

	requireCounterLaw(t, done)
	assert.Equal(t, job.JobStatusSuccess, done.Status)
	assert.Zero(t, done.Total)
}

func TestSyncTask_FatalBeforeRunning(t *testing.T) {
	tests := []struct {
		name    string
		account string
		setup   func(env *testEnv)
		want    string
	}{
		{
			name:    "unknown account",
			account: "missing",
			want:    "account not found",
		},
		{
			name:    "search failure",
			account: testAccount,
			setup: func(env *testEnv) {
				env.server.FailSearch(http.StatusForbidden, `{"message":"forbidden"}`)
			},
			want: "forbidden",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}

			done := env.runFor(t, tt.account, job.TypeSyncCatalog, env.syncTask(), nil)

			assert.Equal(t, job.JobStatusFailed, done.Status)
			assert.Nil(t, done.StartedAt)
			assert.Zero(t, done.Total)
			assert.Zero(t, done.Processed)

			logs := env.logs(t, done.ID)
			require.Len(t, logs, 1)
			assert.Nil(t, logs[0].ItemID)
			assert.Contains(t, logMessage(logs[0]), tt.want)
		})
	}
}

func TestSyncTask_MissingToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	other := &accountctrl.Account{ID: "acc-2", SellerID: "654321"}
	require.NoError(t, env.accounts.Save(ctx, other))

	done := env.runFor(t, other.ID, job.TypeSyncCatalog, env.syncTask(), nil)

	assert.Equal(t, job.JobStatusFailed, done.Status)
	assert.True(t, containsMessage(env.logs(t, done.ID), "token not found"))
}

func TestSyncTask_RefreshFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	other := &accountctrl.Account{ID: "acc-2", SellerID: "654321"}
	require.NoError(t, env.accounts.Save(ctx, other))
	require.NoError(t, env.accounts.SaveToken(ctx, other.ID, "old", "rt", time.Now().Add(-time.Hour)))
	env.server.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	done := env.runFor(t, other.ID, job.TypeSyncCatalog, env.syncTask(), nil)

	assert.Equal(t, job.JobStatusFailed, done.Status)
	assert.True(t, containsMessage(env.logs(t, done.ID), "failed to obtain access token"))
	assert.Equal(t, 1, env.server.Calls(mercadolivretest.KindToken))
}

func TestSyncTask_RateLimitExhausted(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"MLB1", "MLB2", "MLB3"} {
		env.server.AddItem(id, nil)
	}
	env.server.RateLimit(mercadolivretest.KindItem, 1000)

	done := env.run(t, job.TypeSyncCatalog, env.syncTask(WithSyncConcurrency(1)), nil)

	requireCounterLaw(t, done)
	assert.Equal(t, job.JobStatusFailed, done.Status)
	assert.Equal(t, 3, done.Errors)
	assert.Equal(t, 6, env.server.Calls(mercadolivretest.KindItem), "one request plus five rate limit retries")

	logs := env.logs(t, done.ID)
	skipped := 0
	for _, l := range logs {
		if logMessage(l) == msgRateLimitSkipped {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)

	notes := jobLevel(logs)
	require.Len(t, notes, 1)
	assert.Equal(t, msgRateLimitExhausted, logMessage(notes[0]))
}

func TestSyncTask_RateLimitedThenRecovered(t *testing.T) {
	env := newTestEnv(t)
	env.server.AddItem("MLB1", nil)
	env.server.RateLimit(mercadolivretest.KindItem, 3)

	done := env.run(t, job.TypeSyncCatalog, env.syncTask(), nil)

	assert.Equal(t, job.JobStatusSuccess, done.Status)
	assert.Zero(t, done.Errors)
	assert.Equal(t, 4, env.server.Calls(mercadolivretest.KindItem))
}

func TestSyncItem(t *testing.T) {
	env := newTestEnv(t)
	env.server.AddItem("MLB77", map[string]interface{}{"title": "Single"})
	task := env.syncTask()
	ctx := context.Background()

	err := task.SyncItem(ctx, testAccount, "XYZ77")
	assert.ErrorIs(t, err, ErrInvalidItemID)
	assert.Contains(t, err.Error(), "must start with MLB")

	require.NoError(t, task.SyncItem(ctx, testAccount, " mlb77 "))
	item, err := env.catalog.GetItem(ctx, testAccount, "MLB77")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Single", item.Title)

	err = task.SyncItem(ctx, "missing", "MLB77")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
