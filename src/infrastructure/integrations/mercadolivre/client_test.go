package mercadolivre_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wholesync/src/cache"
	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/infrastructure/integrations/mercadolivre/mercadolivretest"
)

func newTestClient(t *testing.T) (*mercadolivre.Client, *mercadolivretest.Server) {
	t.Helper()
	srv := mercadolivretest.NewServer()
	t.Cleanup(srv.Close)

	httpClient := mercadolivre.NewHTTPClient(srv.Client(), fastConfig(), nil)
	return mercadolivre.NewClient(httpClient, srv.URL), srv
}

func TestPagerTerminatesAfterTotal(t *testing.T) {
	tests := []struct {
		name     string
		ids      int
		pageSize int
		wantReqs int
	}{
		{name: "single partial page", ids: 7, pageSize: 100, wantReqs: 1},
		{name: "exact pages", ids: 300, pageSize: 100, wantReqs: 3},
		{name: "last page partial", ids: 250, pageSize: 100, wantReqs: 3},
		{name: "small pages", ids: 10, pageSize: 3, wantReqs: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, srv := newTestClient(t)
			srv.SetPageSize(tt.pageSize)
			for i := 0; i < tt.ids; i++ {
				srv.AddItem(fmt.Sprintf("MLB%d", i), nil)
			}

			var progress [][2]int
			pager := mercadolivre.NewPager(client, func(fetched, total int) {
				progress = append(progress, [2]int{fetched, total})
			})

			ids, err := pager.ListAllItemIDs(context.Background(), "tok", "42")
			require.NoError(t, err)
			assert.Len(t, ids, tt.ids)
			assert.Equal(t, "MLB0", ids[0])
			assert.Equal(t, tt.wantReqs, srv.Calls(mercadolivretest.KindSearch))
			require.NotEmpty(t, progress)
			assert.Equal(t, [2]int{tt.ids, tt.ids}, progress[len(progress)-1])
		})
	}
}

func TestPagerStopsOnEmptyPage(t *testing.T) {
	client, srv := newTestClient(t)
	srv.SetPageSize(2)
	srv.SetReportedTotal(50)
	for i := 0; i < 3; i++ {
		srv.AddItem(fmt.Sprintf("MLB%d", i), nil)
	}

	ids, err := mercadolivre.NewPager(client, nil).ListAllItemIDs(context.Background(), "tok", "42")
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, 3, srv.Calls(mercadolivretest.KindSearch))
}

func TestPagerFailsWholeListing(t *testing.T) {
	client, srv := newTestClient(t)
	srv.FailSearch(http.StatusForbidden, `{"message":"forbidden"}`)

	_, err := mercadolivre.NewPager(client, nil).ListAllItemIDs(context.Background(), "tok", "42")
	require.Error(t, err)

	var apiErr *mercadolivre.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestGetItemKeepsRawPayload(t *testing.T) {
	client, srv := newTestClient(t)
	srv.AddItem("MLB1", map[string]interface{}{
		"price":           149.9,
		"user_product_id": "MLBU1",
		"variations": []map[string]interface{}{
			{"id": 11, "price": 149.9, "available_quantity": 3},
		},
	})

	item, err := client.GetItem(context.Background(), "tok", "MLB1")
	require.NoError(t, err)
	assert.Equal(t, "MLB1", item.ID)
	assert.True(t, item.Price.Equal(decimal.RequireFromString("149.9")))
	assert.True(t, item.HasVariations())
	require.NotNil(t, item.UserProductID)
	assert.Equal(t, "MLBU1", *item.UserProductID)
	assert.Contains(t, string(item.Raw), `"user_product_id":"MLBU1"`)
}

func TestVariationSKU(t *testing.T) {
	sku := "ABC-1"
	attr := "ATTR-9"
	empty := ""

	tests := []struct {
		name string
		v    mercadolivre.Variation
		want *string
	}{
		{name: "seller custom field wins", v: mercadolivre.Variation{SellerCustomField: &sku, Attributes: []mercadolivre.Attribute{{ID: "SELLER_SKU", ValueName: &attr}}}, want: &sku},
		{name: "falls back to attribute", v: mercadolivre.Variation{SellerCustomField: &empty, Attributes: []mercadolivre.Attribute{{ID: "COLOR"}, {ID: "SELLER_SKU", ValueName: &attr}}}, want: &attr},
		{name: "none", v: mercadolivre.Variation{}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.SKU())
		})
	}
}

func TestGetItemPricesSplitsStandardAndQuantity(t *testing.T) {
	client, srv := newTestClient(t)
	srv.SetPrices("MLB1", []map[string]interface{}{
		{"id": "q10", "amount": 80, "conditions": map[string]interface{}{"min_purchase_unit": 10}},
		{"id": "std", "amount": 100, "conditions": map[string]interface{}{}},
		{"id": "q3", "amount": 95, "conditions": map[string]interface{}{"min_purchase_unit": 3}},
	})

	prices, err := client.GetItemPrices(context.Background(), "tok", "MLB1")
	require.NoError(t, err)
	assert.Equal(t, "std", prices.StandardPriceID())

	tiers := prices.QuantityTiers()
	require.Len(t, tiers, 2)
	assert.Equal(t, 3, tiers[0].MinPurchaseUnit)
	assert.True(t, tiers[0].Amount.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, 10, tiers[1].MinPurchaseUnit)
}

func TestPostQuantityPricesError(t *testing.T) {
	client, srv := newTestClient(t)
	long := make([]byte, 800)
	for i := range long {
		long[i] = 'x'
	}
	srv.FailPost("MLB1", http.StatusBadRequest, string(long))

	_, err := client.PostQuantityPrices(context.Background(), "tok", "MLB1", map[string]interface{}{"prices": []interface{}{}})
	require.Error(t, err)

	var apiErr *mercadolivre.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Len(t, apiErr.Message(), 500)
	assert.JSONEq(t, fmt.Sprintf(`{"status":400,"body":%q}`, apiErr.Message()), string(apiErr.Snapshot()))
}

func TestGetPriceReferenceNotFound(t *testing.T) {
	client, srv := newTestClient(t)
	srv.SetReference("MLB2", map[string]interface{}{
		"item_id":         "MLB2",
		"status":          "with_benchmark_high",
		"suggested_price": map[string]interface{}{"amount": 90},
	})

	ref, err := client.GetPriceReference(context.Background(), "tok", "MLB1")
	require.NoError(t, err)
	assert.Nil(t, ref)

	ref, err = client.GetPriceReference(context.Background(), "tok", "MLB2")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "with_benchmark_high", ref.Status)
	require.NotNil(t, ref.SuggestedPrice.Amount)
	assert.True(t, ref.SuggestedPrice.Amount.Equal(decimal.NewFromInt(90)))
}

func TestFeeServiceCachesByRoundedPrice(t *testing.T) {
	client, srv := newTestClient(t)
	srv.SetFee("gold_special", 16.5)

	feeCache := cache.NewTTL[decimal.Decimal](15*time.Minute, 16, cache.WithoutSweep())
	defer feeCache.Close()
	fees := mercadolivre.NewFeeService(client, feeCache)

	quotes, err := fees.Simulate(context.Background(), "tok", "MLB", "gold_special", []decimal.Decimal{
		decimal.RequireFromString("100.001"),
		decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.True(t, quotes[1].Fee.Equal(decimal.RequireFromString("16.5")))
	assert.True(t, quotes[1].Net.Equal(decimal.RequireFromString("83.5")))
	assert.Equal(t, 1, srv.Calls(mercadolivretest.KindFee))

	_, err = fees.SaleFee(context.Background(), "tok", "MLB", "gold_pro", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, mercadolivre.ErrFeeUnavailable)
}

func TestTokenRefresher(t *testing.T) {
	srv := mercadolivretest.NewServer()
	defer srv.Close()

	refresher := mercadolivre.NewTokenRefresher(srv.URL, "app", "secret", srv.Client())
	tok, err := refresher.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-rt-1", tok.AccessToken)
	assert.Equal(t, "next-rt-1", tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(6*time.Hour), tok.Expiry, time.Minute)

	_, err = mercadolivre.NewTokenRefresher(srv.URL, "", "", srv.Client()).Refresh(context.Background(), "rt-1")
	assert.ErrorIs(t, err, mercadolivre.ErrMissingClientCredentials)
}
