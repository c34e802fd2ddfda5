package mercadolivre

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"wholesync/src/cache"
)

const (
	DefaultFeeCacheTTL  = 15 * time.Minute
	DefaultFeeCacheSize = 1024
)

// FeeService looks up sale fees and keeps them for a while, keyed by site,
// listing type and the price rounded to cents.
type FeeService struct {
	client *Client
	cache  *cache.TTL[decimal.Decimal]
}

func NewFeeService(client *Client, feeCache *cache.TTL[decimal.Decimal]) *FeeService {
	return &FeeService{client: client, cache: feeCache}
}

func (s *FeeService) SaleFee(ctx context.Context, token, siteID, listingTypeID string, price decimal.Decimal) (decimal.Decimal, error) {
	price = price.Round(2)
	key := fmt.Sprintf("%s:%s:%s", siteID, listingTypeID, price.StringFixed(2))

	if fee, ok := s.cache.Get(key); ok {
		return fee, nil
	}

	fee, err := s.client.SaleFee(ctx, token, siteID, listingTypeID, price)
	if err != nil {
		return decimal.Zero, err
	}
	s.cache.Set(key, fee)
	return fee, nil
}

// FeeQuote is one simulated sale.
type FeeQuote struct {
	Price decimal.Decimal `json:"price"`
	Fee   decimal.Decimal `json:"fee"`
	Net   decimal.Decimal `json:"net"`
}

// Simulate quotes every price in order and stops at the first failed lookup.
func (s *FeeService) Simulate(ctx context.Context, token, siteID, listingTypeID string, prices []decimal.Decimal) ([]FeeQuote, error) {
	quotes := make([]FeeQuote, 0, len(prices))
	for _, p := range prices {
		fee, err := s.SaleFee(ctx, token, siteID, listingTypeID, p)
		if err != nil {
			return nil, fmt.Errorf("failed to get fee for price %s: %w", p.StringFixed(2), err)
		}
		quotes = append(quotes, FeeQuote{
			Price: p,
			Fee:   fee,
			Net:   p.Sub(fee).Round(2),
		})
	}
	return quotes, nil
}
