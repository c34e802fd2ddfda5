package wholesale

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when the item does not say otherwise.
const DefaultCurrency = "BRL"

// ContextRestrictions limit quantity prices to business buyers on the marketplace channel.
var ContextRestrictions = []string{"channel_marketplace", "user_type_business"}

type PriceConditions struct {
	ContextRestrictions []string `json:"context_restrictions"`
	MinPurchaseUnit     int      `json:"min_purchase_unit"`
}

// PriceEntry is either a reference to an existing price (ID only) or a new
// quantity price.
type PriceEntry struct {
	ID         string           `json:"id,omitempty"`
	Amount     json.Number      `json:"amount,omitempty"`
	CurrencyID string           `json:"currency_id,omitempty"`
	Conditions *PriceConditions `json:"conditions,omitempty"`
}

// QuantityPricePayload is the body of POST /items/{id}/prices/standard/quantity.
type QuantityPricePayload struct {
	Prices []PriceEntry `json:"prices"`
}

// CollapseAmounts drops tiers whose price was already used by a lower
// quantity. tiers must be sorted by MinQty.
func CollapseAmounts(tiers []Tier) []Tier {
	out := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		dup := false
		for _, kept := range out {
			if kept.Price.Equal(t.Price) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}

// BuildPayload encodes merged tiers for the marketplace. The standard price
// is kept by reference when its id is known.
func BuildPayload(standardPriceID string, tiers []Tier, currency string) QuantityPricePayload {
	if currency == "" {
		currency = DefaultCurrency
	}

	payload := QuantityPricePayload{Prices: make([]PriceEntry, 0, len(tiers)+1)}
	if standardPriceID != "" {
		payload.Prices = append(payload.Prices, PriceEntry{ID: standardPriceID})
	}
	for _, t := range CollapseAmounts(tiers) {
		payload.Prices = append(payload.Prices, PriceEntry{
			Amount:     amount(t.Price),
			CurrencyID: currency,
			Conditions: &PriceConditions{
				ContextRestrictions: ContextRestrictions,
				MinPurchaseUnit:     t.MinQty,
			},
		})
	}
	return payload
}

func amount(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
