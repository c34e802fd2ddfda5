package mercadolivre

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ScanPage is one page of GET /users/{id}/items/search?search_type=scan.
type ScanPage struct {
	Results  []string `json:"results"`
	ScrollID string   `json:"scroll_id"`
	Paging   struct {
		Total  int `json:"total"`
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	} `json:"paging"`
}

type Attribute struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	ValueName *string `json:"value_name"`
}

type Variation struct {
	ID                    int64               `json:"id"`
	Price                 decimal.NullDecimal `json:"price"`
	AvailableQuantity     *int                `json:"available_quantity"`
	SellerCustomField     *string             `json:"seller_custom_field"`
	AttributeCombinations []Attribute         `json:"attribute_combinations"`
	Attributes            []Attribute         `json:"attributes"`

	Raw json.RawMessage `json:"-"`
}

// SKU returns seller_custom_field, falling back to the SELLER_SKU attribute.
func (v *Variation) SKU() *string {
	if v.SellerCustomField != nil && *v.SellerCustomField != "" {
		return v.SellerCustomField
	}
	for _, a := range v.Attributes {
		if a.ID == "SELLER_SKU" && a.ValueName != nil && *a.ValueName != "" {
			return a.ValueName
		}
	}
	return nil
}

// Item is the subset of GET /items/{id} the catalog keeps as columns. The
// full payload is kept in Raw.
type Item struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Status            string          `json:"status"`
	Permalink         string          `json:"permalink"`
	Thumbnail         string          `json:"thumbnail"`
	CategoryID        string          `json:"category_id"`
	ListingTypeID     string          `json:"listing_type_id"`
	SiteID            string          `json:"site_id"`
	Price             decimal.Decimal `json:"price"`
	CurrencyID        string          `json:"currency_id"`
	AvailableQuantity int             `json:"available_quantity"`
	SoldQuantity      int             `json:"sold_quantity"`
	Condition         string          `json:"condition"`
	Shipping          json.RawMessage `json:"shipping"`
	SellerCustomField *string         `json:"seller_custom_field"`
	Variations        []Variation     `json:"variations"`

	// User-product listings have no variations array; each item id is its own variant.
	UserProductID *string `json:"user_product_id"`
	FamilyID      *string `json:"family_id"`
	FamilyName    *string `json:"family_name"`

	Raw json.RawMessage `json:"-"`
}

func (i *Item) HasVariations() bool {
	return len(i.Variations) > 0
}

type PriceConditions struct {
	ContextRestrictions []string `json:"context_restrictions,omitempty"`
	MinPurchaseUnit     *int     `json:"min_purchase_unit,omitempty"`
}

type Price struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	CurrencyID string          `json:"currency_id"`
	Conditions PriceConditions `json:"conditions"`
}

// PriceList is GET /items/{id}/prices with show-all-prices.
type PriceList struct {
	ID     string  `json:"id"`
	Prices []Price `json:"prices"`
}

// StandardPriceID is the id of the first price without a quantity condition.
func (p *PriceList) StandardPriceID() string {
	if p == nil {
		return ""
	}
	for _, price := range p.Prices {
		if price.Conditions.MinPurchaseUnit == nil {
			return price.ID
		}
	}
	return ""
}

// QuantityTier is a remote wholesale price as stored on the catalog item.
type QuantityTier struct {
	MinPurchaseUnit int             `json:"min_purchase_unit"`
	Amount          decimal.Decimal `json:"amount"`
}

// QuantityTiers returns the prices that carry a min_purchase_unit, ascending.
func (p *PriceList) QuantityTiers() []QuantityTier {
	tiers := make([]QuantityTier, 0)
	if p == nil {
		return tiers
	}
	for _, price := range p.Prices {
		if price.Conditions.MinPurchaseUnit == nil {
			continue
		}
		tiers = append(tiers, QuantityTier{
			MinPurchaseUnit: *price.Conditions.MinPurchaseUnit,
			Amount:          price.Amount,
		})
	}
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinPurchaseUnit < tiers[j].MinPurchaseUnit
	})
	return tiers
}

type Amount struct {
	Amount *decimal.Decimal `json:"amount"`
}

// PriceReferenceDetails is GET /marketplace/benchmarks/items/{id}/details.
type PriceReferenceDetails struct {
	ItemID               string   `json:"item_id"`
	Status               string   `json:"status"`
	CurrencyID           string   `json:"currency_id"`
	CurrentPrice         *Amount  `json:"current_price"`
	SuggestedPrice       *Amount  `json:"suggested_price"`
	LowestPrice          *Amount  `json:"lowest_price"`
	PercentDifference    *float64 `json:"percent_difference"`
	LastUpdated          string   `json:"last_updated"`
	ApplicableSuggestion *bool    `json:"applicable_suggestion"`

	Raw json.RawMessage `json:"-"`
}

type listingPrice struct {
	ListingTypeID string           `json:"listing_type_id"`
	SaleFeeAmount *decimal.Decimal `json:"sale_fee_amount"`
	CurrencyID    string           `json:"currency_id"`
}

// APIError is a non-2xx answer from the marketplace.
type APIError struct {
	Op         string
	StatusCode int
	Body       []byte
}

const maxErrorBody = 500

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Op, e.StatusCode, e.Message())
}

// Message is the response body cut to a loggable size.
func (e *APIError) Message() string {
	return truncate(string(e.Body), maxErrorBody)
}

// Snapshot returns the body as JSON when it parses, otherwise {status, body}.
func (e *APIError) Snapshot() json.RawMessage {
	if json.Valid(e.Body) && len(e.Body) > 0 {
		return json.RawMessage(e.Body)
	}
	snap, _ := json.Marshal(map[string]interface{}{
		"status": e.StatusCode,
		"body":   e.Message(),
	})
	return snap
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
