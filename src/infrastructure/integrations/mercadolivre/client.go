package mercadolivre

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://api.mercadolibre.com"
	scanPageSize   = 100
)

// ErrFeeUnavailable is returned when listing_prices has no fee for the listing type.
var ErrFeeUnavailable = errors.New("sale fee unavailable")

// Client wraps the marketplace REST endpoints used by the job engine.
type Client struct {
	http    *HTTPClient
	baseURL string
}

func NewClient(httpClient *HTTPClient, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// SearchItemsPage fetches one scan page of a seller's item ids. An empty
// scrollID requests the first page.
func (c *Client) SearchItemsPage(ctx context.Context, token, sellerID, scrollID string) (*ScanPage, error) {
	q := url.Values{}
	q.Set("search_type", "scan")
	q.Set("limit", strconv.Itoa(scanPageSize))
	if scrollID != "" {
		q.Set("scroll_id", scrollID)
	}
	u := fmt.Sprintf("%s/users/%s/items/search?%s", c.baseURL, url.PathEscape(sellerID), q.Encode())

	var page ScanPage
	if _, err := c.getJSON(ctx, "items/search", u, token, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetItem(ctx context.Context, token, itemID string) (*Item, error) {
	u := fmt.Sprintf("%s/items/%s", c.baseURL, url.PathEscape(itemID))

	var item Item
	raw, err := c.getJSON(ctx, "items/"+itemID, u, token, nil, &item)
	if err != nil {
		return nil, err
	}
	item.Raw = raw
	return &item, nil
}

func (c *Client) GetVariation(ctx context.Context, token, itemID string, variationID int64) (*Variation, error) {
	u := fmt.Sprintf("%s/items/%s/variations/%d", c.baseURL, url.PathEscape(itemID), variationID)

	var v Variation
	raw, err := c.getJSON(ctx, fmt.Sprintf("items/%s/variations/%d", itemID, variationID), u, token, nil, &v)
	if err != nil {
		return nil, err
	}
	v.Raw = raw
	return &v, nil
}

// GetItemPrices returns every price of the item including quantity prices.
func (c *Client) GetItemPrices(ctx context.Context, token, itemID string) (*PriceList, error) {
	u := fmt.Sprintf("%s/items/%s/prices", c.baseURL, url.PathEscape(itemID))
	h := http.Header{}
	h.Set("show-all-prices", "true")

	var prices PriceList
	if _, err := c.getJSON(ctx, "items/"+itemID+"/prices", u, token, h, &prices); err != nil {
		return nil, err
	}
	return &prices, nil
}

// PostQuantityPrices replaces the item's quantity prices with body. The raw
// response body is returned on success.
func (c *Client) PostQuantityPrices(ctx context.Context, token, itemID string, body interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quantity prices: %w", err)
	}

	resp, err := c.http.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/items/%s/prices/standard/quantity", c.baseURL, url.PathEscape(itemID)),
		Token:  token,
		Body:   payload,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &APIError{Op: "prices/standard/quantity", StatusCode: resp.StatusCode, Body: resp.Body}
	}
	return resp.Body, nil
}

// GetPriceReference returns the benchmark for an item, or nil when the
// marketplace has none (404).
func (c *Client) GetPriceReference(ctx context.Context, token, itemID string) (*PriceReferenceDetails, error) {
	u := fmt.Sprintf("%s/marketplace/benchmarks/items/%s/details", c.baseURL, url.PathEscape(itemID))

	resp, err := c.http.Do(ctx, Request{Method: http.MethodGet, URL: u, Token: token})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if !resp.OK() {
		return nil, &APIError{Op: "benchmarks/items/details", StatusCode: resp.StatusCode, Body: resp.Body}
	}

	var details PriceReferenceDetails
	if err := json.Unmarshal(resp.Body, &details); err != nil {
		return nil, fmt.Errorf("failed to decode price reference: %w", err)
	}
	details.Raw = resp.Body
	return &details, nil
}

// SaleFee returns the marketplace fee charged for selling at price.
func (c *Client) SaleFee(ctx context.Context, token, siteID, listingTypeID string, price decimal.Decimal) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("price", price.String())
	q.Set("listing_type_id", listingTypeID)
	u := fmt.Sprintf("%s/sites/%s/listing_prices?%s", c.baseURL, url.PathEscape(siteID), q.Encode())

	var listing []listingPrice
	if _, err := c.getJSON(ctx, "listing_prices", u, token, nil, &listing); err != nil {
		return decimal.Zero, err
	}
	for _, lp := range listing {
		if lp.ListingTypeID == listingTypeID && lp.SaleFeeAmount != nil {
			return *lp.SaleFeeAmount, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%s at %s: %w", listingTypeID, price.StringFixed(2), ErrFeeUnavailable)
}

func (c *Client) getJSON(ctx context.Context, op, u, token string, header http.Header, out interface{}) (json.RawMessage, error) {
	resp, err := c.http.Do(ctx, Request{
		Method: http.MethodGet,
		URL:    u,
		Token:  token,
		Header: header,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: resp.Body}
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return resp.Body, nil
}
