package mercadolivre

import (
	"context"
	"fmt"
)

// ProgressFunc is told how many ids have been fetched out of the reported total.
type ProgressFunc func(fetched, total int)

// Pager walks a seller's catalog through the scan cursor.
type Pager struct {
	client     *Client
	onProgress ProgressFunc
}

func NewPager(client *Client, onProgress ProgressFunc) *Pager {
	return &Pager{client: client, onProgress: onProgress}
}

// ListAllItemIDs returns every item id of the seller. It stops when the
// cursor is gone, a page comes back empty, or the reported total is reached.
// A failure on any page fails the whole listing.
func (p *Pager) ListAllItemIDs(ctx context.Context, token, sellerID string) ([]string, error) {
	page, err := p.client.SearchItemsPage(ctx, token, sellerID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	ids := append([]string{}, page.Results...)
	total := page.Paging.Total
	p.progress(len(ids), total)

	for page.ScrollID != "" && len(page.Results) > 0 && len(ids) < total {
		page, err = p.client.SearchItemsPage(ctx, token, sellerID, page.ScrollID)
		if err != nil {
			return nil, fmt.Errorf("failed to list items after %d of %d: %w", len(ids), total, err)
		}
		ids = append(ids, page.Results...)
		p.progress(len(ids), total)
	}

	return ids, nil
}

func (p *Pager) progress(fetched, total int) {
	if p.onProgress != nil {
		p.onProgress(fetched, total)
	}
}
