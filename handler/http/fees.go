package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/jobctrl"
)

// MaxSimulatedPrices caps the prices quoted in one request.
const MaxSimulatedPrices = 20

type SimulateFeesRequest struct {
	ListingTypeID string            `json:"listing_type_id"`
	ItemID        string            `json:"item_id"`
	Prices        []decimal.Decimal `json:"prices" binding:"required"`
}

type SimulateFeesResponse struct {
	SiteID        string                  `json:"site_id"`
	ListingTypeID string                  `json:"listing_type_id"`
	Quotes        []mercadolivre.FeeQuote `json:"quotes"`
}

// SimulateFees godoc
// @Summary Quote the sale fee and net amount for candidate prices
// @Description The listing type comes from listing_type_id, or from the stored item when only item_id is given.
// @Tags fees
// @Accept json
// @Produce json
// @Param accountId path string true "Account ID"
// @Param request body SimulateFeesRequest true "Prices to quote"
// @Success 200 {object} SimulateFeesResponse
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /accounts/{accountId}/fees/simulate [post]
func (h *Handler) SimulateFees(c *gin.Context) {
	var req SimulateFeesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	if len(req.Prices) == 0 || len(req.Prices) > MaxSimulatedPrices {
		sendError(c, http.StatusBadRequest, fmt.Errorf("%w: between 1 and %d prices are required", errInvalidRequest, MaxSimulatedPrices))
		return
	}
	for _, p := range req.Prices {
		if !p.IsPositive() {
			sendError(c, http.StatusBadRequest, fmt.Errorf("%w: prices must be greater than zero", errInvalidRequest))
			return
		}
	}

	ctx := c.Request.Context()
	accountID := c.Param("accountId")

	listingTypeID := req.ListingTypeID
	if listingTypeID == "" {
		if req.ItemID == "" {
			sendError(c, http.StatusBadRequest, fmt.Errorf("%w: listing_type_id or item_id is required", errInvalidRequest))
			return
		}
		item, err := h.catalog.GetItem(ctx, accountID, normalizeItemID(req.ItemID))
		if err != nil {
			sendError(c, http.StatusInternalServerError, err)
			return
		}
		if item == nil || item.ListingTypeID == "" {
			sendError(c, http.StatusNotFound, fmt.Errorf("%w: %s", jobctrl.ErrItemNotFound, req.ItemID))
			return
		}
		listingTypeID = item.ListingTypeID
	}

	account, token, err := jobctrl.Authorize(ctx, h.accounts, h.tokens, accountID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	quotes, err := h.fees.Simulate(ctx, token, account.SiteID, listingTypeID, req.Prices)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, SimulateFeesResponse{
		SiteID:        account.SiteID,
		ListingTypeID: listingTypeID,
		Quotes:        quotes,
	})
}
