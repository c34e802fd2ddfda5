package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SyncItem godoc
// @Summary Refresh a single listing from the marketplace
// @Tags items
// @Produce json
// @Param accountId path string true "Account ID"
// @Param itemId path string true "Item ID"
// @Success 200 {object} catalogctrl.Item
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /accounts/{accountId}/items/{itemId}/sync [post]
func (h *Handler) SyncItem(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("accountId")

	if err := h.syncer.SyncItem(ctx, accountID, c.Param("itemId")); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	item, err := h.catalog.GetItem(ctx, accountID, normalizeItemID(c.Param("itemId")))
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, item)
}

// ListPriceReferences godoc
// @Summary Latest price reference status of an item and its variations
// @Tags items
// @Produce json
// @Param accountId path string true "Account ID"
// @Param itemId path string true "Item ID"
// @Success 200 {array} pricereferencectrl.PriceReference
// @Router /accounts/{accountId}/items/{itemId}/price-references [get]
func (h *Handler) ListPriceReferences(c *gin.Context) {
	refs, err := h.references.ListByItem(c.Request.Context(), c.Param("accountId"), normalizeItemID(c.Param("itemId")))
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, refs)
}
