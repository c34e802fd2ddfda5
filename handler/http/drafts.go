package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"wholesync/src/core/wholesale"
	"wholesync/src/jobctrl"
)

type SaveDraftRequest struct {
	ItemID      string          `json:"item_id" binding:"required"`
	VariationID *int64          `json:"variation_id"`
	Tiers       json.RawMessage `json:"tiers" binding:"required"`
}

// SaveDraft godoc
// @Summary Store the wholesale tiers to push for an item or variation
// @Tags drafts
// @Accept json
// @Produce json
// @Param accountId path string true "Account ID"
// @Param request body SaveDraftRequest true "Draft"
// @Success 200 {object} draftctrl.Draft
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/drafts [put]
func (h *Handler) SaveDraft(c *gin.Context) {
	var req SaveDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	ctx := c.Request.Context()
	accountID := c.Param("accountId")
	itemID := normalizeItemID(req.ItemID)

	tiers, rejected := wholesale.ParseTiers(req.Tiers)
	if len(rejected) > 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST",
			Message: fmt.Sprintf("tier %d: %s", rejected[0].Index+1, rejected[0].Reason),
			Details: rejected,
		})
		return
	}
	if len(tiers) == 0 {
		sendError(c, http.StatusBadRequest, wholesale.ErrNoValidTiers)
		return
	}
	if err := wholesale.Validate(tiers); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	item, err := h.catalog.GetItem(ctx, accountID, itemID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if item == nil {
		sendError(c, http.StatusNotFound, fmt.Errorf("%w: %s", jobctrl.ErrItemNotFound, itemID))
		return
	}
	if err := wholesale.ValidateTarget(item.HasVariations, req.VariationID); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	draft, err := h.drafts.Save(ctx, accountID, itemID, req.VariationID, tiers)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, draft)
}

// ListDrafts godoc
// @Summary List the stored drafts of an account
// @Tags drafts
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {array} draftctrl.Draft
// @Router /accounts/{accountId}/drafts [get]
func (h *Handler) ListDrafts(c *gin.Context) {
	drafts, err := h.drafts.ListByAccount(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, drafts)
}

// DeleteDraft godoc
// @Summary Remove the draft of an item, or of one variation with variation_id
// @Tags drafts
// @Param accountId path string true "Account ID"
// @Param itemId path string true "Item ID"
// @Param variation_id query int false "Variation ID"
// @Success 204
// @Router /accounts/{accountId}/drafts/{itemId} [delete]
func (h *Handler) DeleteDraft(c *gin.Context) {
	var variationID *int64
	if raw := c.Query("variation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			sendError(c, http.StatusBadRequest, fmt.Errorf("%w: variation_id must be an integer", errInvalidRequest))
			return
		}
		variationID = &id
	}

	itemID := normalizeItemID(c.Param("itemId"))
	if err := h.drafts.Delete(c.Request.Context(), c.Param("accountId"), itemID, variationID); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}
