package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"wholesync/src/core/wholesale"
	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/infrastructure/job"
	"wholesync/src/jobctrl"
	"wholesync/src/storage/postgres/accountctrl"
	"wholesync/src/storage/postgres/catalogctrl"
	"wholesync/src/storage/postgres/draftctrl"
	"wholesync/src/storage/postgres/pricereferencectrl"
)

var errInvalidRequest = errors.New("invalid request")

// ItemSyncer refreshes one listing on demand.
type ItemSyncer interface {
	SyncItem(ctx context.Context, accountID, itemID string) error
}

// Deps are the services the API is served from.
type Deps struct {
	Jobs       *job.JobService
	Accounts   *accountctrl.AccountService
	Tokens     jobctrl.TokenSupplier
	Catalog    *catalogctrl.CatalogService
	Drafts     *draftctrl.DraftService
	References *pricereferencectrl.PriceReferenceService
	Fees       *mercadolivre.FeeService
	Syncer     ItemSyncer
}

type Handler struct {
	jobs       *job.JobService
	accounts   *accountctrl.AccountService
	tokens     jobctrl.TokenSupplier
	catalog    *catalogctrl.CatalogService
	drafts     *draftctrl.DraftService
	references *pricereferencectrl.PriceReferenceService
	fees       *mercadolivre.FeeService
	syncer     ItemSyncer
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		jobs:       deps.Jobs,
		accounts:   deps.Accounts,
		tokens:     deps.Tokens,
		catalog:    deps.Catalog,
		drafts:     deps.Drafts,
		references: deps.References,
		fees:       deps.Fees,
		syncer:     deps.Syncer,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")

	// Job routes
	v1.POST("/accounts/:accountId/jobs", h.EnqueueJob)
	v1.GET("/jobs/:jobId", h.GetJob)

	// Draft routes
	v1.GET("/accounts/:accountId/drafts", h.ListDrafts)
	v1.PUT("/accounts/:accountId/drafts", h.SaveDraft)
	v1.DELETE("/accounts/:accountId/drafts/:itemId", h.DeleteDraft)

	// Item routes
	v1.POST("/accounts/:accountId/items/:itemId/sync", h.SyncItem)
	v1.GET("/accounts/:accountId/items/:itemId/price-references", h.ListPriceReferences)

	// Fee routes
	v1.POST("/accounts/:accountId/fees/simulate", h.SimulateFees)

	v1.GET("/health", h.CheckHealth)
}

// Common error response structure
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// sendError maps known errors to a status and code. Anything unknown is
// answered with status.
func sendError(c *gin.Context, status int, err error) {
	code := "INTERNAL_ERROR"
	var apiErr *mercadolivre.APIError
	switch {
	case errors.Is(err, job.ErrJobNotFound),
		errors.Is(err, jobctrl.ErrAccountNotFound),
		errors.Is(err, jobctrl.ErrItemNotFound):
		code = "NOT_FOUND"
		status = http.StatusNotFound
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, job.ErrUnknownJobType),
		errors.Is(err, jobctrl.ErrInvalidItemID),
		isTierError(err):
		code = "INVALID_REQUEST"
		status = http.StatusBadRequest
	case errors.Is(err, jobctrl.ErrTokenNotFound),
		errors.Is(err, jobctrl.ErrNoAccessToken):
		code = "TOKEN_UNAVAILABLE"
		status = http.StatusUnauthorized
	case errors.Is(err, mercadolivre.ErrRateLimited):
		code = "RATE_LIMITED"
		status = http.StatusTooManyRequests
	case errors.Is(err, mercadolivre.ErrFeeUnavailable), errors.As(err, &apiErr):
		code = "UPSTREAM_ERROR"
		status = http.StatusBadGateway
	}

	resp := ErrorResponse{Code: code, Message: err.Error()}
	if apiErr != nil {
		resp.Details = apiErr.Snapshot()
	}
	c.JSON(status, resp)
}

func isTierError(err error) bool {
	for _, target := range []error{
		wholesale.ErrNoValidTiers,
		wholesale.ErrTooManyTiers,
		wholesale.ErrInvalidMinQty,
		wholesale.ErrInvalidPrice,
		wholesale.ErrDuplicateMinQty,
		wholesale.ErrVariationRequired,
		wholesale.ErrVariationNotAllowed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func normalizeItemID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func sendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// CheckHealth godoc
// @Summary Check that the API is up
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) CheckHealth(c *gin.Context) {
	sendJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
