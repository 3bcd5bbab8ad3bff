package settlement

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assetescrow/internal/amount"
	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/listing"
	"github.com/mbd888/assetescrow/internal/validation"
	"github.com/shopspring/decimal"
)

const maxAssetName = 200

// ListingBrowser enumerates active listings.
type ListingBrowser interface {
	Resolver
	ActiveListings(ctx context.Context) ([]*listing.State, error)
}

// Handler provides HTTP endpoints for settlement.
type Handler struct {
	orchestrator *Orchestrator
	listings     ListingBrowser
	catalog      CatalogStore
}

// NewHandler creates a new settlement handler.
func NewHandler(o *Orchestrator, listings ListingBrowser, catalog CatalogStore) *Handler {
	return &Handler{orchestrator: o, listings: listings, catalog: catalog}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.ListActive)
	r.GET("/assets/:token/:serial", h.GetAsset)
	r.GET("/assets/:token/:serial/listing", h.GetListing)
}

// RegisterProtectedRoutes sets up routes that move custody or funds.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/assets/:token/:serial/list", h.List)
	r.POST("/assets/:token/:serial/unlist", h.Unlist)
	r.POST("/assets/:token/:serial/buy", h.Buy)
}

// RegisterAdminRoutes sets up catalog management for operators.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/assets", h.ListCatalog)
	r.POST("/assets", h.RegisterAsset)
	r.PUT("/assets/:token/:serial/price", h.SetPrice)
}

// BuyRequest is the body of POST /v1/assets/:token/:serial/buy.
type BuyRequest struct {
	Price string `json:"price" binding:"required"`
}

// RegisterAssetRequest is the body of POST /v1/admin/assets.
type RegisterAssetRequest struct {
	TokenID    string `json:"tokenId" binding:"required"`
	Serial     int64  `json:"serial" binding:"required"`
	Name       string `json:"name" binding:"required"`
	Price      string `json:"price" binding:"required"`
	RoyaltyPct string `json:"royaltyPct" binding:"required"`
	Creator    string `json:"creator" binding:"required"`
}

// SetPriceRequest is the body of PUT /v1/admin/assets/:token/:serial/price.
type SetPriceRequest struct {
	Price string `json:"price" binding:"required"`
}

// ListingView pairs a resolved listing with its catalog entry.
type ListingView struct {
	*listing.State
	Asset *Asset `json:"asset,omitempty"`
}

// ListActive handles GET /v1/listings
func (h *Handler) ListActive(c *gin.Context) {
	states, err := h.listings.ActiveListings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Listings could not be read from the ledger",
		})
		return
	}

	views := make([]ListingView, 0, len(states))
	for _, st := range states {
		v := ListingView{State: st}
		if a, err := h.catalog.Get(c.Request.Context(), st.Token); err == nil {
			v.Asset = a
		}
		views = append(views, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"listings": views,
		"count":    len(views),
	})
}

// GetAsset handles GET /v1/assets/:token/:serial
func (h *Handler) GetAsset(c *gin.Context) {
	ref, ok := tokenParam(c)
	if !ok {
		return
	}
	a, err := h.catalog.Get(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Asset not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load asset"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": a})
}

// GetListing handles GET /v1/assets/:token/:serial/listing
func (h *Handler) GetListing(c *gin.Context) {
	ref, ok := tokenParam(c)
	if !ok {
		return
	}
	st, err := h.listings.Resolve(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, listing.ErrTokenNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Token not found on ledger"})
			return
		}
		// Never reported as "not listed".
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Listing state could not be determined",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": st})
}

// List handles POST /v1/assets/:token/:serial/list
func (h *Handler) List(c *gin.Context) {
	ref, ok := tokenParam(c)
	if !ok {
		return
	}
	res, err := h.orchestrator.List(c.Request.Context(), c.GetString("authAccount"), ref)
	respond(c, res, err)
}

// Unlist handles POST /v1/assets/:token/:serial/unlist
func (h *Handler) Unlist(c *gin.Context) {
	ref, ok := tokenParam(c)
	if !ok {
		return
	}
	res, err := h.orchestrator.Unlist(c.Request.Context(), c.GetString("authAccount"), ref)
	respond(c, res, err)
}

// Buy handles POST /v1/assets/:token/:serial/buy
func (h *Handler) Buy(c *gin.Context) {
	ref, ok := tokenParam(c)
	if !ok {
		return
	}
	var req BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "price is required",
		})
		return
	}
	price, err := amount.Parse(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	res, err := h.orchestrator.Buy(c.Request.Context(), c.GetString("authAccount"), ref, price)
	respond(c, res, err)
}

// ListCatalog handles GET /v1/admin/assets
func (h *Handler) ListCatalog(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}

	assets, err := h.catalog.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list assets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets, "count": len(assets)})
}

// RegisterAsset handles POST /v1/admin/assets
func (h *Handler) RegisterAsset(c *gin.Context) {
	var req RegisterAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tokenId, serial, name, price, royaltyPct and creator are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAccount("tokenId", req.TokenID),
		validation.ValidAccount("creator", req.Creator),
		validation.MaxLength("name", req.Name, maxAssetName),
		validation.ValidAmount("price", req.Price),
		validation.Percent("royaltyPct", req.RoyaltyPct),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}
	price, _ := amount.Parse(req.Price)
	royalty, _ := decimal.NewFromString(req.RoyaltyPct)

	a := &Asset{
		Token:      ledger.TokenRef{TokenID: req.TokenID, Serial: req.Serial},
		Name:       validation.SanitizeString(req.Name, maxAssetName),
		Price:      price,
		RoyaltyPct: royalty,
		Creator:    req.Creator,
	}
	if err := h.catalog.Create(c.Request.Context(), a); err != nil {
		switch {
		case errors.Is(err, ErrInvalidAsset):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		case errors.Is(err, ErrAssetExists):
			c.JSON(http.StatusConflict, gin.H{"error": "already_exists", "message": "Asset already registered"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to register asset"})
		}
		return
	}

	created, err := h.catalog.Get(c.Request.Context(), a.Token)
	if err != nil {
		created = a
	}
	c.JSON(http.StatusCreated, gin.H{"asset": created})
}

// SetPrice handles PUT /v1/admin/assets/:token/:serial/price
func (h *Handler) SetPrice(c *gin.Context) {
	ref, ok := tokenParam(c)
	if !ok {
		return
	}
	var req SetPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "price is required"})
		return
	}
	price, err := amount.Parse(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	if err := h.catalog.SetPrice(c.Request.Context(), ref, price); err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Asset not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update price"})
		return
	}
	a, err := h.catalog.Get(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load asset"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": a})
}

func tokenParam(c *gin.Context) (ledger.TokenRef, bool) {
	ref, err := ledger.NewTokenRef(c.Param("token"), c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return ledger.TokenRef{}, false
	}
	return ref, true
}

// StatusFor maps a settlement error kind to an HTTP status.
func StatusFor(kind Kind) int {
	switch kind {
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	case KindLedgerRejected:
		return http.StatusUnprocessableEntity
	case KindPaymentSettledAssetNotDelivered:
		return http.StatusBadGateway
	case KindSelfTradeRejected:
		return http.StatusForbidden
	case KindInconsistentState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respond(c *gin.Context, res *Result, err error) {
	if err == nil {
		c.JSON(http.StatusOK, res)
		return
	}

	var se *Error
	if !errors.As(err, &se) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	txIDs := se.TransactionIDs
	if txIDs == nil {
		txIDs = []string{}
	}
	body := gin.H{
		"success":        false,
		"error":          string(se.Kind),
		"message":        se.Error(),
		"transactionIds": txIDs,
		"paymentTaken":   se.PaymentTaken,
	}
	if res != nil {
		body["steps"] = res.Steps
		if res.Breakdown != nil {
			body["breakdown"] = res.Breakdown
		}
	}
	if se.Kind == KindPaymentSettledAssetNotDelivered {
		body["action"] = "contact_support"
		body["message"] = "Your payment was taken but the asset was not delivered. " +
			"Contact support with the incident reference; do not retry the purchase."
		if se.IncidentID != "" {
			body["incidentId"] = se.IncidentID
		}
	}
	c.JSON(StatusFor(se.Kind), body)
}
