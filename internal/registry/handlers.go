package registry

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP handlers for the registry API
type Handler struct {
	registry *Registry
}

// NewHandler creates a new registry handler
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up the public registry routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/identities/:address", validation.AddressParamMiddleware(), h.GetIdentity)
	r.GET("/identities/:address/reputation/history", validation.AddressParamMiddleware(), h.GetScoreHistory)
	r.GET("/identities/:address/listings", validation.AddressParamMiddleware(), h.ListListings)
	r.GET("/leaderboard", h.Leaderboard)
	r.GET("/listings/:id", h.GetListing)
}

// RegisterProtectedRoutes sets up routes acting for the caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/identities", h.Register)
	r.POST("/listings", h.CreateListing)
	r.POST("/listings/:id/deactivate", h.setActive(false))
	r.POST("/listings/:id/activate", h.setActive(true))
}

// -----------------------------------------------------------------------------
// Identity Handlers
// -----------------------------------------------------------------------------

// Register handles POST /identities for the calling address.
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name is required",
		})
		return
	}

	identity, err := h.registry.Register(ctx, auth.Caller(c), req.Name)
	switch {
	case errors.Is(err, ErrIdentityExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "identity_exists",
			"message": "Address is already registered",
		})
		return
	case errors.Is(err, ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": err.Error(),
		})
		return
	case err != nil:
		logging.L(ctx).Error("failed to register identity", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register identity",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"identity": identity})
}

// GetIdentity handles GET /identities/:address
func (h *Handler) GetIdentity(c *gin.Context) {
	identity, err := h.registry.Get(c.Request.Context(), c.Param("address"))
	if errors.Is(err, ErrIdentityNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Identity not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get identity",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity": identity,
		"tier":     TierFor(identity.Score),
	})
}

// GetScoreHistory handles GET /identities/:address/reputation/history
func (h *Handler) GetScoreHistory(c *gin.Context) {
	changes, err := h.registry.History(c.Request.Context(), c.Param("address"), queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get reputation history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"changes": changes,
		"count":   len(changes),
	})
}

// Leaderboard handles GET /leaderboard?tier=
func (h *Handler) Leaderboard(c *gin.Context) {
	identities, err := h.registry.Leaderboard(c.Request.Context(), queryLimit(c, 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get leaderboard",
		})
		return
	}

	tier := Tier(c.Query("tier"))
	entries := make([]gin.H, 0, len(identities))
	for i, identity := range identities {
		t := TierFor(identity.Score)
		if tier != "" && t != tier {
			continue
		}
		entries = append(entries, gin.H{
			"rank":    i + 1,
			"address": identity.Address,
			"name":    identity.Name,
			"score":   identity.Score,
			"tier":    t,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"leaderboard": entries,
		"count":       len(entries),
	})
}

// -----------------------------------------------------------------------------
// Listing Handlers
// -----------------------------------------------------------------------------

// CreateListing handles POST /listings
func (h *Handler) CreateListing(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "title is required",
		})
		return
	}

	listing, err := h.registry.CreateListing(ctx, auth.Caller(c), req)
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unknown_identity",
			"message": "Register before publishing listings",
		})
		return
	case errors.Is(err, ErrInvalidListing):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_listing",
			"message": err.Error(),
		})
		return
	case err != nil:
		logging.L(ctx).Error("failed to create listing", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create listing",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": listing})
}

// GetListing handles GET /listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	id, ok := parseListingID(c)
	if !ok {
		return
	}

	listing, err := h.registry.GetListing(c.Request.Context(), id)
	if errors.Is(err, ErrListingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "listing_not_found",
			"message": "Listing not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get listing",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// ListListings handles GET /identities/:address/listings
func (h *Handler) ListListings(c *gin.Context) {
	listings, err := h.registry.ListByOwner(c.Request.Context(), c.Param("address"), queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list listings",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listings": listings,
		"count":    len(listings),
	})
}

func (h *Handler) setActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseListingID(c)
		if !ok {
			return
		}

		listing, err := h.registry.SetListingActive(c.Request.Context(), auth.Caller(c), id, active)
		switch {
		case errors.Is(err, ErrListingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "listing_not_found", "message": "Listing not found"})
			return
		case errors.Is(err, ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update listing"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"listing": listing})
	}
}

func parseListingID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "listing id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context, def int) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			return parsed
		}
	}
	return def
}
