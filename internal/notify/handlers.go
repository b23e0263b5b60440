package notify

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arcadia-labs/arcadia/internal/idgen"
	"github.com/arcadia-labs/arcadia/internal/security"
	"github.com/arcadia-labs/arcadia/internal/validation"
)

// Handler provides HTTP endpoints for callback subscriptions.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/callbacks", h.CreateSubscription)
	r.GET("/callbacks/:id", h.GetSubscription)
	r.DELETE("/callbacks/:id", h.DeleteSubscription)
}

type createSubscriptionRequest struct {
	BrandID string   `json:"brandId"`
	URL     string   `json:"url"`
	Secret  string   `json:"secret"`
	Events  []string `json:"events"`
}

// CreateSubscription handles POST /v1/callbacks
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("brandId", req.BrandID),
		validation.ValidID("brandId", req.BrandID),
		validation.Required("url", req.URL),
		validation.Required("secret", req.Secret),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if len(req.Secret) < 16 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "secret must be at least 16 characters",
		})
		return
	}
	// The dispatcher POSTs to this URL server-side, so it must be
	// https and must not point inside our network.
	if !strings.HasPrefix(req.URL, "https://") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "url must be https",
		})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "url: " + err.Error(),
		})
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		BrandID:   req.BrandID,
		URL:       req.URL,
		Secret:    req.Secret,
		Active:    true,
		CreatedAt: h.now(),
	}
	for _, e := range req.Events {
		sub.Events = append(sub.Events, EventType(e))
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "subscription_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// GetSubscription handles GET /v1/callbacks/:id
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// DeleteSubscription handles DELETE /v1/callbacks/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete subscription",
		})
		return
	}
	c.Status(http.StatusNoContent)
}
