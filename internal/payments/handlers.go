package payments

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/arcadia-labs/arcadia/internal/logging"
	"github.com/arcadia-labs/arcadia/internal/metrics"
	"github.com/arcadia-labs/arcadia/internal/validation"
)

// Handler provides HTTP endpoints for the payment lifecycle.
type Handler struct {
	service     *Service
	reconciler  *Reconciler
	signer      *Signer
	adminSecret string
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service, reconciler *Reconciler, signer *Signer, adminSecret string) *Handler {
	return &Handler{
		service:     service,
		reconciler:  reconciler,
		signer:      signer,
		adminSecret: adminSecret,
	}
}

// RegisterRoutes sets up the client-facing payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:id", h.GetPayment)
	r.POST("/payments/:id/verify", h.VerifyPayment)
	r.POST("/webhooks/payments", h.ReceiveWebhook)
}

// RegisterAdminRoutes sets up admin-gated routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/refund", h.adminOnly(h.RefundPayment))
	r.POST("/payments/:id/expire", h.adminOnly(h.ExpirePayment))
}

// CreatePayment handles POST /v1/payments. A successful response uses
// 402 Payment Required: the request is well-formed, and payment is the
// next step.
func (h *Handler) CreatePayment(c *gin.Context) {
	var params CreateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("tier", params.Tier),
		validation.Required("brandId", params.BrandID),
		validation.ValidID("brandId", params.BrandID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req, err := h.service.CreateRequest(c.Request.Context(), params)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "payment_request_failed",
			"message": "Failed to create payment request",
		})
		return
	}

	metrics.PaymentRequestsCreatedTotal.WithLabelValues(req.Tier.String()).Inc()

	uri := h.service.PaymentURI(req)
	c.JSON(http.StatusPaymentRequired, gin.H{
		"paymentId":  req.PaymentID,
		"paymentUrl": uri,
		"amount":     req.Amount.String(),
		"currency":   req.Currency,
		"network":    req.Network,
		"expiresAt":  req.ExpiresAt,
		"qrCode":     uri,
	})
}

// ListPayments handles GET /v1/payments?brandId=. Results are newest
// first; the response carries an opaque cursor for the next page.
func (h *Handler) ListPayments(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	items, next, err := h.service.ListByBrand(c.Request.Context(), c.Query("brandId"), limit, c.Query("cursor"))
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list payments",
		})
		return
	}

	if items == nil {
		items = []*PaymentRequest{}
	}
	c.JSON(http.StatusOK, gin.H{
		"payments":   items,
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// GetPayment handles GET /v1/payments/:id. Pure read for polling.
func (h *Handler) GetPayment(c *gin.Context) {
	req, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read payment status",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": req})
}

type verifyRequest struct {
	TransactionHash string `json:"transactionHash"`
}

// VerifyPayment handles POST /v1/payments/:id/verify. The claimed
// transaction is checked against the chain; a valid claim completes
// the payment.
func (h *Handler) VerifyPayment(c *gin.Context) {
	var body verifyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req, verdict, err := h.reconciler.CompleteWithVerdict(c.Request.Context(), c.Param("id"), body.TransactionHash)
	switch {
	case err == nil:
		resp := gin.H{
			"verified": req.Status == StatusCompleted,
			"status":   req.Status,
		}
		if verdict != nil {
			resp["blockNumber"] = verdict.BlockNumber
			resp["gasUsed"] = verdict.GasUsed
		}
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment not found",
		})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrTxNotVisible):
		c.JSON(http.StatusOK, gin.H{
			"verified": false,
			"status":   req.Status,
			"message":  "Transaction not yet confirmed; retry shortly",
		})
	case errors.Is(err, ErrVerifyMismatch):
		c.JSON(http.StatusOK, gin.H{
			"verified": false,
			"status":   req.Status,
			"message":  "Transaction does not match this payment",
		})
	case errors.Is(err, ErrExpired), errors.Is(err, ErrIllegalTransition):
		status := StatusExpired
		if req != nil {
			status = req.Status
		}
		c.JSON(http.StatusConflict, gin.H{
			"verified": false,
			"status":   status,
			"message":  "Payment is no longer eligible for completion",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "verification_failed",
			"message": "Failed to verify transaction",
		})
	}
}

// ReceiveWebhook handles POST /v1/webhooks/payments. The signature is
// checked over the raw body before anything is parsed or applied.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	if err := h.signer.Verify(
		c.GetHeader(TimestampHeader),
		c.GetHeader(SignatureHeader),
		body,
	); err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues("bad_signature").Inc()
		logging.L(c.Request.Context()).Warn("webhook signature rejected",
			"remote", c.ClientIP(), "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.PaymentID == "" {
		metrics.WebhooksReceivedTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed webhook payload",
		})
		return
	}

	req, err := h.reconciler.HandleWebhook(c.Request.Context(), &payload)
	switch {
	case err == nil:
		metrics.WebhooksReceivedTotal.WithLabelValues("ok").Inc()
		c.JSON(http.StatusOK, gin.H{
			"paymentId": req.PaymentID,
			"status":    req.Status,
		})
	case errors.Is(err, ErrNotFound):
		metrics.WebhooksReceivedTotal.WithLabelValues("unknown_payment").Inc()
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown payment id",
		})
	case errors.Is(err, ErrValidation):
		metrics.WebhooksReceivedTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrTxNotVisible):
		// The transition did not land yet, but the delivery itself was
		// fine; the sender should redeliver later.
		metrics.WebhooksReceivedTotal.WithLabelValues("deferred").Inc()
		c.JSON(http.StatusOK, gin.H{
			"paymentId": payload.PaymentID,
			"status":    req.Status,
		})
	case errors.Is(err, ErrExpired), errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrVerifyMismatch):
		metrics.WebhooksReceivedTotal.WithLabelValues("rejected").Inc()
		status := Status("")
		if req != nil {
			status = req.Status
		}
		c.JSON(http.StatusConflict, gin.H{
			"paymentId": payload.PaymentID,
			"status":    status,
			"message":   "Webhook cannot be applied to this payment",
		})
	default:
		metrics.WebhooksReceivedTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "webhook_failed",
			"message": "Failed to process webhook",
		})
	}
}

// RefundPayment handles POST /v1/admin/payments/:id/refund. It records
// the off-chain consequence of an on-chain refund.
func (h *Handler) RefundPayment(c *gin.Context) {
	req, err := h.reconciler.Refund(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"payment": req})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment not found",
		})
	case errors.Is(err, ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "illegal_transition",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "refund_failed",
			"message": "Failed to record refund",
		})
	}
}

// ExpirePayment handles POST /v1/admin/payments/:id/expire, forcing an
// expiry sweep of a single payment.
func (h *Handler) ExpirePayment(c *gin.Context) {
	req, err := h.reconciler.Expire(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"payment": req})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment not found",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "expire_failed",
			"message": "Failed to expire payment",
		})
	}
}

func (h *Handler) adminOnly(fn gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader("X-Admin-Secret")
		if h.adminSecret == "" ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(h.adminSecret)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		fn(c)
	}
}
