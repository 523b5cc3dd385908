package payment

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iretipos/server/internal/module/payment/gateway"
	"github.com/iretipos/server/internal/shared/metrics"
)

// WebhookHandler receives processor webhook deliveries. It verifies the
// signature over the raw body, then hands the event to the dispatcher.
type WebhookHandler struct {
	verifier   *gateway.SignatureVerifier
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(verifier *gateway.SignatureVerifier, dispatcher *Dispatcher, m *metrics.Metrics, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

// RegisterRoutes registers the webhook routes. These are unauthenticated:
// the signature is the authentication.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/processor", h.HandleProcessorWebhook)
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// HandleProcessorWebhook handles one webhook delivery. A 2xx acknowledges
// the event; any other status makes the processor redeliver, so transient
// handling failures return 500 and permanent rejections return 400.
func (h *WebhookHandler) HandleProcessorWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	signature := c.GetHeader("Processor-Signature")
	if !h.verifier.Verify(payload, signature) {
		h.metrics.WebhookSignatureFailures.Inc()
		h.logger.Warn("webhook signature rejected",
			zap.String("remote_addr", c.ClientIP()),
			zap.Bool("signature_present", signature != ""))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" || env.Type == "" {
		h.logger.Warn("malformed webhook envelope", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	outcome, err := h.dispatcher.ProcessEvent(c.Request.Context(), env.ID, env.Type, payload)
	if err != nil {
		h.logger.Error("webhook event handling failed",
			zap.String("event_id", env.ID),
			zap.String("event_type", env.Type),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event handling failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome.Code})
}
