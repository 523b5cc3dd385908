package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iretipos/server/internal/module/payment"
)

const (
	webhookOutcomeKeyPrefix = "webhook:outcome:"
	webhookOutcomeTTL       = 24 * time.Hour
)

// WebhookOutcomeCache keeps settled webhook outcomes in Redis so replayed
// deliveries are answered without touching Postgres. It is strictly best
// effort: errors degrade to a cache miss and the receipt table decides.
type WebhookOutcomeCache struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewWebhookOutcomeCache creates a webhook outcome cache.
func NewWebhookOutcomeCache(client redis.UniversalClient, logger *zap.Logger) *WebhookOutcomeCache {
	return &WebhookOutcomeCache{client: client, logger: logger}
}

// GetOutcome returns the cached outcome for an event id, if present.
func (c *WebhookOutcomeCache) GetOutcome(ctx context.Context, eventID string) (*payment.Outcome, bool) {
	raw, err := c.client.Get(ctx, webhookOutcomeKeyPrefix+eventID).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("webhook outcome cache read failed",
				zap.String("event_id", eventID), zap.Error(err))
		}
		return nil, false
	}
	var outcome payment.Outcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return nil, false
	}
	return &outcome, true
}

// SetOutcome stores a settled outcome.
func (c *WebhookOutcomeCache) SetOutcome(ctx context.Context, eventID string, outcome *payment.Outcome) {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, webhookOutcomeKeyPrefix+eventID, raw, webhookOutcomeTTL).Err(); err != nil {
		c.logger.Warn("webhook outcome cache write failed",
			zap.String("event_id", eventID), zap.Error(err))
	}
}
