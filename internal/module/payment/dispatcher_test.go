package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func intentEventPayload(intentID, status string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":"evt_x","type":"t","data":{"object":{"id":%q,"status":%q}}}`, intentID, status))
}

func refundEventPayload(refundID, intentID string, amountMinor int64, status string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"data":{"object":{"id":%q,"payment_intent":%q,"amount":%d,"currency":"usd","status":%q,"reason":"requested_by_customer"}}}`,
		refundID, intentID, amountMinor, status))
}

func seedPendingTransaction(t *testing.T, repo *fakeRepo, intentID, amount string) *PaymentTransaction {
	t.Helper()
	tx := &PaymentTransaction{
		Amount:            dec(amount),
		Currency:          "USD",
		Status:            StatusPending,
		ProcessorIntentID: &intentID,
	}
	require.NoError(t, repo.CreateTransaction(context.Background(), tx))
	return tx
}

func TestDispatcher_IntentSucceeded(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	tx := seedPendingTransaction(t, repo, "pi_1", "15.99")

	outcome, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded",
		intentEventPayload("pi_1", "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome.Code)

	got, err := repo.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	receipt, err := repo.GetReceipt(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, receipt.Processed)
	assert.Equal(t, "payment_intent.succeeded", receipt.EventType)
}

func TestDispatcher_DuplicateDeliveryHandledOnce(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	seedPendingTransaction(t, repo, "pi_1", "15.99")

	payload := intentEventPayload("pi_1", "succeeded")
	first, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded", payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, first.Code)

	for i := 0; i < 3; i++ {
		again, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded", payload)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyProcessed, again.Code)
	}
}

func TestDispatcher_ConcurrentDuplicates(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	seedPendingTransaction(t, repo, "pi_1", "15.99")

	payload := intentEventPayload("pi_1", "succeeded")
	const n = 8
	outcomes := make([]*Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded", payload)
		}(i)
	}
	wg.Wait()

	processed := 0
	for i, out := range outcomes {
		require.NoError(t, errs[i])
		if out.Code == OutcomeProcessed {
			processed++
		} else {
			assert.Equal(t, OutcomeAlreadyProcessed, out.Code)
		}
	}
	assert.Equal(t, 1, processed)
}

func TestDispatcher_FirstTerminalWins(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	tx := seedPendingTransaction(t, repo, "pi_1", "15.99")

	_, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded",
		intentEventPayload("pi_1", "succeeded"))
	require.NoError(t, err)

	// A late, reordered failure event for the same intent must not move
	// the settled row.
	out, err := d.ProcessEvent(context.Background(), "evt_2", "payment_intent.payment_failed",
		intentEventPayload("pi_1", "requires_payment_method"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out.Code)
	assert.Equal(t, "stale_ignored", out.Detail)

	got, err := repo.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
}

func TestDispatcher_IntentFailedRecordsReason(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	tx := seedPendingTransaction(t, repo, "pi_1", "15.99")

	payload := json.RawMessage(`{"data":{"object":{"id":"pi_1","status":"requires_payment_method","last_payment_error":{"message":"Your card was declined."}}}}`)
	_, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.payment_failed", payload)
	require.NoError(t, err)

	got, err := repo.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "Your card was declined.", *got.FailureReason)
}

func TestDispatcher_UnknownIntent(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)

	out, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded",
		intentEventPayload("pi_nowhere", "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoLocalRecord, out.Code)

	// The event is settled: a replay does not retry it.
	receipt, err := repo.GetReceipt(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, receipt.Processed)
}

func TestDispatcher_UnhandledEventType(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)

	out, err := d.ProcessEvent(context.Background(), "evt_1", "customer.subscription.updated",
		json.RawMessage(`{"data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnhandled, out.Code)

	receipt, err := repo.GetReceipt(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, receipt.Processed)
}

func TestDispatcher_TerminalEventLogged(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)

	out, err := d.ProcessEvent(context.Background(), "evt_1", "terminal.reader.action_succeeded",
		json.RawMessage(`{"data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLogged, out.Code)
}

func TestDispatcher_RefundUpdated_KnownRefund(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	tx := seedSucceededTransaction(t, repo, "40.00")

	refundID := "re_1"
	ref := &PaymentRefund{
		PaymentTransactionID: tx.ID,
		Amount:               dec("40.00"),
		Currency:             "USD",
		Status:               RefundStatusPending,
		ProcessorRefundID:    &refundID,
	}
	require.NoError(t, repo.CreateRefund(context.Background(), ref))

	out, err := d.ProcessEvent(context.Background(), "evt_1", "refund.updated",
		refundEventPayload("re_1", *tx.ProcessorIntentID, 4000, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out.Code)

	got, err := repo.GetRefund(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, RefundStatusSucceeded, got.Status)
	assert.NotNil(t, got.ProcessedAt)
}

func TestDispatcher_ForeignRefundRecorded(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	tx := seedSucceededTransaction(t, repo, "40.00")

	// A refund issued from the processor dashboard arrives only by webhook.
	out, err := d.ProcessEvent(context.Background(), "evt_1", "refund.updated",
		refundEventPayload("re_dash", *tx.ProcessorIntentID, 1500, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out.Code)
	require.NotNil(t, out.RefundID)

	got, err := repo.GetRefund(context.Background(), *out.RefundID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(dec("15.00")))
	assert.Equal(t, RefundStatusSucceeded, got.Status)
	assert.Nil(t, got.ProcessedBy)
	assert.False(t, got.NeedsReview)
}

func TestDispatcher_ForeignRefund_OverBalanceFlaggedNotDropped(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	tx := seedSucceededTransaction(t, repo, "40.00")

	require.NoError(t, repo.CreateRefund(context.Background(), &PaymentRefund{
		PaymentTransactionID: tx.ID,
		Amount:               dec("35.00"),
		Currency:             "USD",
		Status:               RefundStatusSucceeded,
	}))

	out, err := d.ProcessEvent(context.Background(), "evt_1", "refund.updated",
		refundEventPayload("re_over", *tx.ProcessorIntentID, 1000, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out.Code)
	assert.Equal(t, "needs_review", out.Detail)

	got, err := repo.GetRefund(context.Background(), *out.RefundID)
	require.NoError(t, err)
	assert.True(t, got.NeedsReview)
}

func TestDispatcher_OrphanRefund(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)

	out, err := d.ProcessEvent(context.Background(), "evt_1", "refund.updated",
		refundEventPayload("re_x", "pi_unknown", 1000, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoPaymentTransaction, out.Code)

	receipt, err := repo.GetReceipt(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, receipt.Processed)
	assert.Empty(t, repo.refunds)
}

func TestDispatcher_ChargeRefunded(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	tx := seedSucceededTransaction(t, repo, "40.00")

	payload := json.RawMessage(fmt.Sprintf(`{"data":{"object":{
		"id":"ch_1","payment_intent":%q,
		"refunds":{"data":[{"id":"re_c1","amount":2000,"currency":"usd","status":"succeeded"}]}
	}}}`, *tx.ProcessorIntentID))

	out, err := d.ProcessEvent(context.Background(), "evt_1", "charge.refunded", payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out.Code)

	refunds, err := repo.ListRefunds(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(dec("20.00")))
}

func TestDispatcher_MalformedPayloadStaysRetryable(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)

	_, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded",
		json.RawMessage(`{"data":{"object":`))
	require.Error(t, err)

	// The receipt records the failure but stays unprocessed so the
	// processor's redelivery retries it.
	receipt, gerr := repo.GetReceipt(context.Background(), "evt_1")
	require.NoError(t, gerr)
	assert.False(t, receipt.Processed)
	assert.NotNil(t, receipt.ProcessingError)
}

func TestDispatcher_RetryAfterFailureSucceeds(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	seedPendingTransaction(t, repo, "pi_1", "15.99")

	_, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded",
		json.RawMessage(`not json`))
	require.Error(t, err)

	out, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded",
		intentEventPayload("pi_1", "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out.Code)
}

func TestDispatcher_OutcomeCacheFastPath(t *testing.T) {
	repo := newFakeRepo()
	cache := &fakeOutcomeCache{entries: map[string]*Outcome{}}
	d := NewDispatcher(repo, cache, testMetrics(), zap.NewNop())
	seedPendingTransaction(t, repo, "pi_1", "15.99")

	payload := intentEventPayload("pi_1", "succeeded")
	_, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded", payload)
	require.NoError(t, err)
	assert.Contains(t, cache.entries, "evt_1")

	out, err := d.ProcessEvent(context.Background(), "evt_1", "payment_intent.succeeded", payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, out.Code)
	assert.Equal(t, 1, cache.hits)
}

type fakeOutcomeCache struct {
	mu      sync.Mutex
	entries map[string]*Outcome
	hits    int
}

func (c *fakeOutcomeCache) GetOutcome(_ context.Context, eventID string) (*Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.entries[eventID]
	if ok {
		c.hits++
	}
	return out, ok
}

func (c *fakeOutcomeCache) SetOutcome(_ context.Context, eventID string, outcome *Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[eventID] = outcome
}

func TestDispatcher_ForeignRefundInheritsTransactionCurrency(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo)
	tx := seedSucceededTransaction(t, repo, "40.00")

	// Some refund events omit the currency field entirely.
	payload := json.RawMessage(fmt.Sprintf(
		`{"data":{"object":{"id":"re_nocur","payment_intent":%q,"amount":1500,"status":"succeeded"}}}`,
		*tx.ProcessorIntentID))
	out, err := d.ProcessEvent(context.Background(), "evt_nocur", "refund.updated", payload)
	require.NoError(t, err)
	require.NotNil(t, out.RefundID)

	got, err := repo.GetRefund(context.Background(), *out.RefundID)
	require.NoError(t, err)
	assert.Equal(t, "USD", got.Currency)
}
