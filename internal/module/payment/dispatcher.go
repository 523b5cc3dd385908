package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iretipos/server/internal/module/payment/money"
	"github.com/iretipos/server/internal/shared/metrics"
)

// Outcome codes recorded on a webhook receipt.
const (
	OutcomeProcessed            = "processed"
	OutcomeAlreadyProcessed     = "already_processed"
	OutcomeUnhandled            = "unhandled"
	OutcomeNoLocalRecord        = "no_local_record"
	OutcomeNoPaymentTransaction = "no_payment_transaction"
	OutcomeLogged               = "logged"
)

// Outcome describes what handling a webhook event did. It is persisted on
// the receipt and returned to callers; a replayed delivery gets the stored
// outcome back instead of being handled again.
type Outcome struct {
	Code          string     `json:"code"`
	Detail        string     `json:"detail,omitempty"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	RefundID      *uuid.UUID `json:"refund_id,omitempty"`
}

// OutcomeCache is an optional read-through cache for settled event outcomes.
// It only ever short-circuits events whose receipt is already processed, so
// a cache miss or outage degrades to a ledger lookup, never to reprocessing.
type OutcomeCache interface {
	GetOutcome(ctx context.Context, eventID string) (*Outcome, bool)
	SetOutcome(ctx context.Context, eventID string, outcome *Outcome)
}

// Dispatcher routes verified webhook events to handlers, deduplicating by
// event id. The receipt row's unique constraint is authoritative; the keyed
// mutex only prevents two goroutines in this process from racing on the same
// event, and the cache is a fast path in front of the ledger.
type Dispatcher struct {
	repo    Repository
	cache   OutcomeCache // may be nil
	metrics *metrics.Metrics
	logger  *zap.Logger

	eventLocks *keyMutex
	txLocks    *keyMutex
}

// NewDispatcher creates a webhook dispatcher. cache may be nil.
func NewDispatcher(repo Repository, cache OutcomeCache, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		cache:      cache,
		metrics:    m,
		logger:     logger,
		eventLocks: newKeyMutex(),
		txLocks:    newKeyMutex(),
	}
}

// ProcessEvent handles one verified webhook event. It returns the recorded
// outcome, or an error when handling failed; a failed event's receipt stays
// unprocessed so the processor's redelivery retries it.
func (d *Dispatcher) ProcessEvent(ctx context.Context, eventID, eventType string, payload json.RawMessage) (*Outcome, error) {
	start := time.Now()
	unlock := d.eventLocks.lock(eventID)
	defer unlock()

	if d.cache != nil {
		if outcome, ok := d.cache.GetOutcome(ctx, eventID); ok {
			d.metrics.RecordWebhookEvent(eventType, OutcomeAlreadyProcessed, time.Since(start))
			return &Outcome{Code: OutcomeAlreadyProcessed, Detail: outcome.Code}, nil
		}
	}

	receipt, err := d.repo.GetReceipt(ctx, eventID)
	switch {
	case err == nil:
		if receipt.Processed {
			d.rememberOutcome(ctx, eventID, receipt.Outcome)
			d.metrics.RecordWebhookEvent(eventType, OutcomeAlreadyProcessed, time.Since(start))
			return d.replayOutcome(receipt), nil
		}
		// Unprocessed receipt: a prior delivery failed mid-handling, so
		// this redelivery retries it.
	case errors.Is(err, gorm.ErrRecordNotFound):
		receipt = &WebhookReceipt{
			EventID:   eventID,
			EventType: eventType,
			Payload:   payload,
		}
		if cerr := d.repo.CreateReceipt(ctx, receipt); cerr != nil {
			if errors.Is(cerr, ErrDuplicateEvent) {
				// Lost the insert race to another process. If that
				// process already finished, replay its outcome;
				// otherwise fall through and handle, the ledger
				// transitions are idempotent.
				existing, gerr := d.repo.GetReceipt(ctx, eventID)
				if gerr == nil && existing.Processed {
					d.metrics.RecordWebhookEvent(eventType, OutcomeAlreadyProcessed, time.Since(start))
					return d.replayOutcome(existing), nil
				}
			} else {
				return nil, cerr
			}
		}
	default:
		return nil, err
	}

	outcome, err := d.route(ctx, eventType, payload)
	if err != nil {
		if rerr := d.repo.RecordReceiptError(ctx, eventID, err); rerr != nil {
			d.logger.Error("failed to record webhook processing error",
				zap.String("event_id", eventID), zap.Error(rerr))
		}
		d.metrics.RecordWebhookEvent(eventType, "error", time.Since(start))
		return nil, err
	}

	if merr := d.repo.MarkReceiptProcessed(ctx, eventID, outcome); merr != nil {
		return nil, merr
	}
	d.rememberOutcome(ctx, eventID, outcome)
	d.metrics.RecordWebhookEvent(eventType, outcome.Code, time.Since(start))
	return outcome, nil
}

func (d *Dispatcher) replayOutcome(receipt *WebhookReceipt) *Outcome {
	out := &Outcome{Code: OutcomeAlreadyProcessed}
	if receipt.Outcome != nil {
		out.Detail = receipt.Outcome.Code
	}
	return out
}

func (d *Dispatcher) rememberOutcome(ctx context.Context, eventID string, outcome *Outcome) {
	if d.cache == nil || outcome == nil {
		return
	}
	d.cache.SetOutcome(ctx, eventID, outcome)
}

func (d *Dispatcher) route(ctx context.Context, eventType string, payload json.RawMessage) (*Outcome, error) {
	switch {
	case strings.HasPrefix(eventType, "payment_intent."):
		return d.handlePaymentIntentEvent(ctx, eventType, payload)
	case strings.HasPrefix(eventType, "charge."):
		return d.handleChargeEvent(ctx, eventType, payload)
	case strings.HasPrefix(eventType, "refund."):
		return d.handleRefundEvent(ctx, eventType, payload)
	case strings.HasPrefix(eventType, "terminal."):
		d.logger.Info("terminal event received", zap.String("event_type", eventType))
		return &Outcome{Code: OutcomeLogged}, nil
	default:
		d.logger.Warn("unhandled webhook event type", zap.String("event_type", eventType))
		return &Outcome{Code: OutcomeUnhandled}, nil
	}
}

// eventEnvelope is the data.object wrapper events arrive in.
type eventEnvelope struct {
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func eventObject(payload json.RawMessage, out any) error {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data.Object, out)
}

type intentEventObject struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (d *Dispatcher) handlePaymentIntentEvent(ctx context.Context, eventType string, payload json.RawMessage) (*Outcome, error) {
	var obj intentEventObject
	if err := eventObject(payload, &obj); err != nil {
		return nil, err
	}

	tx, err := d.repo.GetTransactionByIntentID(ctx, obj.ID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			d.logger.Warn("intent event has no ledger row",
				zap.String("event_type", eventType),
				zap.String("processor_intent_id", obj.ID))
			return &Outcome{Code: OutcomeNoLocalRecord}, nil
		}
		return nil, err
	}

	// The event name carries the status at emission time; the object's
	// status field can already have moved on by delivery.
	var target Status
	switch eventType {
	case "payment_intent.succeeded":
		target = StatusSucceeded
	case "payment_intent.payment_failed":
		target = StatusFailed
	case "payment_intent.canceled":
		target = StatusCanceled
	case "payment_intent.processing":
		target = StatusProcessing
	default:
		target = MapProcessorStatus(obj.Status)
	}

	next, terr := Transition(tx.Status, target)
	if terr != nil {
		d.logger.Info("stale intent event ignored",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("local_status", string(tx.Status)),
			zap.String("event_type", eventType))
		return &Outcome{Code: OutcomeProcessed, Detail: "stale_ignored", TransactionID: &tx.ID}, nil
	}

	changed := next != tx.Status
	tx.Status = next
	tx.ProcessorStatus = obj.Status
	if obj.LastPaymentError != nil {
		msg := obj.LastPaymentError.Message
		tx.LastPaymentError = &msg
		if next == StatusFailed && tx.FailureReason == nil {
			tx.FailureReason = &msg
		}
	}
	if next == StatusSucceeded && tx.ProcessedAt == nil {
		now := time.Now()
		tx.ProcessedAt = &now
	}
	if err := d.repo.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if changed && next.IsTerminal() {
		d.metrics.PaymentsCompleted.WithLabelValues(string(next)).Inc()
	}

	d.logger.Info("payment intent event applied",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("event_type", eventType),
		zap.String("status", string(next)))
	return &Outcome{Code: OutcomeProcessed, TransactionID: &tx.ID}, nil
}

type refundEventObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	FailureReason string `json:"failure_reason"`
}

func (d *Dispatcher) handleRefundEvent(ctx context.Context, eventType string, payload json.RawMessage) (*Outcome, error) {
	var obj refundEventObject
	if err := eventObject(payload, &obj); err != nil {
		return nil, err
	}
	return d.applyRefundObject(ctx, &obj)
}

type chargeEventObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Refunds       struct {
		Data []refundEventObject `json:"data"`
	} `json:"refunds"`
}

func (d *Dispatcher) handleChargeEvent(ctx context.Context, eventType string, payload json.RawMessage) (*Outcome, error) {
	if eventType != "charge.refunded" && eventType != "charge.refund.updated" {
		d.logger.Info("charge event received", zap.String("event_type", eventType))
		return &Outcome{Code: OutcomeLogged}, nil
	}

	var obj chargeEventObject
	if err := eventObject(payload, &obj); err != nil {
		return nil, err
	}
	if len(obj.Refunds.Data) == 0 {
		d.logger.Warn("charge.refunded event carried no refunds",
			zap.String("charge_id", obj.ID))
		return &Outcome{Code: OutcomeLogged}, nil
	}

	var last *Outcome
	for i := range obj.Refunds.Data {
		ref := &obj.Refunds.Data[i]
		if ref.PaymentIntent == "" {
			ref.PaymentIntent = obj.PaymentIntent
		}
		out, err := d.applyRefundObject(ctx, ref)
		if err != nil {
			return nil, err
		}
		last = out
	}
	return last, nil
}

// applyRefundObject reconciles one processor refund object against the
// ledger, creating a webhook-originated refund row when the processor knows a
// refund we never initiated.
func (d *Dispatcher) applyRefundObject(ctx context.Context, obj *refundEventObject) (*Outcome, error) {
	mapped := MapProcessorRefundStatus(obj.Status)

	ref, err := d.repo.GetRefundByProcessorID(ctx, obj.ID)
	switch {
	case err == nil:
		return d.updateKnownRefund(ctx, ref, obj, mapped)
	case errors.Is(err, ErrRefundNotFound):
		return d.recordForeignRefund(ctx, obj, mapped)
	default:
		return nil, err
	}
}

func (d *Dispatcher) updateKnownRefund(ctx context.Context, ref *PaymentRefund, obj *refundEventObject, mapped RefundStatus) (*Outcome, error) {
	next, err := TransitionRefund(ref.Status, mapped)
	if err != nil {
		d.logger.Info("stale refund event ignored",
			zap.String("refund_id", ref.ID.String()),
			zap.String("local_status", string(ref.Status)),
			zap.String("processor_status", obj.Status))
		return &Outcome{Code: OutcomeProcessed, Detail: "stale_ignored", RefundID: &ref.ID}, nil
	}

	changed := next != ref.Status
	ref.Status = next
	if obj.FailureReason != "" {
		ref.FailureReason = &obj.FailureReason
	}
	if next.IsTerminal() && ref.ProcessedAt == nil {
		now := time.Now()
		ref.ProcessedAt = &now
	}
	if err := d.repo.UpdateRefund(ctx, ref); err != nil {
		return nil, err
	}
	if changed && next.IsTerminal() {
		d.metrics.RefundsCompleted.WithLabelValues(string(next)).Inc()
	}
	return &Outcome{Code: OutcomeProcessed, RefundID: &ref.ID}, nil
}

// recordForeignRefund records a refund the processor reports but the ledger
// never initiated, for example one issued from the processor dashboard. A
// refund that breaks the refund-sum invariant is still recorded, flagged
// with needs_review instead of being dropped: the money has already moved.
func (d *Dispatcher) recordForeignRefund(ctx context.Context, obj *refundEventObject, mapped RefundStatus) (*Outcome, error) {
	if obj.PaymentIntent == "" {
		d.logger.Warn("refund event carries no payment intent reference",
			zap.String("processor_refund_id", obj.ID))
		return &Outcome{Code: OutcomeNoPaymentTransaction}, nil
	}
	tx, err := d.repo.GetTransactionByIntentID(ctx, obj.PaymentIntent)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			d.logger.Warn("refund event has no ledger transaction",
				zap.String("processor_refund_id", obj.ID),
				zap.String("processor_intent_id", obj.PaymentIntent))
			return &Outcome{Code: OutcomeNoPaymentTransaction}, nil
		}
		return nil, err
	}

	// Distinct events for the same transaction race each other on the
	// refunded sum; serialize on the transaction so the needs_review check
	// sees every row written before it.
	unlock := d.txLocks.lock(tx.ID.String())
	defer unlock()

	amount := money.FromMinorUnits(obj.Amount)
	refunded, err := d.repo.SumRefunds(ctx, tx.ID,
		[]RefundStatus{RefundStatusPending, RefundStatusSucceeded}, nil)
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(obj.Currency)
	if currency == "" {
		currency = tx.Currency
	}
	ref := &PaymentRefund{
		PaymentTransactionID: tx.ID,
		Amount:               amount,
		Currency:             currency,
		Status:               mapped,
		ProcessorRefundID:    &obj.ID,
	}
	if reason := RefundReason(obj.Reason); reason.Valid() {
		ref.Reason = reason
	}
	if obj.FailureReason != "" {
		ref.FailureReason = &obj.FailureReason
	}
	if mapped.IsTerminal() {
		now := time.Now()
		ref.ProcessedAt = &now
	}

	detail := ""
	counted := mapped == RefundStatusPending || mapped == RefundStatusSucceeded
	if counted && refunded.Add(amount).GreaterThan(tx.Amount) {
		ref.NeedsReview = true
		detail = "needs_review"
		d.logger.Error("webhook refund exceeds refundable balance",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("processor_refund_id", obj.ID),
			zap.String("amount", amount.String()),
			zap.String("already_refunded", refunded.String()),
			zap.String("transaction_amount", tx.Amount.String()))
	}

	if err := d.repo.CreateRefund(ctx, ref); err != nil {
		return nil, err
	}
	d.metrics.RefundsInitiated.WithLabelValues("webhook").Inc()
	if mapped.IsTerminal() {
		d.metrics.RefundsCompleted.WithLabelValues(string(mapped)).Inc()
	}

	d.logger.Info("webhook-originated refund recorded",
		zap.String("refund_id", ref.ID.String()),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("amount", amount.String()))
	return &Outcome{Code: OutcomeProcessed, Detail: detail, TransactionID: &tx.ID, RefundID: &ref.ID}, nil
}
