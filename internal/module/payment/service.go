package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iretipos/server/internal/module/payment/gateway"
	"github.com/iretipos/server/internal/module/payment/money"
	"github.com/iretipos/server/internal/shared/logger"
	"github.com/iretipos/server/internal/shared/metrics"
)

// GatewayAPI is the processor surface the service depends on. *gateway.Client
// satisfies it; tests substitute a double so no network is involved.
type GatewayAPI interface {
	CreatePaymentIntent(ctx context.Context, params gateway.CreatePaymentIntentParams) (*gateway.PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, id string) (*gateway.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, id string, idempotencyKey string) (*gateway.PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, id string, amount *decimal.Decimal, idempotencyKey string) (*gateway.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string, idempotencyKey string) (*gateway.PaymentIntent, error)
	CreateRefund(ctx context.Context, params gateway.CreateRefundParams) (*gateway.Refund, error)
	CreateConnectionToken(ctx context.Context, locationID string) (*gateway.ConnectionToken, error)
	CreateTerminalLocation(ctx context.Context, displayName string, address gateway.Address) (*gateway.TerminalLocation, error)
}

// Service coordinates the processor client and the local ledger. Every
// monetary mutation goes through here so the ledger invariants are enforced
// in one place.
type Service struct {
	repo    Repository
	gw      GatewayAPI
	metrics *metrics.Metrics
	logger  *zap.Logger
	txLocks *keyMutex
}

// NewService creates a payment service.
func NewService(repo Repository, gw GatewayAPI, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		gw:      gw,
		metrics: m,
		logger:  logger,
		txLocks: newKeyMutex(),
	}
}

// CreatePaymentInput describes a new card payment initiated at the POS.
type CreatePaymentInput struct {
	Amount        decimal.Decimal
	Currency      string
	SaleID        *uuid.UUID
	CaptureMethod string
	Metadata      gateway.Metadata
	ProcessedBy   string
}

// CreatePayment creates a payment intent with the processor and records the
// pending transaction in the ledger. The returned transaction carries the
// client secret the terminal needs to confirm the payment.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (*PaymentTransaction, error) {
	// Reject bad amounts before any processor call.
	if _, err := money.ToMinorUnits(input.Amount); err != nil {
		return nil, err
	}
	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}

	idemKey := uuid.NewString()
	intent, err := s.gw.CreatePaymentIntent(ctx, gateway.CreatePaymentIntentParams{
		Amount:             input.Amount,
		Currency:           currency,
		CaptureMethod:      input.CaptureMethod,
		PaymentMethodTypes: []string{"card_present", "card"},
		Metadata:           input.Metadata,
		IdempotencyKey:     idemKey,
	})
	if err != nil {
		return nil, err
	}

	tx := &PaymentTransaction{
		SaleID:            input.SaleID,
		Amount:            input.Amount,
		Currency:          currency,
		Status:            MapProcessorStatus(intent.Status),
		ProcessorIntentID: &intent.ID,
		ClientSecret:      intent.ClientSecret,
		ProcessorStatus:   intent.Status,
		Metadata:          input.Metadata,
		IdempotencyKey:    &idemKey,
	}
	if input.ProcessedBy != "" {
		tx.ProcessedBy = &input.ProcessedBy
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		// The intent exists at the processor but the ledger write failed.
		// The intent id is logged so the row can be reconciled by hand.
		s.logger.Error("ledger write failed after intent creation",
			zap.String("processor_intent_id", intent.ID),
			zap.Error(err))
		return nil, err
	}

	s.metrics.PaymentsInitiated.WithLabelValues(currency).Inc()
	amountF, _ := input.Amount.Float64()
	s.metrics.PaymentAmount.WithLabelValues(currency).Observe(amountF)

	s.logger.Info("payment created",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("processor_intent_id", intent.ID),
		zap.String("amount", input.Amount.String()),
		zap.String("currency", currency),
		logger.SanitizedAny("metadata", input.Metadata))
	return tx, nil
}

// GetPayment returns a ledger transaction by id.
func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*PaymentTransaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// RetrievePayment fetches the current intent state from the processor and
// reconciles the local row.
func (s *Service) RetrievePayment(ctx context.Context, id uuid.UUID) (*PaymentTransaction, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.ProcessorIntentID == nil {
		return tx, nil
	}
	intent, err := s.gw.RetrievePaymentIntent(ctx, *tx.ProcessorIntentID)
	if err != nil {
		return nil, err
	}
	if err := s.applyIntent(ctx, tx, intent); err != nil {
		return nil, err
	}
	return tx, nil
}

// ConfirmPayment confirms the intent with the processor and reconciles the
// local row.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID) (*PaymentTransaction, error) {
	return s.intentOp(ctx, id, func(ctx context.Context, intentID string) (*gateway.PaymentIntent, error) {
		return s.gw.ConfirmPaymentIntent(ctx, intentID, uuid.NewString())
	})
}

// CapturePayment captures a previously authorized payment. A nil amount
// captures the full authorized amount.
func (s *Service) CapturePayment(ctx context.Context, id uuid.UUID, amount *decimal.Decimal) (*PaymentTransaction, error) {
	if amount != nil {
		if _, err := money.ToMinorUnits(*amount); err != nil {
			return nil, err
		}
	}
	return s.intentOp(ctx, id, func(ctx context.Context, intentID string) (*gateway.PaymentIntent, error) {
		return s.gw.CapturePaymentIntent(ctx, intentID, amount, uuid.NewString())
	})
}

// CancelPayment cancels a non-terminal payment with the processor.
func (s *Service) CancelPayment(ctx context.Context, id uuid.UUID) (*PaymentTransaction, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status.IsTerminal() {
		return nil, ErrStaleTransition
	}
	return s.intentOp(ctx, id, func(ctx context.Context, intentID string) (*gateway.PaymentIntent, error) {
		return s.gw.CancelPaymentIntent(ctx, intentID, uuid.NewString())
	})
}

func (s *Service) intentOp(ctx context.Context, id uuid.UUID, op func(ctx context.Context, intentID string) (*gateway.PaymentIntent, error)) (*PaymentTransaction, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.ProcessorIntentID == nil {
		return nil, fmt.Errorf("transaction %s has no processor intent", id)
	}
	intent, err := op(ctx, *tx.ProcessorIntentID)
	if err != nil {
		return nil, err
	}
	if err := s.applyIntent(ctx, tx, intent); err != nil {
		return nil, err
	}
	return tx, nil
}

// applyIntent folds a processor intent snapshot into the local row under
// first-terminal-wins: a stale or out-of-order snapshot leaves the row
// untouched.
func (s *Service) applyIntent(ctx context.Context, tx *PaymentTransaction, intent *gateway.PaymentIntent) error {
	mapped := MapProcessorStatus(intent.Status)
	next, err := Transition(tx.Status, mapped)
	if err != nil {
		s.logger.Debug("ignoring stale intent snapshot",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("local_status", string(tx.Status)),
			zap.String("processor_status", intent.Status))
		return nil
	}

	changed := next != tx.Status
	tx.Status = next
	tx.ProcessorStatus = intent.Status
	if intent.ClientSecret != "" {
		tx.ClientSecret = intent.ClientSecret
	}
	if intent.LastPaymentError != nil {
		msg := intent.LastPaymentError.Message
		tx.LastPaymentError = &msg
		if next == StatusFailed && tx.FailureReason == nil {
			tx.FailureReason = &msg
		}
	}
	if next == StatusSucceeded && tx.ProcessedAt == nil {
		now := time.Now()
		tx.ProcessedAt = &now
	}
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return err
	}

	if changed && next.IsTerminal() {
		s.metrics.PaymentsCompleted.WithLabelValues(string(next)).Inc()
		s.logger.Info("payment reached terminal status",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("status", string(next)))
	}
	return nil
}

// RefundInput describes a refund initiated at the POS.
type RefundInput struct {
	TransactionID uuid.UUID
	Amount        *decimal.Decimal // nil refunds the full remaining balance
	Reason        RefundReason
	ProcessedBy   string
	AuthorizedBy  string
	Notes         string
}

// Refund refunds part or all of a succeeded payment. The refund-sum
// invariant is checked against the ledger first; a violating request is
// rejected before any processor call is made.
func (s *Service) Refund(ctx context.Context, input RefundInput) (*PaymentRefund, error) {
	tx, err := s.repo.GetTransaction(ctx, input.TransactionID)
	if err != nil {
		return nil, err
	}
	if !tx.IsSucceeded() {
		return nil, ErrNotRefundable
	}
	if tx.ProcessorIntentID == nil {
		return nil, ErrNotRefundable
	}

	reason := input.Reason
	if reason == "" {
		reason = RefundReasonCustomerRequested
	}
	if !reason.Valid() {
		return nil, ErrInvalidReason
	}

	ref, refunded, err := s.reserveRefund(ctx, tx, input, reason)
	if err != nil {
		return nil, err
	}
	amount := ref.Amount

	params := gateway.CreateRefundParams{
		PaymentIntentID: *tx.ProcessorIntentID,
		Reason:          string(reason),
		IdempotencyKey:  *ref.IdempotencyKey,
	}
	// An explicit amount is sent whenever a prior refund exists; the
	// processor's implicit "refund everything" only matches our remaining
	// balance on a fresh transaction.
	if input.Amount != nil || !refunded.IsZero() {
		params.Amount = &amount
	}

	procRef, err := s.gw.CreateRefund(ctx, params)
	if err != nil {
		msg := err.Error()
		ref.Status = RefundStatusFailed
		ref.FailureReason = &msg
		if uerr := s.repo.UpdateRefund(ctx, ref); uerr != nil {
			s.logger.Error("failed to record refund failure",
				zap.String("refund_id", ref.ID.String()), zap.Error(uerr))
		}
		s.metrics.RefundsCompleted.WithLabelValues(string(RefundStatusFailed)).Inc()
		return nil, err
	}

	ref.ProcessorRefundID = &procRef.ID
	ref.Status = MapProcessorRefundStatus(procRef.Status)
	if ref.Status == RefundStatusSucceeded {
		now := time.Now()
		ref.ProcessedAt = &now
	}
	if err := s.repo.UpdateRefund(ctx, ref); err != nil {
		return nil, err
	}

	s.metrics.RefundsInitiated.WithLabelValues("local").Inc()
	amountF, _ := amount.Float64()
	s.metrics.RefundAmount.WithLabelValues(tx.Currency).Observe(amountF)
	if ref.Status.IsTerminal() {
		s.metrics.RefundsCompleted.WithLabelValues(string(ref.Status)).Inc()
	}

	s.logger.Info("refund created",
		zap.String("refund_id", ref.ID.String()),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("amount", amount.String()),
		zap.String("reason", string(reason)))
	return ref, nil
}

// reserveRefund checks the refund-sum invariant and writes the pending refund
// row while holding the transaction's lock. Concurrent refunds against the
// same transaction serialize here, so each one sees every row reserved before
// it; the processor call happens after release since the pending row already
// counts toward the sum.
func (s *Service) reserveRefund(ctx context.Context, tx *PaymentTransaction, input RefundInput, reason RefundReason) (*PaymentRefund, decimal.Decimal, error) {
	unlock := s.txLocks.lock(tx.ID.String())
	defer unlock()

	refunded, err := s.repo.SumRefunds(ctx, tx.ID,
		[]RefundStatus{RefundStatusPending, RefundStatusSucceeded}, nil)
	if err != nil {
		return nil, decimal.Zero, err
	}

	amount := tx.Amount.Sub(refunded)
	if input.Amount != nil {
		amount = *input.Amount
	}
	if _, err := money.ToMinorUnits(amount); err != nil {
		return nil, decimal.Zero, err
	}
	if refunded.Add(amount).GreaterThan(tx.Amount) {
		return nil, decimal.Zero, &InvariantViolation{
			TransactionID: tx.ID,
			Requested:     amount,
			Refunded:      refunded,
			Amount:        tx.Amount,
		}
	}

	idemKey := uuid.NewString()
	ref := &PaymentRefund{
		PaymentTransactionID: tx.ID,
		Amount:               amount,
		Currency:             tx.Currency,
		Reason:               reason,
		Status:               RefundStatusPending,
		IdempotencyKey:       &idemKey,
	}
	if input.ProcessedBy != "" {
		ref.ProcessedBy = &input.ProcessedBy
	}
	if input.AuthorizedBy != "" {
		ref.AuthorizedBy = &input.AuthorizedBy
	}
	if input.Notes != "" {
		ref.Notes = &input.Notes
	}
	if err := s.repo.CreateRefund(ctx, ref); err != nil {
		return nil, decimal.Zero, err
	}
	return ref, refunded, nil
}

// RefundableAmount returns how much of the transaction can still be refunded.
func (s *Service) RefundableAmount(ctx context.Context, transactionID uuid.UUID) (decimal.Decimal, error) {
	tx, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return decimal.Zero, err
	}
	if !tx.IsSucceeded() {
		return decimal.Zero, nil
	}
	refunded, err := s.repo.SumRefunds(ctx, tx.ID,
		[]RefundStatus{RefundStatusPending, RefundStatusSucceeded}, nil)
	if err != nil {
		return decimal.Zero, err
	}
	remaining := tx.Amount.Sub(refunded)
	if remaining.IsNegative() {
		return decimal.Zero, nil
	}
	return remaining, nil
}

// ListRefunds returns the refunds recorded against a transaction.
func (s *Service) ListRefunds(ctx context.Context, transactionID uuid.UUID) ([]*PaymentRefund, error) {
	if _, err := s.repo.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	return s.repo.ListRefunds(ctx, transactionID)
}

// ConnectionToken requests a terminal connection token from the processor.
func (s *Service) ConnectionToken(ctx context.Context, locationID string) (*gateway.ConnectionToken, error) {
	return s.gw.CreateConnectionToken(ctx, locationID)
}

// RegisterTerminalLocation registers a physical store location with the
// processor's terminal service.
func (s *Service) RegisterTerminalLocation(ctx context.Context, displayName string, address gateway.Address) (*gateway.TerminalLocation, error) {
	return s.gw.CreateTerminalLocation(ctx, displayName, address)
}
