package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository defines the interface for ledger data access.
type Repository interface {
	// Transaction operations
	CreateTransaction(ctx context.Context, tx *PaymentTransaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*PaymentTransaction, error)
	GetTransactionByIntentID(ctx context.Context, intentID string) (*PaymentTransaction, error)
	UpdateTransaction(ctx context.Context, tx *PaymentTransaction) error

	// Refund operations
	CreateRefund(ctx context.Context, ref *PaymentRefund) error
	GetRefund(ctx context.Context, id uuid.UUID) (*PaymentRefund, error)
	GetRefundByProcessorID(ctx context.Context, refundID string) (*PaymentRefund, error)
	UpdateRefund(ctx context.Context, ref *PaymentRefund) error
	ListRefunds(ctx context.Context, transactionID uuid.UUID) ([]*PaymentRefund, error)

	// SumRefunds totals refunds in the given statuses against a transaction,
	// optionally excluding one refund (for self-excluding invariant checks).
	SumRefunds(ctx context.Context, transactionID uuid.UUID, statuses []RefundStatus, exclude *uuid.UUID) (decimal.Decimal, error)

	// Webhook receipt operations
	CreateReceipt(ctx context.Context, receipt *WebhookReceipt) error
	GetReceipt(ctx context.Context, eventID string) (*WebhookReceipt, error)
	MarkReceiptProcessed(ctx context.Context, eventID string, outcome *Outcome) error
	RecordReceiptError(ctx context.Context, eventID string, procErr error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new ledger repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// --- Transaction Operations ---

func (r *repository) CreateTransaction(ctx context.Context, tx *PaymentTransaction) error {
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("create payment transaction: %w", err)
	}
	return nil
}

func (r *repository) GetTransaction(ctx context.Context, id uuid.UUID) (*PaymentTransaction, error) {
	var tx PaymentTransaction
	err := r.db.WithContext(ctx).First(&tx, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get payment transaction: %w", err)
	}
	return &tx, nil
}

func (r *repository) GetTransactionByIntentID(ctx context.Context, intentID string) (*PaymentTransaction, error) {
	var tx PaymentTransaction
	err := r.db.WithContext(ctx).First(&tx, "processor_intent_id = ?", intentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get payment transaction by intent id: %w", err)
	}
	return &tx, nil
}

func (r *repository) UpdateTransaction(ctx context.Context, tx *PaymentTransaction) error {
	if err := r.db.WithContext(ctx).Save(tx).Error; err != nil {
		return fmt.Errorf("update payment transaction: %w", err)
	}
	return nil
}

// --- Refund Operations ---

func (r *repository) CreateRefund(ctx context.Context, ref *PaymentRefund) error {
	if err := r.db.WithContext(ctx).Create(ref).Error; err != nil {
		return fmt.Errorf("create payment refund: %w", err)
	}
	return nil
}

func (r *repository) GetRefund(ctx context.Context, id uuid.UUID) (*PaymentRefund, error) {
	var ref PaymentRefund
	err := r.db.WithContext(ctx).First(&ref, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("get payment refund: %w", err)
	}
	return &ref, nil
}

func (r *repository) GetRefundByProcessorID(ctx context.Context, refundID string) (*PaymentRefund, error) {
	var ref PaymentRefund
	err := r.db.WithContext(ctx).First(&ref, "processor_refund_id = ?", refundID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("get payment refund by processor id: %w", err)
	}
	return &ref, nil
}

func (r *repository) UpdateRefund(ctx context.Context, ref *PaymentRefund) error {
	if err := r.db.WithContext(ctx).Save(ref).Error; err != nil {
		return fmt.Errorf("update payment refund: %w", err)
	}
	return nil
}

func (r *repository) ListRefunds(ctx context.Context, transactionID uuid.UUID) ([]*PaymentRefund, error) {
	var refunds []*PaymentRefund
	err := r.db.WithContext(ctx).
		Where("payment_transaction_id = ?", transactionID).
		Order("created_at DESC").
		Find(&refunds).Error
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	return refunds, nil
}

func (r *repository) SumRefunds(ctx context.Context, transactionID uuid.UUID, statuses []RefundStatus, exclude *uuid.UUID) (decimal.Decimal, error) {
	q := r.db.WithContext(ctx).
		Model(&PaymentRefund{}).
		Where("payment_transaction_id = ? AND status IN ?", transactionID, statuses)
	if exclude != nil {
		q = q.Where("id <> ?", *exclude)
	}

	var total decimal.NullDecimal
	if err := q.Select("SUM(amount)").Scan(&total).Error; err != nil {
		return decimal.Zero, fmt.Errorf("sum refunds: %w", err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// --- Webhook Receipt Operations ---

func (r *repository) CreateReceipt(ctx context.Context, receipt *WebhookReceipt) error {
	if err := r.db.WithContext(ctx).Create(receipt).Error; err != nil {
		// The unique constraint on event_id serializes concurrent deliveries
		// of the same event; the loser reads the winner's receipt instead.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("create webhook receipt: %w", err)
	}
	return nil
}

func (r *repository) GetReceipt(ctx context.Context, eventID string) (*WebhookReceipt, error) {
	var receipt WebhookReceipt
	err := r.db.WithContext(ctx).First(&receipt, "event_id = ?", eventID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get webhook receipt: %w", err)
	}
	return &receipt, nil
}

func (r *repository) MarkReceiptProcessed(ctx context.Context, eventID string, outcome *Outcome) error {
	err := r.db.WithContext(ctx).
		Model(&WebhookReceipt{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processed":        true,
			"processing_error": nil,
			"outcome":          outcome,
			"processed_at":     time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("mark webhook receipt processed: %w", err)
	}
	return nil
}

func (r *repository) RecordReceiptError(ctx context.Context, eventID string, procErr error) error {
	errStr := procErr.Error()
	// Processed stays false so a redelivery retries handling.
	err := r.db.WithContext(ctx).
		Model(&WebhookReceipt{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processing_error": errStr,
			"processed_at":     time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("record webhook receipt error: %w", err)
	}
	return nil
}
