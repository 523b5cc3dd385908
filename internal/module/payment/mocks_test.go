package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iretipos/server/internal/module/payment/gateway"
	"github.com/iretipos/server/internal/shared/metrics"
)

// fakeRepo is an in-memory Repository. It reproduces the two behaviors the
// real one gets from Postgres: the unique event id constraint and the refund
// sum aggregate.
type fakeRepo struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]*PaymentTransaction
	refunds      map[uuid.UUID]*PaymentRefund
	receipts     map[string]*WebhookReceipt
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		transactions: make(map[uuid.UUID]*PaymentTransaction),
		refunds:      make(map[uuid.UUID]*PaymentRefund),
		receipts:     make(map[string]*WebhookReceipt),
	}
}

func (f *fakeRepo) CreateTransaction(_ context.Context, tx *PaymentTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	cp := *tx
	f.transactions[tx.ID] = &cp
	return nil
}

func (f *fakeRepo) GetTransaction(_ context.Context, id uuid.UUID) (*PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeRepo) GetTransactionByIntentID(_ context.Context, intentID string) (*PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.transactions {
		if tx.ProcessorIntentID != nil && *tx.ProcessorIntentID == intentID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (f *fakeRepo) UpdateTransaction(_ context.Context, tx *PaymentTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *tx
	f.transactions[tx.ID] = &cp
	return nil
}

func (f *fakeRepo) CreateRefund(_ context.Context, ref *PaymentRefund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now()
	}
	cp := *ref
	f.refunds[ref.ID] = &cp
	return nil
}

func (f *fakeRepo) GetRefund(_ context.Context, id uuid.UUID) (*PaymentRefund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	cp := *ref
	return &cp, nil
}

func (f *fakeRepo) GetRefundByProcessorID(_ context.Context, refundID string) (*PaymentRefund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ref := range f.refunds {
		if ref.ProcessorRefundID != nil && *ref.ProcessorRefundID == refundID {
			cp := *ref
			return &cp, nil
		}
	}
	return nil, ErrRefundNotFound
}

func (f *fakeRepo) UpdateRefund(_ context.Context, ref *PaymentRefund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ref
	f.refunds[ref.ID] = &cp
	return nil
}

func (f *fakeRepo) ListRefunds(_ context.Context, transactionID uuid.UUID) ([]*PaymentRefund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*PaymentRefund
	for _, ref := range f.refunds {
		if ref.PaymentTransactionID == transactionID {
			cp := *ref
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) SumRefunds(_ context.Context, transactionID uuid.UUID, statuses []RefundStatus, exclude *uuid.UUID) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, ref := range f.refunds {
		if ref.PaymentTransactionID != transactionID {
			continue
		}
		if exclude != nil && ref.ID == *exclude {
			continue
		}
		for _, s := range statuses {
			if ref.Status == s {
				total = total.Add(ref.Amount)
				break
			}
		}
	}
	return total, nil
}

func (f *fakeRepo) CreateReceipt(_ context.Context, receipt *WebhookReceipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.receipts[receipt.EventID]; exists {
		return ErrDuplicateEvent
	}
	if receipt.ID == uuid.Nil {
		receipt.ID = uuid.New()
	}
	receipt.CreatedAt = time.Now()
	cp := *receipt
	f.receipts[receipt.EventID] = &cp
	return nil
}

func (f *fakeRepo) GetReceipt(_ context.Context, eventID string) (*WebhookReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[eventID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *receipt
	return &cp, nil
}

func (f *fakeRepo) MarkReceiptProcessed(_ context.Context, eventID string, outcome *Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[eventID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	receipt.Processed = true
	receipt.ProcessingError = nil
	receipt.Outcome = outcome
	receipt.ProcessedAt = &now
	return nil
}

func (f *fakeRepo) RecordReceiptError(_ context.Context, eventID string, procErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[eventID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	msg := procErr.Error()
	receipt.ProcessingError = &msg
	receipt.ProcessedAt = &now
	return nil
}

// mockGateway is a testify mock of the processor surface.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreatePaymentIntent(ctx context.Context, params gateway.CreatePaymentIntentParams) (*gateway.PaymentIntent, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.PaymentIntent), args.Error(1)
}

func (m *mockGateway) RetrievePaymentIntent(ctx context.Context, id string) (*gateway.PaymentIntent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.PaymentIntent), args.Error(1)
}

func (m *mockGateway) ConfirmPaymentIntent(ctx context.Context, id string, idempotencyKey string) (*gateway.PaymentIntent, error) {
	args := m.Called(ctx, id, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.PaymentIntent), args.Error(1)
}

func (m *mockGateway) CapturePaymentIntent(ctx context.Context, id string, amount *decimal.Decimal, idempotencyKey string) (*gateway.PaymentIntent, error) {
	args := m.Called(ctx, id, amount, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.PaymentIntent), args.Error(1)
}

func (m *mockGateway) CancelPaymentIntent(ctx context.Context, id string, idempotencyKey string) (*gateway.PaymentIntent, error) {
	args := m.Called(ctx, id, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.PaymentIntent), args.Error(1)
}

func (m *mockGateway) CreateRefund(ctx context.Context, params gateway.CreateRefundParams) (*gateway.Refund, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Refund), args.Error(1)
}

func (m *mockGateway) CreateConnectionToken(ctx context.Context, locationID string) (*gateway.ConnectionToken, error) {
	args := m.Called(ctx, locationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.ConnectionToken), args.Error(1)
}

func (m *mockGateway) CreateTerminalLocation(ctx context.Context, displayName string, address gateway.Address) (*gateway.TerminalLocation, error) {
	args := m.Called(ctx, displayName, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.TerminalLocation), args.Error(1)
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func newTestService(repo Repository, gw GatewayAPI) *Service {
	return NewService(repo, gw, testMetrics(), zap.NewNop())
}

func newTestDispatcher(repo Repository) *Dispatcher {
	return NewDispatcher(repo, nil, testMetrics(), zap.NewNop())
}
