package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Metadata is a bounded key/value map attached to processor resources.
// Bounds keep webhook payloads and ledger rows from growing without limit.
type Metadata map[string]string

const (
	maxMetadataKeys     = 20
	maxMetadataKeyLen   = 40
	maxMetadataValueLen = 500
)

// Validate checks the metadata bounds.
func (m Metadata) Validate() error {
	if len(m) > maxMetadataKeys {
		return fmt.Errorf("metadata: too many keys (%d > %d)", len(m), maxMetadataKeys)
	}
	for k, v := range m {
		if k == "" || len(k) > maxMetadataKeyLen {
			return fmt.Errorf("metadata: invalid key %q", k)
		}
		if len(v) > maxMetadataValueLen {
			return fmt.Errorf("metadata: value for %q exceeds %d bytes", k, maxMetadataValueLen)
		}
	}
	return nil
}

// PaymentIntent is the processor's payment-intent resource as echoed back by
// the API. Amounts are in integer minor units.
type PaymentIntent struct {
	ID               string         `json:"id"`
	ClientSecret     string         `json:"client_secret"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	Status           string         `json:"status"`
	CaptureMethod    string         `json:"capture_method"`
	Metadata         Metadata       `json:"metadata"`
	LastPaymentError *ProcessorError `json:"last_payment_error"`
	Created          int64          `json:"created"`
}

// Refund is the processor's refund resource.
type Refund struct {
	ID            string   `json:"id"`
	PaymentIntent string   `json:"payment_intent"`
	Amount        int64    `json:"amount"`
	Currency      string   `json:"currency"`
	Status        string   `json:"status"`
	Reason        string   `json:"reason"`
	FailureReason string   `json:"failure_reason"`
	Metadata      Metadata `json:"metadata"`
}

// ConnectionToken pairs an in-person card reader with the processor.
type ConnectionToken struct {
	Secret   string `json:"secret"`
	Location string `json:"location"`
}

// TerminalLocation is a physical location registered for card readers.
type TerminalLocation struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Address     Address `json:"address"`
}

// Address holds the postal address for a terminal location.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// ProcessorError is the error object embedded in processor responses.
type ProcessorError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreatePaymentIntentParams are the inputs for creating a payment intent.
type CreatePaymentIntentParams struct {
	Amount             decimal.Decimal
	Currency           string
	PaymentMethodTypes []string
	CaptureMethod      string // "automatic" or "manual"
	Metadata           Metadata
	IdempotencyKey     string
}

// CreateRefundParams are the inputs for creating a refund. A nil Amount
// requests a full refund; the amount field is then omitted from the request.
type CreateRefundParams struct {
	PaymentIntentID string
	Amount          *decimal.Decimal
	Reason          string
	Metadata        Metadata
	IdempotencyKey  string
}
