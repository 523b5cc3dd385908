// Package gateway is the typed HTTP client for the card-payment processor's
// REST API, plus the webhook signature verifier. It talks to the processor in
// integer minor units and maps transport and API failures into a typed error
// taxonomy; persistence of what it returns is the caller's responsibility.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/iretipos/server/internal/module/payment/money"
	"github.com/iretipos/server/internal/shared/metrics"
)

// DefaultBaseURL is the processor's REST API base.
const DefaultBaseURL = "https://api.stripe.com/v1"

const (
	defaultTimeout    = 30 * time.Second
	defaultAPIVersion = "2024-06-20"
)

// Config holds gateway client configuration.
type Config struct {
	SecretKey  string
	BaseURL    string        // defaults to DefaultBaseURL
	APIVersion string        // defaults to defaultAPIVersion
	Timeout    time.Duration // per-call timeout, defaults to 30s
}

// Client issues authenticated calls to the processor. It is safe for
// concurrent use; all mutable state is per-call.
type Client struct {
	baseURL    string
	secretKey  string
	apiVersion string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewClient constructs a gateway client. It fails fast with
// ConfigurationError when the credential is absent or does not look like a
// test/live secret key.
func NewClient(cfg *Config, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if cfg == nil || cfg.SecretKey == "" {
		return nil, &ConfigurationError{Reason: "secret key not configured"}
	}
	if !strings.HasPrefix(cfg.SecretKey, "sk_test_") && !strings.HasPrefix(cfg.SecretKey, "sk_live_") {
		return nil, &ConfigurationError{Reason: "secret key must start with 'sk_test_' or 'sk_live_'"}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "processor-api",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  cfg.SecretKey,
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		metrics:    m,
		logger:     logger,
	}, nil
}

// CreatePaymentIntent creates a payment intent. The amount is validated
// before any network call; money.ErrInvalidAmount is returned unwrapped so
// callers can tell caller input errors from upstream failures.
func (c *Client) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	cents, err := money.ToMinorUnits(params.Amount)
	if err != nil {
		return nil, err
	}
	if err := params.Metadata.Validate(); err != nil {
		return nil, err
	}

	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}
	methodTypes := params.PaymentMethodTypes
	if len(methodTypes) == 0 {
		methodTypes = []string{"card"}
	}
	captureMethod := params.CaptureMethod
	if captureMethod == "" {
		captureMethod = "automatic"
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(cents, 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("capture_method", captureMethod)
	for i, pmt := range methodTypes {
		form.Set(fmt.Sprintf("payment_method_types[%d]", i), pmt)
	}
	encodeMetadata(form, params.Metadata)

	var intent PaymentIntent
	if err := c.do(ctx, "create_payment_intent", http.MethodPost, "/payment_intents", form, params.IdempotencyKey, &intent); err != nil {
		return nil, &PaymentIntentError{*c.apiError("create payment intent", err)}
	}
	c.logger.Info("created payment intent",
		zap.String("payment_intent_id", intent.ID),
		zap.Int64("amount", intent.Amount),
		zap.String("currency", intent.Currency),
	)
	return &intent, nil
}

// RetrievePaymentIntent fetches the current state of a payment intent.
func (c *Client) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, "retrieve_payment_intent", http.MethodGet, "/payment_intents/"+id, nil, "", &intent); err != nil {
		return nil, &PaymentIntentError{*c.apiError("retrieve payment intent", err)}
	}
	return &intent, nil
}

// ConfirmPaymentIntent confirms a payment intent to complete the payment.
func (c *Client) ConfirmPaymentIntent(ctx context.Context, id string, idempotencyKey string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, "confirm_payment_intent", http.MethodPost, "/payment_intents/"+id+"/confirm", url.Values{}, idempotencyKey, &intent); err != nil {
		return nil, &PaymentIntentError{*c.apiError("confirm payment intent", err)}
	}
	return &intent, nil
}

// CapturePaymentIntent captures a manually-captured payment intent. A nil
// amount captures the full authorized amount.
func (c *Client) CapturePaymentIntent(ctx context.Context, id string, amount *decimal.Decimal, idempotencyKey string) (*PaymentIntent, error) {
	form := url.Values{}
	if amount != nil {
		cents, err := money.ToMinorUnits(*amount)
		if err != nil {
			return nil, err
		}
		form.Set("amount_to_capture", strconv.FormatInt(cents, 10))
	}

	var intent PaymentIntent
	if err := c.do(ctx, "capture_payment_intent", http.MethodPost, "/payment_intents/"+id+"/capture", form, idempotencyKey, &intent); err != nil {
		return nil, &PaymentIntentError{*c.apiError("capture payment intent", err)}
	}
	return &intent, nil
}

// CancelPaymentIntent cancels a payment intent that has not succeeded.
func (c *Client) CancelPaymentIntent(ctx context.Context, id string, idempotencyKey string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, "cancel_payment_intent", http.MethodPost, "/payment_intents/"+id+"/cancel", url.Values{}, idempotencyKey, &intent); err != nil {
		return nil, &PaymentIntentError{*c.apiError("cancel payment intent", err)}
	}
	return &intent, nil
}

// CreateRefund creates a refund against a payment intent. For a full refund
// the amount field is omitted entirely, never sent as zero. No local record
// is created here; the caller decides whether to persist a failed attempt.
func (c *Client) CreateRefund(ctx context.Context, params CreateRefundParams) (*Refund, error) {
	if err := params.Metadata.Validate(); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("payment_intent", params.PaymentIntentID)
	if params.Amount != nil {
		cents, err := money.ToMinorUnits(*params.Amount)
		if err != nil {
			return nil, err
		}
		form.Set("amount", strconv.FormatInt(cents, 10))
	}
	if params.Reason != "" {
		form.Set("reason", params.Reason)
	}
	encodeMetadata(form, params.Metadata)

	var ref Refund
	if err := c.do(ctx, "create_refund", http.MethodPost, "/refunds", form, params.IdempotencyKey, &ref); err != nil {
		return nil, &RefundError{*c.apiError("create refund", err)}
	}
	c.logger.Info("created refund",
		zap.String("refund_id", ref.ID),
		zap.String("payment_intent_id", params.PaymentIntentID),
	)
	return &ref, nil
}

// CreateConnectionToken creates a connection token for terminal reader
// pairing, optionally scoped to a location.
func (c *Client) CreateConnectionToken(ctx context.Context, locationID string) (*ConnectionToken, error) {
	form := url.Values{}
	if locationID != "" {
		form.Set("location", locationID)
	}

	var token ConnectionToken
	if err := c.do(ctx, "create_connection_token", http.MethodPost, "/terminal/connection_tokens", form, "", &token); err != nil {
		return nil, &ConnectionTokenError{*c.apiError("create connection token", err)}
	}
	return &token, nil
}

// CreateTerminalLocation registers a terminal location with the processor.
func (c *Client) CreateTerminalLocation(ctx context.Context, displayName string, address Address) (*TerminalLocation, error) {
	form := url.Values{}
	form.Set("display_name", displayName)
	form.Set("address[line1]", address.Line1)
	if address.Line2 != "" {
		form.Set("address[line2]", address.Line2)
	}
	form.Set("address[city]", address.City)
	form.Set("address[state]", address.State)
	form.Set("address[postal_code]", address.PostalCode)
	form.Set("address[country]", address.Country)

	var loc TerminalLocation
	if err := c.do(ctx, "create_terminal_location", http.MethodPost, "/terminal/locations", form, "", &loc); err != nil {
		return nil, &TerminalError{*c.apiError("create terminal location", err)}
	}
	return &loc, nil
}

// do issues one request to the processor. form may be nil for GET. A non-2xx
// response or transport failure is returned as a raw *APIError for the typed
// wrappers above. Each call is recorded under op's operation label.
func (c *Client) do(ctx context.Context, op, method, endpoint string, form url.Values, idempotencyKey string, out any) error {
	start := time.Now()
	result := "network_error"
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordProcessorCall(op, result, time.Since(start))
		}
	}()

	var body io.Reader
	if method != http.MethodGet && form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return &APIError{Message: err.Error(), Network: true, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Stripe-Version", c.apiVersion)
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		// Breaker-open and transport failures are both retryable from the
		// caller's perspective; idempotency keys make the retry safe.
		return &APIError{Message: err.Error(), Network: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Message: err.Error(), Network: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result = "api_error"
		procErr := decodeProcessorError(data)
		c.logger.Error("processor API error",
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", procErr.Type),
			zap.String("error_code", procErr.Code),
		)
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       procErr.Code,
			Message:    procErr.Message,
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			result = "api_error"
			return &APIError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("decode response: %v", err),
				Err:        err,
			}
		}
	}
	result = "success"
	return nil
}

// apiError fills in the operation name on a raw *APIError from do.
func (c *Client) apiError(op string, err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		apiErr.Op = op
		return apiErr
	}
	return &APIError{Op: op, Message: err.Error(), Err: err}
}

func decodeProcessorError(data []byte) ProcessorError {
	var body struct {
		Error ProcessorError `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error.Message == "" {
		body.Error.Message = "unexpected processor response"
	}
	return body.Error
}

func encodeMetadata(form url.Values, m Metadata) {
	for k, v := range m {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
}
