// Package gateway is the HTTP client for the external crypto-payment processor.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/resilience"
)

// ErrNotConfigured is returned when credentials are missing.
var ErrNotConfigured = errors.New("gateway: client not configured")

// ErrMalformedResponse is returned when a 2xx body cannot be understood.
var ErrMalformedResponse = errors.New("gateway: malformed response")

// APIError is a rejection (4xx) from the gateway. Resending the same request
// will not help.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: rejected with status %d: %s", e.StatusCode, e.Message)
}

// Rejected reports whether err is a definitive gateway rejection.
func Rejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Config holds gateway credentials and transport settings.
type Config struct {
	APIKey      string
	BusinessID  string
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	Breaker     *resilience.Breaker
	HTTPClient  *http.Client
}

// Client talks to the payment gateway REST API.
type Client struct {
	cfg  Config
	http resilience.HTTPClient
}

// New builds a client. Requests go through the resilience wrapper and an
// instrumented transport.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.hoodpay.io"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("gateway")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		cfg: cfg,
		http: resilience.HTTPClient{
			Client:      hc,
			Breaker:     cfg.Breaker,
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: cfg.MaxAttempts,
			Jitter:      0.2,
			Timeout:     cfg.Timeout,
		},
	}
}

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != "" && c.cfg.BusinessID != ""
}

// BusinessID returns the merchant identifier payments are created under.
func (c *Client) BusinessID() string {
	if c == nil {
		return ""
	}
	return c.cfg.BusinessID
}

// CreatePaymentRequest describes a hosted payment to create.
type CreatePaymentRequest struct {
	Amount        decimal.Decimal
	Currency      string
	Name          string
	Description   string
	CustomerEmail string
	RedirectURL   string
	NotifyURL     string
	Metadata      map[string]any
}

// CreatePaymentResponse is the gateway's answer to a create call.
type CreatePaymentResponse struct {
	ID  string
	URL string
	Raw json.RawMessage
}

type createPaymentBody struct {
	Amount        json.Number    `json:"amount"`
	Currency      string         `json:"currency"`
	Name          string         `json:"name,omitempty"`
	Description   string         `json:"description,omitempty"`
	CustomerEmail string         `json:"customerEmail,omitempty"`
	RedirectURL   string         `json:"redirectUrl,omitempty"`
	NotifyURL     string         `json:"notifyUrl,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type createPaymentEnvelope struct {
	Data struct {
		ID  json.RawMessage `json:"id"`
		URL string          `json:"url"`
	} `json:"data"`
	Message string `json:"message"`
}

// CreatePayment registers a payment with the gateway and returns its id and
// the hosted checkout URL.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (resp CreatePaymentResponse, err error) {
	if !c.Configured() {
		return CreatePaymentResponse{}, ErrNotConfigured
	}
	ctx, span := otel.Tracer("gateway.Client").Start(ctx, "Client.CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.currency", req.Currency))
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case err == nil:
		case Rejected(err):
			result = "rejected"
		default:
			result = "error"
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		obs.ObserveGateway("create_payment", result, obs.DurationMillis(time.Since(start)))
	}()

	body, err := json.Marshal(createPaymentBody{
		Amount:        json.Number(req.Amount.String()),
		Currency:      req.Currency,
		Name:          req.Name,
		Description:   req.Description,
		CustomerEmail: req.CustomerEmail,
		RedirectURL:   req.RedirectURL,
		NotifyURL:     req.NotifyURL,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return CreatePaymentResponse{}, fmt.Errorf("gateway: encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/businesses/%s/payments", c.cfg.BaseURL, url.PathEscape(c.cfg.BusinessID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return CreatePaymentResponse{}, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(ctx, httpReq)
	if err != nil {
		return CreatePaymentResponse{}, fmt.Errorf("gateway: create payment: %w", err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return CreatePaymentResponse{}, fmt.Errorf("gateway: read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	var env createPaymentEnvelope
	decodeErr := json.Unmarshal(raw, &env)
	if httpResp.StatusCode >= 400 {
		msg := strings.TrimSpace(env.Message)
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return CreatePaymentResponse{}, &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}
	id := idString(env.Data.ID)
	if decodeErr != nil || id == "" {
		return CreatePaymentResponse{}, ErrMalformedResponse
	}
	return CreatePaymentResponse{ID: id, URL: env.Data.URL, Raw: json.RawMessage(raw)}, nil
}

// idString accepts ids sent either as JSON strings or numbers.
func idString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}
