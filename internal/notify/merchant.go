// Package notify fans payment outcomes out of the request path: signed
// lifecycle callbacks to the merchant and "payment succeeded" emails run
// through asynq.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/checkout-pay/internal/events"
	"github.com/noah-isme/checkout-pay/internal/obs"
	"github.com/noah-isme/checkout-pay/internal/resilience"
)

// MerchantNotifier posts lifecycle events to the merchant's callback URL. It
// implements events.Notifier.
type MerchantNotifier struct {
	URL       string
	Secret    string
	HTTP      resilience.HTTPClient
	Topics    map[string]bool
	Replay    ReplayProtector
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// Notify delivers ev when its topic is enabled. Topics default to all.
func (n MerchantNotifier) Notify(ctx context.Context, ev events.Event) error {
	if strings.TrimSpace(n.URL) == "" {
		return nil
	}
	if n.Topics != nil && !n.Topics[ev.Topic] {
		return nil
	}
	status, err := n.Deliver(ctx, ev)
	switch {
	case err != nil:
		obs.ObserveNotify("merchant", "error")
		return err
	case status < 200 || status >= 300:
		obs.ObserveNotify("merchant", "rejected")
		return fmt.Errorf("merchant callback responded %d", status)
	}
	obs.ObserveNotify("merchant", "delivered")
	return nil
}

// Deliver performs one signed POST (with the client's retries) and returns
// the final HTTP status.
func (n MerchantNotifier) Deliver(ctx context.Context, ev events.Event) (int, error) {
	if n.HTTP.Client == nil {
		n.HTTP.Client = HTTPClient(5000, false)
	}
	ctx, span := otel.Tracer("notify.MerchantNotifier").Start(ctx, "MerchantNotifier.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("notify.topic", ev.Topic),
		attribute.String("notify.event_id", ev.ID),
		attribute.String("payment.id", ev.PaymentID),
	)
	if err := validateURL(n.URL); err != nil {
		span.RecordError(err)
		return 0, err
	}
	body, err := json.Marshal(struct {
		EventID    string          `json:"eventId"`
		Topic      string          `json:"topic"`
		SessionID  string          `json:"sessionId,omitempty"`
		PaymentID  string          `json:"paymentId,omitempty"`
		Data       json.RawMessage `json:"data"`
		OccurredAt time.Time       `json:"occurredAt"`
	}{
		EventID:    ev.ID,
		Topic:      ev.Topic,
		SessionID:  ev.SessionID,
		PaymentID:  ev.PaymentID,
		Data:       ev.Payload,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if n.Replay != nil && n.ReplayTTL > 0 {
		ok, err := n.Replay.Acquire(ctx, "notify:merchant:"+ev.ID, n.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			return http.StatusOK, nil
		}
	}
	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "checkout-pay-callbacks/1.0")
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(n.Secret, ts, ev.ID, body))
	resp, err := n.HTTP.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		n.release(ctx, ev.ID)
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		n.release(ctx, ev.ID)
		n.Logger.Warn().Int("status", resp.StatusCode).Str("topic", ev.Topic).Str("event_id", ev.ID).Msg("merchant_callback_rejected")
	}
	return resp.StatusCode, nil
}

func (n MerchantNotifier) release(ctx context.Context, eventID string) {
	if n.Replay != nil && n.ReplayTTL > 0 {
		_ = n.Replay.Release(ctx, "notify:merchant:"+eventID)
	}
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid callback url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("callback url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("callback url must include host")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http callbacks only allowed for localhost")
		}
	}
	return nil
}

// ComputeSignature calculates the callback signature. The format is
// HMAC-SHA256 over "<ts>.<eventID>.<body>" using the merchant secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns an HTTP client configured for callback delivery.
func HTTPClient(timeoutMs int, insecure bool) *http.Client {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = insecureTLSConfig
	}
	return &http.Client{
		Timeout:   time.Duration(timeoutMs) * time.Millisecond,
		Transport: otelhttp.NewTransport(transport),
	}
}

var insecureTLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
