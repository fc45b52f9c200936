package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one lifecycle notification.
type Event struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	SessionID  string          `json:"sessionId,omitempty"`
	PaymentID  string          `json:"paymentId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Handler reacts to a single topic.
type Handler func(ctx context.Context, ev Event) error

// Notifier reacts to every emitted event (e.g. email, metrics, etc.).
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Bus fans lifecycle events out to registered handlers. Delivery is fire and
// forget: each handler runs on its own goroutine with a detached context, and
// errors or panics are logged without reaching the emitter.
type Bus struct {
	Logger    zerolog.Logger
	Notifiers []Notifier
	Timeout   time.Duration

	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
}

// On registers h for topic.
func (b *Bus) On(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = map[string][]Handler{}
	}
	topic = strings.TrimSpace(topic)
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Emit builds the event and schedules delivery. The returned error only
// reports an invalid topic or payload; delivery failures are never returned.
func (b *Bus) Emit(ctx context.Context, topic, sessionID, paymentID string, payload any) (Event, error) {
	if b == nil {
		return Event{}, errors.New("events: bus not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Event{}, errors.New("events: topic is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode payload: %w", err)
	}
	ev := Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		SessionID:  sessionID,
		PaymentID:  paymentID,
		Payload:    encoded,
		OccurredAt: time.Now().UTC(),
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[topic])+len(b.Notifiers))
	targets = append(targets, b.handlers[topic]...)
	b.mu.RUnlock()
	for _, n := range b.Notifiers {
		if n != nil {
			targets = append(targets, n.Notify)
		}
	}

	detached := context.WithoutCancel(ctx)
	for _, h := range targets {
		b.wg.Add(1)
		go b.deliver(detached, h, ev)
	}
	return ev, nil
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Error().
				Str("topic", ev.Topic).
				Str("event_id", ev.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("event_handler_panic")
		}
	}()
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	if err := h(ctx, ev); err != nil {
		b.Logger.Warn().Err(err).Str("topic", ev.Topic).Str("event_id", ev.ID).Msg("event_handler_failed")
	}
}

// Wait blocks until every scheduled delivery has finished.
func (b *Bus) Wait() {
	if b == nil {
		return
	}
	b.wg.Wait()
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	switch v := payload.(type) {
	case []byte:
		return rawJSON(v)
	case json.RawMessage:
		return rawJSON(v)
	case string:
		if strings.TrimSpace(v) == "" {
			return []byte("{}"), nil
		}
		return rawJSON([]byte(v))
	default:
		return json.Marshal(v)
	}
}

func rawJSON(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(v) {
		return nil, errors.New("payload is not valid json")
	}
	return append([]byte(nil), v...), nil
}
