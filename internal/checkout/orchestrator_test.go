package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-pay/internal/events"
	"github.com/noah-isme/checkout-pay/internal/lock"
	"github.com/noah-isme/checkout-pay/internal/payment"
	"github.com/noah-isme/checkout-pay/internal/processor"
	"github.com/noah-isme/checkout-pay/internal/repo"
	"github.com/noah-isme/checkout-pay/internal/resilience"
	"github.com/noah-isme/checkout-pay/internal/session"
	"github.com/noah-isme/checkout-pay/internal/strategy"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scripted returns its results in order, repeating the last one.
type scripted struct {
	mu      sync.Mutex
	results []payment.Result
	calls   int
}

func (s *scripted) Method() payment.Method { return payment.MethodGatewayRedirect }
func (s *scripted) IsAvailable(context.Context) bool { return true }
func (s *scripted) Validate(payment.LocalState, json.RawMessage) *payment.Error {
	return nil
}

func (s *scripted) Process(context.Context, payment.LocalState, json.RawMessage) (payment.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i], nil
}

type topicLog struct {
	mu     sync.Mutex
	topics []string
}

func (l *topicLog) handler(_ context.Context, ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.topics = append(l.topics, ev.Topic)
	return nil
}

func (l *topicLog) has(topic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.topics {
		if t == topic {
			return true
		}
	}
	return false
}

type harness struct {
	orch  *Orchestrator
	store *repo.Store
	mem   *repo.Memory
	proc  *processor.Processor
	bus   *events.Bus
	clock *fakeClock
	log   *topicLog
}

func (h *harness) settle() {
	h.proc.Wait()
	h.bus.Wait()
}

func newHarness(t *testing.T, s strategy.Strategy) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	mem := repo.NewMemory(repo.Options{
		Retry:  resilience.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }},
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})
	store := mem.Store()
	sessions := session.NewManager(session.New(session.Options{
		Namespace: "test",
		Primary:   session.RedisBackend{R: rdb},
		Fallback:  session.NewMemoryBackend(16, time.Hour),
		Logger:    zerolog.Nop(),
		Now:       clock.Now,
	}))
	proc := processor.New(processor.Options{
		Registry: strategy.NewRegistry(s),
		Payments: store.Payments,
		Attempts: store.Attempts,
		Logger:   zerolog.Nop(),
	})
	log := &topicLog{}
	bus := &events.Bus{Logger: zerolog.Nop()}
	for _, topic := range events.DefaultTopics() {
		bus.On(topic, log.handler)
	}
	orch, err := New(Options{
		Sessions:    sessions,
		Store:       store,
		Processor:   proc,
		Hooks:       bus,
		Locker:      lock.Locker{R: rdb, RetryBackoff: time.Millisecond},
		Logger:      zerolog.Nop(),
		Now:         clock.Now,
		BusinessID:  "biz-1",
		Currencies:  []string{"usd", "eur"},
		MaxAttempts: 2,
		IntentTTL:   15 * time.Minute,
	})
	require.NoError(t, err)
	return &harness{orch: orch, store: store, mem: mem, proc: proc, bus: bus, clock: clock, log: log}
}

func initInput() InitInput {
	return InitInput{
		Amount:        decimal.RequireFromString("30.00"),
		Currency:      "usd",
		CustomerEmail: "buyer@example.com",
		CheckoutData: payment.CheckoutData{
			Items: []payment.CheckoutItem{
				{ProductID: "sku-1", Quantity: 3, UnitPrice: decimal.RequireFromString("10.00")},
			},
			Subtotal:        decimal.RequireFromString("30.00"),
			UserID:          "user-9",
			ShippingAddress: payment.Address{Line1: "1 Main St", City: "Springfield", Country: "US"},
		},
	}
}

func completedResult() payment.Result {
	return payment.Result{
		Success:       true,
		Status:        payment.StatusCompleted,
		TransactionID: "hp_1",
		RedirectURL:   "https://pay.example/hp_1",
	}
}

func TestInitializePaymentValidates(t *testing.T) {
	h := newHarness(t, &scripted{results: []payment.Result{completedResult()}})
	ctx := context.Background()

	_, err := h.orch.InitializePayment(ctx, "", initInput())
	require.ErrorIs(t, err, ErrInvalidInput)

	in := initInput()
	in.Amount = decimal.Zero
	_, err = h.orch.InitializePayment(ctx, "sess-1", in)
	require.ErrorIs(t, err, ErrInvalidInput)

	in = initInput()
	in.Currency = "JPY"
	_, err = h.orch.InitializePayment(ctx, "sess-1", in)
	require.ErrorIs(t, err, ErrInvalidInput)

	in = initInput()
	in.CheckoutData.Items = nil
	_, err = h.orch.InitializePayment(ctx, "sess-1", in)
	require.ErrorIs(t, err, ErrInvalidInput)

	in = initInput()
	in.CustomerEmail = "not-an-email"
	_, err = h.orch.InitializePayment(ctx, "sess-1", in)
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Nil(t, h.orch.GetCurrentState(ctx, "sess-1"))
}

func TestHappyPathCreatesOrder(t *testing.T) {
	h := newHarness(t, &scripted{results: []payment.Result{completedResult()}})
	ctx := context.Background()

	intent, err := h.orch.InitializePayment(ctx, "sess-1", initInput())
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, intent.Status)
	require.Equal(t, "USD", intent.Currency)
	require.Equal(t, "biz-1", intent.BusinessID)
	require.NotNil(t, intent.ExpiresAt)

	st := h.orch.GetCurrentState(ctx, "sess-1")
	require.NotNil(t, st)
	require.Equal(t, payment.StepInit, st.CurrentStep)

	res := h.orch.ProcessPayment(ctx, "sess-1", payment.MethodGatewayRedirect, nil)
	h.settle()
	require.True(t, res.Success)
	require.Equal(t, "https://pay.example/hp_1", res.RedirectURL)

	st = h.orch.GetCurrentState(ctx, "sess-1")
	require.NotNil(t, st)
	require.Equal(t, payment.StepComplete, st.CurrentStep)
	require.Equal(t, payment.StatusCompleted, st.Intent.Status)
	require.Equal(t, "hp_1", st.Intent.Metadata["transactionId"])

	rec := h.store.Payments.Get(ctx, intent.ID)
	require.True(t, rec.Success)
	require.Equal(t, payment.StatusCompleted, rec.Data.Status)
	require.Equal(t, "hp_1", rec.Data.HPPaymentID)
	orderID := rec.Data.OrderID()
	require.NotEmpty(t, orderID)

	order := h.store.Orders.Get(ctx, orderID)
	require.True(t, order.Success)
	require.Equal(t, payment.OrderCompleted, order.Data.Status)
	require.True(t, decimal.RequireFromString("30").Equal(order.Data.TotalAmount))
	require.Len(t, order.Data.Items, 1)

	attempts := h.store.Attempts.ListByPayment(ctx, intent.ID)
	require.True(t, attempts.Success)
	require.Len(t, attempts.Data, 1)

	for _, topic := range []string{events.TopicPaymentCreated, events.TopicPaymentProcessing, events.TopicPaymentCompleted} {
		require.True(t, h.log.has(topic), topic)
	}

	again := h.orch.ProcessPayment(ctx, "sess-1", payment.MethodGatewayRedirect, nil)
	require.Equal(t, payment.CodeAlreadyCompleted, again.Error.Code)
}

func TestFailuresExhaustRetryBudget(t *testing.T) {
	declined := payment.Failed(payment.CodeGatewayDown, "gateway unavailable", true)
	h := newHarness(t, &scripted{results: []payment.Result{declined}})
	ctx := context.Background()

	intent, err := h.orch.InitializePayment(ctx, "sess-2", initInput())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res := h.orch.ProcessPayment(ctx, "sess-2", payment.MethodGatewayRedirect, nil)
		h.settle()
		require.Equal(t, payment.CodeGatewayDown, res.Error.Code)
	}
	st := h.orch.GetCurrentState(ctx, "sess-2")
	require.NotNil(t, st)
	require.Equal(t, 2, st.AttemptCount)
	require.Equal(t, payment.StepError, st.CurrentStep)
	require.Equal(t, "gateway unavailable", st.LastError)

	res := h.orch.ProcessPayment(ctx, "sess-2", payment.MethodGatewayRedirect, nil)
	require.Equal(t, payment.CodeRetryLimit, res.Error.Code)
	require.False(t, res.Error.Retryable)

	rec := h.store.Payments.Get(ctx, intent.ID)
	require.True(t, rec.Success)
	require.Equal(t, payment.StatusFailed, rec.Data.Status)
	require.NotEmpty(t, rec.Data.ErrorLog)
	require.Empty(t, rec.Data.OrderID())

	attempts := h.store.Attempts.ListByPayment(ctx, intent.ID)
	require.Len(t, attempts.Data, 2)
	require.Equal(t, 2, attempts.Data[1].AttemptNumber)
	require.True(t, h.log.has(events.TopicPaymentFailed))

	v := h.orch.ValidateRecovery(ctx, "sess-2")
	require.False(t, v.CanRecover)
	require.Equal(t, session.ReasonTerminalStatus, v.Reason)
}

func TestProcessWithoutSession(t *testing.T) {
	h := newHarness(t, &scripted{results: []payment.Result{completedResult()}})
	res := h.orch.ProcessPayment(context.Background(), "missing", payment.MethodGatewayRedirect, nil)
	require.False(t, res.Success)
	require.Equal(t, payment.CodeNoSession, res.Error.Code)
	require.False(t, res.Error.Retryable)
}

func TestExpiredIntentIsRejected(t *testing.T) {
	s := &scripted{results: []payment.Result{completedResult()}}
	h := newHarness(t, s)
	ctx := context.Background()

	intent, err := h.orch.InitializePayment(ctx, "sess-3", initInput())
	require.NoError(t, err)
	h.clock.Advance(20 * time.Minute)

	res := h.orch.ProcessPayment(ctx, "sess-3", payment.MethodGatewayRedirect, nil)
	require.Equal(t, payment.CodeSessionExpired, res.Error.Code)
	require.Zero(t, s.calls)
	require.Nil(t, h.orch.GetCurrentState(ctx, "sess-3"))

	rec := h.store.Payments.Get(ctx, intent.ID)
	require.Equal(t, payment.StatusExpired, rec.Data.Status)
}

func TestCancelPayment(t *testing.T) {
	h := newHarness(t, &scripted{results: []payment.Result{completedResult()}})
	ctx := context.Background()

	require.NoError(t, h.orch.CancelPayment(ctx, "nobody", "changed mind"))

	intent, err := h.orch.InitializePayment(ctx, "sess-4", initInput())
	require.NoError(t, err)
	require.NotNil(t, h.orch.RecoverPayment(ctx, "sess-4"))

	require.NoError(t, h.orch.CancelPayment(ctx, "sess-4", "changed mind"))
	h.settle()

	require.Nil(t, h.orch.GetCurrentState(ctx, "sess-4"))
	require.Nil(t, h.orch.RecoverPayment(ctx, "sess-4"))
	rec := h.store.Payments.Get(ctx, intent.ID)
	require.Equal(t, payment.StatusCancelled, rec.Data.Status)
	require.Equal(t, "changed mind", rec.Data.Metadata["cancel_reason"])
	require.True(t, h.log.has(events.TopicPaymentCancelled))
}

func TestInitializeSurvivesDatabaseOutage(t *testing.T) {
	h := newHarness(t, &scripted{results: []payment.Result{completedResult()}})
	h.mem.InjectFault("payments.create", errors.New("connection refused"), 10)
	ctx := context.Background()

	intent, err := h.orch.InitializePayment(ctx, "sess-5", initInput())
	require.NoError(t, err)
	require.NotNil(t, h.orch.GetCurrentState(ctx, "sess-5"))

	rec := h.store.Payments.Get(ctx, intent.ID)
	require.True(t, rec.Is(repo.CodeNotFound))
}
