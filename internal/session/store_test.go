package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("quota exceeded")
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("quota exceeded")
}
func (failingBackend) Delete(context.Context, ...string) error { return errors.New("quota exceeded") }
func (failingBackend) Keys(context.Context, string) ([]string, error) {
	return nil, errors.New("quota exceeded")
}

func newRedisStore(t *testing.T, clock *fakeClock) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := New(Options{
		Namespace: "test",
		Primary:   RedisBackend{R: rdb},
		Fallback:  NewMemoryBackend(16, time.Hour),
		Logger:    zerolog.Nop(),
		Now:       clock.Now,
	})
	return s, mr, rdb
}

func sampleState(id string) payment.LocalState {
	return payment.LocalState{
		SessionID: id,
		Intent: payment.Intent{
			ID:       "pay-" + id,
			Amount:   decimal.RequireFromString("42.00"),
			Currency: "USD",
			Status:   payment.StatusPending,
		},
		CurrentStep: payment.StepInit,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s, mr, _ := newRedisStore(t, clock)
	ctx := context.Background()

	require.True(t, s.Save(ctx, sampleState("a")))
	require.True(t, mr.Exists("test:a:state"))
	require.True(t, mr.Exists("test:a:recovery"))
	require.Equal(t, DefaultTimeout, mr.TTL("test:a:state"))

	got := s.Load(ctx, "a")
	require.NotNil(t, got)
	require.Equal(t, "pay-a", got.Intent.ID)
	require.True(t, got.Intent.Amount.Equal(decimal.RequireFromString("42")))
	require.True(t, clock.t.Equal(got.Timestamp))
}

func TestLoadFallsBackToRecoveryCopy(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s, mr, _ := newRedisStore(t, clock)
	ctx := context.Background()
	require.True(t, s.Save(ctx, sampleState("b")))

	require.NoError(t, mr.Set("test:b:state", "{not json"))
	got := s.Load(ctx, "b")
	require.NotNil(t, got)
	require.Equal(t, "pay-b", got.Intent.ID)

	mr.Del("test:b:state")
	require.NotNil(t, s.Load(ctx, "b"))
}

func TestExpiredStateIsClearedOnLoad(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s, mr, _ := newRedisStore(t, clock)
	ctx := context.Background()
	require.True(t, s.Save(ctx, sampleState("c")))

	clock.Advance(DefaultTimeout + time.Second)
	require.Nil(t, s.Load(ctx, "c"))
	require.False(t, mr.Exists("test:c:state"))
	require.False(t, mr.Exists("test:c:recovery"))
}

func TestSaveFallsBackWhenPrimaryFails(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := New(Options{
		Namespace: "test",
		Primary:   failingBackend{},
		Fallback:  NewMemoryBackend(16, time.Hour),
		Logger:    zerolog.Nop(),
		Now:       clock.Now,
	})
	ctx := context.Background()

	require.False(t, s.Save(ctx, sampleState("d")))
	got := s.Load(ctx, "d")
	require.NotNil(t, got, "state should be served from the fallback backend")
	require.Equal(t, "pay-d", got.Intent.ID)
}

func TestUpdateHelpersRequireActiveSession(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s, _, _ := newRedisStore(t, clock)
	ctx := context.Background()

	require.False(t, s.UpdateStep(ctx, "missing", payment.StepProcessing))
	require.False(t, s.RecordError(ctx, "missing", "boom"))
	require.False(t, s.UpdateIntent(ctx, "missing", func(i *payment.Intent) {}))

	require.True(t, s.Save(ctx, sampleState("e")))
	require.True(t, s.UpdateStep(ctx, "e", payment.StepDetailsEntry))
	require.True(t, s.RecordError(ctx, "e", "declined"))
	require.True(t, s.UpdateIntent(ctx, "e", func(i *payment.Intent) { i.CustomerEmail = "a@b.c" }))

	got := s.Load(ctx, "e")
	require.Equal(t, payment.StepDetailsEntry, got.CurrentStep)
	require.Equal(t, 1, got.AttemptCount)
	require.Equal(t, "declined", got.LastError)
	require.Equal(t, "a@b.c", got.Intent.CustomerEmail)
}

func TestCanRetry(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s, _, _ := newRedisStore(t, clock)
	ctx := context.Background()

	require.True(t, s.CanRetry(ctx, "none", 3))
	require.True(t, s.Save(ctx, sampleState("f")))
	for i := 0; i < 3; i++ {
		require.True(t, s.CanRetry(ctx, "f", 3))
		require.True(t, s.RecordError(ctx, "f", "x"))
	}
	require.False(t, s.CanRetry(ctx, "f", 3))
	require.False(t, s.CanRetry(ctx, "f", 0))
}

func TestClearIsIdempotent(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s, _, _ := newRedisStore(t, clock)
	ctx := context.Background()
	require.True(t, s.Save(ctx, sampleState("g")))

	s.Clear(ctx, "g")
	s.Clear(ctx, "g")
	require.Nil(t, s.Load(ctx, "g"))
}

func TestOpenSweepsExpiredSessions(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s, mr, rdb := newRedisStore(t, clock)
	ctx := context.Background()
	require.True(t, s.Save(ctx, sampleState("old")))
	clock.Advance(DefaultTimeout + time.Minute)
	require.True(t, s.Save(ctx, sampleState("fresh")))
	require.NoError(t, mr.Set("test:junk:state", "garbage"))
	require.NoError(t, mr.Set("other:keep", "value"))

	Open(ctx, Options{Namespace: "test", Primary: RedisBackend{R: rdb}, Logger: zerolog.Nop(), Now: clock.Now})

	require.False(t, mr.Exists("test:old:state"))
	require.False(t, mr.Exists("test:old:recovery"))
	require.False(t, mr.Exists("test:junk:state"))
	require.True(t, mr.Exists("test:fresh:state"))
	require.True(t, mr.Exists("other:keep"))
}
