package payment_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-pay/internal/payment"
)

func TestMapToOrderStatusIsTotal(t *testing.T) {
	expected := map[payment.Status]payment.OrderStatus{
		payment.StatusPending:    payment.OrderPending,
		payment.StatusProcessing: payment.OrderProcessing,
		payment.StatusCompleted:  payment.OrderCompleted,
		payment.StatusFailed:     payment.OrderCancelled,
		payment.StatusCancelled:  payment.OrderCancelled,
		payment.StatusExpired:    payment.OrderExpired,
		payment.StatusRefunded:   payment.OrderRefunded,
	}
	require.Len(t, expected, len(payment.Statuses))
	for _, s := range payment.Statuses {
		got := payment.MapToOrderStatus(s)
		require.NotEmpty(t, got)
		require.Equal(t, expected[s], got, "status %s", s)
	}
	require.Equal(t, payment.OrderPending, payment.MapToOrderStatus("bogus"))
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to payment.Status
		ok       bool
	}{
		{payment.StatusPending, payment.StatusProcessing, true},
		{payment.StatusPending, payment.StatusCompleted, true},
		{payment.StatusProcessing, payment.StatusPending, false},
		{payment.StatusProcessing, payment.StatusFailed, true},
		{payment.StatusFailed, payment.StatusProcessing, true},
		{payment.StatusFailed, payment.StatusPending, false},
		{payment.StatusCancelled, payment.StatusCompleted, true},
		{payment.StatusExpired, payment.StatusCompleted, true},
		{payment.StatusCancelled, payment.StatusProcessing, false},
		{payment.StatusCompleted, payment.StatusCancelled, false},
		{payment.StatusCompleted, payment.StatusExpired, false},
		{payment.StatusCompleted, payment.StatusRefunded, true},
		{payment.StatusRefunded, payment.StatusCompleted, false},
		{payment.StatusCompleted, payment.StatusCompleted, true},
		{payment.StatusPending, "bogus", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, payment.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestAllowedSources(t *testing.T) {
	require.ElementsMatch(t,
		[]payment.Status{payment.StatusPending, payment.StatusProcessing, payment.StatusCompleted, payment.StatusFailed, payment.StatusCancelled, payment.StatusExpired},
		payment.AllowedSources(payment.StatusCompleted))
	require.ElementsMatch(t,
		[]payment.Status{payment.StatusPending, payment.StatusProcessing, payment.StatusFailed, payment.StatusCancelled},
		payment.AllowedSources(payment.StatusCancelled))
}

func TestStatusPredicates(t *testing.T) {
	require.True(t, payment.StatusPending.Resumable())
	require.True(t, payment.StatusProcessing.Resumable())
	for _, s := range []payment.Status{payment.StatusCompleted, payment.StatusFailed, payment.StatusCancelled, payment.StatusExpired, payment.StatusRefunded} {
		require.False(t, s.Resumable(), s)
	}
	require.False(t, payment.StatusFailed.IsTerminal())
	require.True(t, payment.StatusRefunded.IsTerminal())
}
