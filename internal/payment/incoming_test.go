package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"parkpay/internal/openpay"
	"parkpay/internal/openpay/openpaytest"
)

func TestCreateIntentNormalizesMissingState(t *testing.T) {
	f := newFixture(t)
	f.upstream.Update(func(s *openpaytest.Server) { s.OmitIncomingState = true })

	ip := f.incoming(t, "1500")
	assert.Equal(t, openpay.StatePending, ip.State)
	require.NotNil(t, ip.IncomingAmount)
	assert.Equal(t, "1500", ip.IncomingAmount.Value)
	assert.Equal(t, "USD", ip.IncomingAmount.AssetCode)
	assert.Equal(t, "Parking fee", ip.Metadata["description"])
	require.NotNil(t, ip.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *ip.ExpiresAt, time.Minute)
}

func TestNormalizeIncoming(t *testing.T) {
	for raw, want := range map[string]string{
		"":          openpay.StatePending,
		"  ":        openpay.StatePending,
		"PENDING":   openpay.StatePending,
		"Completed": openpay.StateCompleted,
		"expired":   openpay.StateExpired,
	} {
		got := normalizeIncoming(openpay.IncomingPayment{State: raw})
		assert.Equal(t, want, got.State, "raw state %q", raw)
	}
}

func TestCreateIntentRejectsBadAmounts(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []string{"0", "-5", "12.50", "abc", "+7"} {
		_, err := f.orch.CreateIncoming(context.Background(), amount)
		assert.ErrorIs(t, err, ErrInvalidInput, amount)
	}
}

func TestCompleteFailureIsAWarning(t *testing.T) {
	f := newFixture(t)
	w := f.wallets(t)

	_, err := f.orch.incoming.Complete(context.Background(), w.Payee, f.upstream.URL()+"/rs/incoming-payments/missing")
	require.Error(t, err)

	var warning *CompletionWarning
	require.True(t, errors.As(err, &warning))
	assert.Contains(t, warning.IncomingPaymentID, "missing")
	assert.Equal(t, 404, openpay.StatusOf(err))
}

func TestInspectReportsValidity(t *testing.T) {
	f := newFixture(t)
	w := f.wallets(t)
	ip := f.incoming(t, "1500")

	raw, v, err := f.orch.incoming.Inspect(context.Background(), w.Payee, ip.ID)
	require.NoError(t, err)
	assert.Equal(t, ip.ID, raw.ID)
	assert.True(t, v.Payable)
	assert.Equal(t, "1500", v.Remaining)
	assert.Empty(t, v.Reasons)

	_, err = f.orch.incoming.Complete(context.Background(), w.Payee, ip.ID)
	require.NoError(t, err)

	_, v, err = f.orch.incoming.Inspect(context.Background(), w.Payee, ip.ID)
	require.NoError(t, err)
	assert.False(t, v.Payable)
	assert.Equal(t, openpay.StateCompleted, v.State)
	assert.Contains(t, v.Reasons, "already completed")
}

func TestInspectKeepsRawState(t *testing.T) {
	f := newFixture(t)
	f.upstream.Update(func(s *openpaytest.Server) { s.OmitIncomingState = true })
	w := f.wallets(t)
	ip := f.incoming(t, "900")

	raw, v, err := f.orch.incoming.Inspect(context.Background(), w.Payee, ip.ID)
	require.NoError(t, err)
	assert.Empty(t, raw.State)
	assert.Equal(t, openpay.StatePending, v.State)
}

func TestValidityExpired(t *testing.T) {
	m := NewIncomingPaymentManager(nil, nil, "", zaptest.NewLogger(t))
	past := time.Now().Add(-time.Minute)
	v := m.validity(openpay.IncomingPayment{
		State:          openpay.StatePending,
		ExpiresAt:      &past,
		IncomingAmount: &openpay.Amount{Value: "100"},
		ReceivedAmount: &openpay.Amount{Value: "40"},
	})
	assert.True(t, v.Expired)
	assert.False(t, v.Payable)
	assert.Equal(t, "60", v.Remaining)
}
