package payment

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"parkpay/internal/cache"
	"parkpay/internal/openpay"
	"parkpay/internal/openpay/openpaytest"
)

type fixture struct {
	upstream *openpaytest.Server
	net      *openpay.Client
	log      *zap.Logger
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	upstream := openpaytest.New(t)
	net := openpay.NewClient(openpay.ClientConfig{
		ClientWallet: upstream.PayeeURL(),
		Transport:    http.DefaultTransport,
		Timeout:      5 * time.Second,
	})
	log := zaptest.NewLogger(t)
	return &fixture{
		upstream: upstream,
		net:      net,
		log:      log,
		orch: New(net, cache.NewMemory(), Options{
			PayerWalletURL: upstream.PayerURL(),
			PayeeWalletURL: upstream.PayeeURL(),
			FinishURI:      "http://localhost:3000/api/v1/interaction/finish",
			PollInterval:   time.Millisecond,
		}, log),
	}
}

func (f *fixture) wallets(t *testing.T) Wallets {
	t.Helper()
	w, err := f.orch.Wallets(context.Background())
	require.NoError(t, err)
	return w
}

func (f *fixture) incoming(t *testing.T, amount string) openpay.IncomingPayment {
	t.Helper()
	ip, err := f.orch.CreateIncoming(context.Background(), amount)
	require.NoError(t, err)
	return ip
}

// approvedGrant runs the interactive phase and simulated consent, returning
// the continuation request without a hash.
func (f *fixture) approvedGrant(t *testing.T, incomingID string) ContinueRequest {
	t.Helper()
	pending, err := f.orch.StartOutgoing(context.Background(), incomingID)
	require.NoError(t, err)
	ref, err := f.upstream.Approve(pending.RedirectURL)
	require.NoError(t, err)
	return ContinueRequest{URI: pending.ContinueURI, Token: pending.ContinueToken, InteractRef: ref}
}

// accessToken returns a finalized outgoing-payment token for incomingID.
func (f *fixture) accessToken(t *testing.T, incomingID string) string {
	t.Helper()
	req := f.approvedGrant(t, incomingID)
	grant, err := f.orch.continuation.Continue(context.Background(), req)
	require.NoError(t, err)
	return grant.AccessToken
}
