package payment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"parkpay/internal/cache"
	"parkpay/internal/openpay"
)

// Network is the wallet protocol surface used by the payment components.
// *openpay.Client satisfies it.
type Network interface {
	ClientWallet() string
	GetWalletAddress(ctx context.Context, walletURL string) (openpay.WalletAddress, error)
	RequestGrant(ctx context.Context, authServer string, req openpay.GrantRequest) (openpay.GrantResponse, error)
	ContinueGrant(ctx context.Context, continueURI, continueToken string, req openpay.ContinueGrantRequest) (openpay.GrantResponse, error)
	Send(ctx context.Context, raw openpay.RawRequest) (openpay.RawResponse, error)
	CreateIncomingPayment(ctx context.Context, resourceServer, token string, req openpay.CreateIncomingPaymentRequest) (openpay.IncomingPayment, error)
	GetIncomingPayment(ctx context.Context, url, token string) (openpay.IncomingPayment, error)
	CompleteIncomingPayment(ctx context.Context, url, token string) (openpay.IncomingPayment, error)
	CreateQuote(ctx context.Context, resourceServer, token string, req openpay.CreateQuoteRequest) (openpay.Quote, error)
	CreateOutgoingPayment(ctx context.Context, resourceServer, token string, req openpay.CreateOutgoingPaymentRequest) (openpay.OutgoingPayment, error)
	GetOutgoingPayment(ctx context.Context, url, token string) (openpay.OutgoingPayment, error)
}

type Wallets struct {
	Payer openpay.WalletAddress `json:"payer"`
	Payee openpay.WalletAddress `json:"payee"`
}

// WalletDirectory resolves the payer and payee wallet documents.
type WalletDirectory struct {
	net      Network
	cache    cache.Cache
	ttl      time.Duration
	payerURL string
	payeeURL string
	log      *zap.Logger
}

func NewWalletDirectory(net Network, c cache.Cache, ttl time.Duration, payerURL, payeeURL string, log *zap.Logger) *WalletDirectory {
	if c == nil {
		c = cache.NewMemory()
	}
	return &WalletDirectory{net: net, cache: c, ttl: ttl, payerURL: payerURL, payeeURL: payeeURL, log: log}
}

// Resolve fetches both wallet documents concurrently. Either failure fails
// the whole call; there are no retries.
func (d *WalletDirectory) Resolve(ctx context.Context) (Wallets, error) {
	var w Wallets
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		w.Payer, err = d.Lookup(gctx, d.payerURL)
		return err
	})
	g.Go(func() error {
		var err error
		w.Payee, err = d.Lookup(gctx, d.payeeURL)
		return err
	})
	if err := g.Wait(); err != nil {
		return Wallets{}, err
	}
	return w, nil
}

func (d *WalletDirectory) Payer(ctx context.Context) (openpay.WalletAddress, error) {
	return d.Lookup(ctx, d.payerURL)
}

func (d *WalletDirectory) Payee(ctx context.Context) (openpay.WalletAddress, error) {
	return d.Lookup(ctx, d.payeeURL)
}

// Lookup resolves any wallet address through the shared cache. Cache faults
// fall through to the network.
func (d *WalletDirectory) Lookup(ctx context.Context, walletURL string) (openpay.WalletAddress, error) {
	key := "wallet:" + walletURL

	var wa openpay.WalletAddress
	found, err := d.cache.Get(ctx, key, &wa)
	if err != nil {
		d.log.Warn("wallet cache read failed", zap.String("wallet", walletURL), zap.Error(err))
	}
	if found {
		return wa, nil
	}

	wa, err = d.net.GetWalletAddress(ctx, walletURL)
	if err != nil {
		return openpay.WalletAddress{}, newError(CodeUpstreamUnavailable, fmt.Sprintf("fetch wallet %s", walletURL), err)
	}
	if err := d.cache.Set(ctx, key, wa, d.ttl); err != nil {
		d.log.Warn("wallet cache write failed", zap.String("wallet", walletURL), zap.Error(err))
	}
	return wa, nil
}
