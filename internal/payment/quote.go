package payment

import (
	"context"
	"math/big"

	"go.uber.org/zap"

	"parkpay/internal/openpay"
)

// QuoteEngine prices an incoming payment in the payer's asset. Quotes are
// advisory; execution can proceed without one.
type QuoteEngine struct {
	net    Network
	grants *GrantNegotiator
	log    *zap.Logger
}

func NewQuoteEngine(net Network, grants *GrantNegotiator, log *zap.Logger) *QuoteEngine {
	return &QuoteEngine{net: net, grants: grants, log: log}
}

func (q *QuoteEngine) Quote(ctx context.Context, payer openpay.WalletAddress, incomingPaymentID string) (openpay.Quote, error) {
	token, err := q.grants.RequestAccess(ctx, payer, openpay.AccessItem{
		Type:    openpay.ResourceQuote,
		Actions: []string{openpay.ActionCreate, openpay.ActionRead},
	})
	if err != nil {
		return openpay.Quote{}, err
	}

	quote, err := q.net.CreateQuote(ctx, payer.ResourceServer, token, openpay.CreateQuoteRequest{
		WalletAddress: payer.ID,
		Receiver:      incomingPaymentID,
		Method:        openpay.MethodILP,
	})
	if err != nil {
		return openpay.Quote{}, err
	}
	if quote.Fee == nil {
		quote.Fee = derivedFee(quote.DebitAmount, quote.ReceiveAmount)
	}

	q.log.Info("quote created",
		zap.String("id", quote.ID),
		zap.String("debit", quote.DebitAmount.Value+" "+quote.DebitAmount.AssetCode),
		zap.String("receive", quote.ReceiveAmount.Value+" "+quote.ReceiveAmount.AssetCode),
	)
	return quote, nil
}

// derivedFee is debit minus receive, only meaningful when both amounts are in
// the same asset.
func derivedFee(debit, receive openpay.Amount) *openpay.Amount {
	if debit.AssetCode != receive.AssetCode || debit.AssetScale != receive.AssetScale {
		return nil
	}
	d, ok1 := new(big.Int).SetString(debit.Value, 10)
	r, ok2 := new(big.Int).SetString(receive.Value, 10)
	if !ok1 || !ok2 {
		return nil
	}
	return &openpay.Amount{
		Value:      new(big.Int).Sub(d, r).String(),
		AssetCode:  debit.AssetCode,
		AssetScale: debit.AssetScale,
	}
}
