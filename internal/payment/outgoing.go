package payment

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"parkpay/internal/openpay"
)

// Execution tiers, richest first.
const (
	TierQuoted         = "quoted"
	TierReceiverDirect = "receiver-direct"
	TierMinimal        = "minimal"
)

type Execution struct {
	Payment           openpay.OutgoingPayment
	Tier              string
	Quote             *openpay.Quote
	Attempts          []Attempt
	CompletionWarning *CompletionWarning
}

// OutgoingPaymentExecutor creates the transfer on the payer's resource
// server, falling back to simpler request shapes when richer ones are
// rejected.
type OutgoingPaymentExecutor struct {
	net      Network
	quotes   *QuoteEngine
	incoming *IncomingPaymentManager
	log      *zap.Logger
}

func NewOutgoingPaymentExecutor(net Network, quotes *QuoteEngine, incoming *IncomingPaymentManager, log *zap.Logger) *OutgoingPaymentExecutor {
	return &OutgoingPaymentExecutor{net: net, quotes: quotes, incoming: incoming, log: log}
}

// Execute requires a finalized access token; it makes no network call
// without one.
func (x *OutgoingPaymentExecutor) Execute(ctx context.Context, payer, payee openpay.WalletAddress, incomingPaymentID, accessToken string) (Execution, error) {
	if incomingPaymentID == "" {
		return Execution{}, invalidInput("incomingPaymentId is required")
	}
	if accessToken == "" {
		return Execution{}, invalidInput("accessToken is required")
	}

	var quote *openpay.Quote
	create := func(req openpay.CreateOutgoingPaymentRequest) func(context.Context) (openpay.OutgoingPayment, error) {
		return func(ctx context.Context) (openpay.OutgoingPayment, error) {
			req.WalletAddress = payer.ID
			return x.net.CreateOutgoingPayment(ctx, payer.ResourceServer, accessToken, req)
		}
	}

	tiers := []strategy[openpay.OutgoingPayment]{
		{name: TierQuoted, run: func(ctx context.Context) (openpay.OutgoingPayment, error) {
			q, err := x.quotes.Quote(ctx, payer, incomingPaymentID)
			if err != nil {
				return openpay.OutgoingPayment{}, err
			}
			quote = &q
			return create(openpay.CreateOutgoingPaymentRequest{QuoteID: q.ID})(ctx)
		}},
		{name: TierReceiverDirect, run: create(openpay.CreateOutgoingPaymentRequest{
			IncomingPayment: incomingPaymentID,
			Method:          openpay.MethodILP,
		})},
		{name: TierMinimal, run: create(openpay.CreateOutgoingPaymentRequest{
			IncomingPayment: incomingPaymentID,
		})},
	}

	payment, tier, attempts, err := runStrategies(ctx, x.log, "outgoing-payment", tiers)
	if err != nil {
		if ctx.Err() != nil {
			return Execution{}, err
		}
		code, message := CodeOutgoingPaymentFailed, "all outgoing payment shapes were rejected"
		if notPayable(err) {
			code, message = CodePaymentNotPayable, "incoming payment is no longer payable"
		}
		e := newError(code, message, err)
		e.Attempts = attempts
		return Execution{}, e
	}

	exec := Execution{Payment: payment, Tier: tier, Attempts: attempts}
	if tier == TierQuoted {
		exec.Quote = quote
	}
	x.log.Info("outgoing payment created", zap.String("id", payment.ID), zap.String("tier", tier), zap.String("receiver", incomingPaymentID))

	if _, err := x.incoming.Complete(ctx, payee, incomingPaymentID); err != nil {
		exec.CompletionWarning = completionWarning(err)
	}
	return exec, nil
}

// notPayable reports whether the last tier's failure means the incoming
// payment is already paid or expired. Upstream responses are judged by their
// body only; the error text would also carry the request URL.
func notPayable(err error) bool {
	if openpay.StatusOf(err) == http.StatusConflict {
		return true
	}
	msg := openpay.BodyOf(err)
	if openpay.StatusOf(err) == 0 {
		msg = err.Error()
	}
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "state") || strings.Contains(msg, "pending")
}
