// Package payment coordinates one cross-currency wallet payment: payment
// intent, interactive consent, quote, transfer and settlement.
//
// The Orchestrator holds no per-session state. Callers carry the incoming
// payment id and the continuation handle across the interactive pause and
// pass them back on every call.
package payment

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"parkpay/internal/cache"
	"parkpay/internal/openpay"
)

const DefaultAmount = "1500"

// StateUnknown is reported by VerifyPayment when the transfer is gone.
const StateUnknown = "unknown"

type Options struct {
	PayerWalletURL string
	PayeeWalletURL string
	// FinishURI is where the wallet sends the user after consent.
	FinishURI      string
	Description    string
	PollInterval   time.Duration
	WalletCacheTTL time.Duration
}

type Orchestrator struct {
	wallets      *WalletDirectory
	incoming     *IncomingPaymentManager
	grants       *GrantNegotiator
	continuation *GrantContinuation
	executor     *OutgoingPaymentExecutor
	settlement   *SettlementResolver
	log          *zap.Logger
}

func New(net Network, c cache.Cache, opts Options, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.WalletCacheTTL <= 0 {
		opts.WalletCacheTTL = 10 * time.Minute
	}
	grants := NewGrantNegotiator(net, opts.FinishURI, log.Named("grants"))
	incoming := NewIncomingPaymentManager(net, grants, opts.Description, log.Named("incoming"))
	quotes := NewQuoteEngine(net, grants, log.Named("quotes"))
	return &Orchestrator{
		wallets:      NewWalletDirectory(net, c, opts.WalletCacheTTL, opts.PayerWalletURL, opts.PayeeWalletURL, log.Named("wallets")),
		incoming:     incoming,
		grants:       grants,
		continuation: NewGrantContinuation(net, log.Named("continuation")),
		executor:     NewOutgoingPaymentExecutor(net, quotes, incoming, log.Named("executor")),
		settlement:   NewSettlementResolver(net, opts.PollInterval, log.Named("settlement")),
		log:          log,
	}
}

func (o *Orchestrator) Wallets(ctx context.Context) (Wallets, error) {
	return o.wallets.Resolve(ctx)
}

// CreateIncoming creates a payment intent on the payee wallet. An empty
// amount means DefaultAmount.
func (o *Orchestrator) CreateIncoming(ctx context.Context, amount string) (openpay.IncomingPayment, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		amount = DefaultAmount
	}
	payee, err := o.wallets.Payee(ctx)
	if err != nil {
		return openpay.IncomingPayment{}, err
	}
	return o.incoming.CreateIntent(ctx, payee, amount)
}

// StartOutgoing begins the interactive grant. The returned handle must be
// kept by the caller until FinishOutgoing.
func (o *Orchestrator) StartOutgoing(ctx context.Context, incomingPaymentID string) (PendingGrant, error) {
	if strings.TrimSpace(incomingPaymentID) == "" {
		return PendingGrant{}, invalidInput("incomingPaymentId is required")
	}
	payer, err := o.wallets.Payer(ctx)
	if err != nil {
		return PendingGrant{}, err
	}
	return o.grants.RequestInteractive(ctx, payer, &openpay.Limits{Receiver: incomingPaymentID})
}

type FinishRequest struct {
	IncomingPaymentID string
	ContinueURI       string
	ContinueToken     string
	InteractRef       string
	Hash              string
}

type FinishResult struct {
	AccessToken   string
	PayerWalletID string
	Grant         FinalizedGrant
}

func (o *Orchestrator) FinishOutgoing(ctx context.Context, req FinishRequest) (FinishResult, error) {
	var missing []string
	for name, v := range map[string]string{
		"incomingPaymentId": req.IncomingPaymentID,
		"continueUri":       req.ContinueURI,
		"continueToken":     req.ContinueToken,
		"interactRef":       req.InteractRef,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return FinishResult{}, invalidInput("missing required fields: %s", strings.Join(missing, ", "))
	}

	payer, err := o.wallets.Payer(ctx)
	if err != nil {
		return FinishResult{}, err
	}
	grant, err := o.continuation.Continue(ctx, ContinueRequest{
		URI:         req.ContinueURI,
		Token:       req.ContinueToken,
		InteractRef: req.InteractRef,
		Hash:        req.Hash,
	})
	if err != nil {
		return FinishResult{}, err
	}
	return FinishResult{AccessToken: grant.AccessToken, PayerWalletID: payer.ID, Grant: grant}, nil
}

type PayResult struct {
	// Payment carries the reported state: the settled state or "processing".
	Payment    openpay.OutgoingPayment
	Execution  Execution
	Resolution Resolution
}

// PayOutgoing executes the transfer and waits for it to settle.
func (o *Orchestrator) PayOutgoing(ctx context.Context, incomingPaymentID, accessToken string) (PayResult, error) {
	if strings.TrimSpace(incomingPaymentID) == "" {
		return PayResult{}, invalidInput("incomingPaymentId is required")
	}
	if strings.TrimSpace(accessToken) == "" {
		return PayResult{}, invalidInput("accessToken is required")
	}

	w, err := o.wallets.Resolve(ctx)
	if err != nil {
		return PayResult{}, err
	}
	exec, err := o.executor.Execute(ctx, w.Payer, w.Payee, incomingPaymentID, accessToken)
	if err != nil {
		return PayResult{}, err
	}

	res, err := o.settlement.Await(ctx, exec.Payment.ID, accessToken, AttemptsAfterExecution)
	if err != nil {
		return PayResult{}, err
	}

	payment := exec.Payment
	if res.Payment.ID != "" {
		payment = res.Payment
	}
	payment.State = res.ReportedState()
	return PayResult{Payment: payment, Execution: exec, Resolution: res}, nil
}

type StatusRequest struct {
	// ID is an outgoing payment URL or a bare id on the payer's resource server.
	ID          string
	// AccessToken is optional; a read grant is requested when empty.
	AccessToken string
	// Wait polls until settled instead of reading once.
	Wait        bool
}

type StatusResult struct {
	Payment    openpay.OutgoingPayment
	Diagnostic Diagnostic
	Outcome    Outcome
}

func (o *Orchestrator) PaymentStatus(ctx context.Context, req StatusRequest) (StatusResult, error) {
	if strings.TrimSpace(req.ID) == "" {
		return StatusResult{}, invalidInput("id is required")
	}
	payer, err := o.wallets.Payer(ctx)
	if err != nil {
		return StatusResult{}, err
	}

	url := req.ID
	if !strings.Contains(url, "://") {
		url = strings.TrimRight(payer.ResourceServer, "/") + "/outgoing-payments/" + strings.TrimLeft(url, "/")
	}

	token := req.AccessToken
	if token == "" {
		token, err = o.grants.RequestAccess(ctx, payer, openpay.AccessItem{
			Type:       openpay.ResourceOutgoingPayment,
			Actions:    []string{openpay.ActionRead},
			Identifier: payer.ID,
		})
		if err != nil {
			return StatusResult{}, newError(CodeUpstreamUnavailable, "request outgoing payment read grant", err)
		}
	}

	if !req.Wait {
		p, d, err := o.settlement.Status(ctx, url, token)
		if err != nil {
			return StatusResult{}, err
		}
		outcome := OutcomeSettled
		if d.Rule == RuleNone {
			outcome = OutcomeUnresolved
		}
		return StatusResult{Payment: p, Diagnostic: d, Outcome: outcome}, nil
	}

	res, err := o.settlement.Await(ctx, url, token, AttemptsStatusQuery)
	if err != nil {
		return StatusResult{}, err
	}
	if res.Outcome == OutcomeNotFound {
		return StatusResult{}, &Error{Code: CodeNotFound, Message: "outgoing payment not found", Status: http.StatusNotFound}
	}
	p, d := o.settlement.Diagnose(res.Payment)
	return StatusResult{Payment: p, Diagnostic: d, Outcome: res.Outcome}, nil
}

type VerifyResult struct {
	State      string
	Payment    *openpay.OutgoingPayment
	Resolution Resolution
}

// VerifyPayment re-checks a transfer. A transfer the upstream no longer
// knows is reported as "unknown".
func (o *Orchestrator) VerifyPayment(ctx context.Context, outgoingPaymentURL, accessToken string) (VerifyResult, error) {
	if strings.TrimSpace(outgoingPaymentURL) == "" {
		return VerifyResult{}, invalidInput("outgoingPaymentUrl is required")
	}
	if strings.TrimSpace(accessToken) == "" {
		return VerifyResult{}, invalidInput("accessToken is required")
	}

	res, err := o.settlement.Await(ctx, outgoingPaymentURL, accessToken, AttemptsRecheck)
	if err != nil {
		return VerifyResult{}, err
	}
	if res.Outcome == OutcomeNotFound {
		return VerifyResult{State: StateUnknown, Resolution: res}, nil
	}
	p := res.Payment
	p.State = res.ReportedState()
	return VerifyResult{State: p.State, Payment: &p, Resolution: res}, nil
}

type DebugResult struct {
	Incoming openpay.IncomingPayment
	Validity Validity
}

func (o *Orchestrator) DebugIncoming(ctx context.Context, incomingPaymentID string) (DebugResult, error) {
	if strings.TrimSpace(incomingPaymentID) == "" {
		return DebugResult{}, invalidInput("id is required")
	}
	payee, err := o.wallets.Payee(ctx)
	if err != nil {
		return DebugResult{}, err
	}
	raw, validity, err := o.incoming.Inspect(ctx, payee, incomingPaymentID)
	if err != nil {
		return DebugResult{}, err
	}
	return DebugResult{Incoming: raw, Validity: validity}, nil
}
