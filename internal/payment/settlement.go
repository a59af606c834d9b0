package payment

import (
	"context"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"parkpay/internal/openpay"
)

// Poll budgets for the three callers of Await.
const (
	AttemptsAfterExecution = 20
	AttemptsRecheck        = 10
	AttemptsStatusQuery    = 30
)

// StateProcessing is reported when no rule could determine the state.
const StateProcessing = "processing"

type Outcome string

const (
	OutcomeSettled    Outcome = "settled"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeUnresolved Outcome = "unresolved"
)

// Inference rules, in evaluation order.
const (
	RuleExplicitState   = "explicit_state"
	RuleSentEqualsDebit = "sent_equals_debit"
	RuleReceivePresent  = "receive_amount_present"
	RuleNone            = "none"
)

type Resolution struct {
	// Payment is the last payment read, as the upstream reported it.
	Payment  openpay.OutgoingPayment
	// State is the inferred state when Outcome is OutcomeSettled.
	State    string
	Outcome  Outcome
	Rule     string
	Attempts int
}

// ReportedState is the state to show a caller: the resolved state, or
// "processing" when polling ran out.
func (r Resolution) ReportedState() string {
	if r.Outcome == OutcomeSettled {
		return r.State
	}
	return StateProcessing
}

type Diagnostic struct {
	Rule          string          `json:"rule"`
	RawState      string          `json:"rawState"`
	InferredState string          `json:"inferredState"`
	SentAmount    *openpay.Amount `json:"sentAmount,omitempty"`
	DebitAmount   *openpay.Amount `json:"debitAmount,omitempty"`
	ReceiveAmount *openpay.Amount `json:"receiveAmount,omitempty"`
	CheckedAt     time.Time       `json:"checkedAt"`
}

// SettlementResolver observes an outgoing payment until its state can be
// determined.
type SettlementResolver struct {
	net      Network
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

func NewSettlementResolver(net Network, interval time.Duration, log *zap.Logger) *SettlementResolver {
	if interval <= 0 {
		interval = time.Second
	}
	return &SettlementResolver{net: net, interval: interval, now: time.Now, log: log}
}

// Await polls up to maxAttempts times. A 404 ends polling at once with
// OutcomeNotFound; other read errors count as an attempt and polling goes on.
func (s *SettlementResolver) Await(ctx context.Context, id, token string, maxAttempts int) (Resolution, error) {
	if id == "" {
		return Resolution{}, invalidInput("outgoing payment id is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last openpay.OutgoingPayment
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		p, err := s.net.GetOutgoingPayment(ctx, id, token)
		switch {
		case openpay.IsNotFound(err):
			s.log.Info("outgoing payment not found, stopping", zap.String("id", id), zap.Int("attempt", attempt))
			return Resolution{Outcome: OutcomeNotFound, Rule: RuleNone, Attempts: attempt}, nil
		case err != nil:
			if ctx.Err() != nil {
				return Resolution{}, ctx.Err()
			}
			s.log.Warn("settlement poll failed", zap.String("id", id), zap.Int("attempt", attempt), zap.Error(err))
		default:
			last = p
			if state, rule := inferState(p); rule != RuleNone {
				s.log.Info("settlement resolved", zap.String("id", id), zap.String("state", state), zap.String("rule", rule), zap.Int("attempt", attempt))
				return Resolution{Payment: p, State: state, Outcome: OutcomeSettled, Rule: rule, Attempts: attempt}, nil
			}
		}

		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(s.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Resolution{}, ctx.Err()
		}
	}

	s.log.Info("settlement unresolved", zap.String("id", id), zap.Int("attempts", maxAttempts))
	return Resolution{Payment: last, Outcome: OutcomeUnresolved, Rule: RuleNone, Attempts: maxAttempts}, nil
}

// Status reads the payment once and applies the same inference as Await.
// An undetermined state is reported as "processing".
func (s *SettlementResolver) Status(ctx context.Context, id, token string) (openpay.OutgoingPayment, Diagnostic, error) {
	if id == "" {
		return openpay.OutgoingPayment{}, Diagnostic{}, invalidInput("outgoing payment id is required")
	}
	p, err := s.net.GetOutgoingPayment(ctx, id, token)
	if err != nil {
		if openpay.IsNotFound(err) {
			return openpay.OutgoingPayment{}, Diagnostic{}, newError(CodeNotFound, "outgoing payment not found", err)
		}
		return openpay.OutgoingPayment{}, Diagnostic{}, newError(CodeUpstreamUnavailable, "read outgoing payment", err)
	}
	p, d := s.Diagnose(p)
	return p, d, nil
}

// Diagnose applies the inference to a payment already in hand.
func (s *SettlementResolver) Diagnose(p openpay.OutgoingPayment) (openpay.OutgoingPayment, Diagnostic) {
	d := Diagnostic{
		RawState:      p.State,
		SentAmount:    p.SentAmount,
		DebitAmount:   p.DebitAmount,
		ReceiveAmount: p.ReceiveAmount,
		CheckedAt:     s.now().UTC(),
	}
	state, rule := inferState(p)
	if rule == RuleNone {
		state = StateProcessing
	}
	p.State = state
	d.Rule, d.InferredState = rule, state
	return p, d
}

// inferState applies the settlement rules in order:
//
//	a. an explicit state other than pending is final
//	b. sentAmount equal to debitAmount means completed
//	c. a non-zero receiveAmount means completed
//
// The upstream does not document when it populates state, so these rules are
// deliberately not extended. RuleNone means the caller should keep waiting.
func inferState(p openpay.OutgoingPayment) (string, string) {
	state := strings.ToLower(strings.TrimSpace(p.State))
	if state != "" && state != openpay.StatePending {
		return state, RuleExplicitState
	}
	if p.SentAmount != nil && p.DebitAmount != nil && p.SentAmount.Value == p.DebitAmount.Value {
		return openpay.StateCompleted, RuleSentEqualsDebit
	}
	if p.ReceiveAmount != nil && nonZero(p.ReceiveAmount.Value) {
		return openpay.StateCompleted, RuleReceivePresent
	}
	return state, RuleNone
}

func nonZero(v string) bool {
	n, ok := new(big.Int).SetString(v, 10)
	return ok && n.Sign() != 0
}
