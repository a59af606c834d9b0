package payment

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"parkpay/internal/openpay"
)

const incomingExpiry = 30 * time.Minute

// IncomingPaymentManager creates and completes payee-side payment intents.
type IncomingPaymentManager struct {
	net         Network
	grants      *GrantNegotiator
	description string
	now         func() time.Time
	log         *zap.Logger
}

func NewIncomingPaymentManager(net Network, grants *GrantNegotiator, description string, log *zap.Logger) *IncomingPaymentManager {
	if description == "" {
		description = "Parking fee"
	}
	return &IncomingPaymentManager{net: net, grants: grants, description: description, now: time.Now, log: log}
}

// CreateIntent creates an incoming payment for targetMinor units of the
// payee's asset, expiring in 30 minutes.
func (m *IncomingPaymentManager) CreateIntent(ctx context.Context, payee openpay.WalletAddress, targetMinor string) (openpay.IncomingPayment, error) {
	if !positiveInteger(targetMinor) {
		return openpay.IncomingPayment{}, invalidInput("amount %q must be a positive integer in minor units", targetMinor)
	}

	token, err := m.grants.RequestAccess(ctx, payee, openpay.AccessItem{
		Type:    openpay.ResourceIncomingPayment,
		Actions: []string{openpay.ActionCreate, openpay.ActionRead, openpay.ActionList, openpay.ActionComplete},
	})
	if err != nil {
		return openpay.IncomingPayment{}, newError(CodeIncomingPaymentFailed, "create incoming payment", err)
	}

	expiresAt := m.now().Add(incomingExpiry).UTC()
	ip, err := m.net.CreateIncomingPayment(ctx, payee.ResourceServer, token, openpay.CreateIncomingPaymentRequest{
		WalletAddress: payee.ID,
		IncomingAmount: &openpay.Amount{
			Value:      targetMinor,
			AssetCode:  payee.AssetCode,
			AssetScale: payee.AssetScale,
		},
		ExpiresAt: &expiresAt,
		Metadata:  map[string]string{"description": m.description},
	})
	if err != nil {
		return openpay.IncomingPayment{}, newError(CodeIncomingPaymentFailed, "create incoming payment", err)
	}

	m.log.Info("incoming payment created", zap.String("id", ip.ID), zap.String("amount", targetMinor), zap.String("asset", payee.AssetCode))
	return normalizeIncoming(ip), nil
}

// Complete marks the incoming payment completed. Any failure is returned as
// a *CompletionWarning.
func (m *IncomingPaymentManager) Complete(ctx context.Context, payee openpay.WalletAddress, id string) (openpay.IncomingPayment, error) {
	ip, err := m.complete(ctx, payee, id)
	if err != nil {
		m.log.Warn("incoming payment completion failed", zap.String("id", id), zap.Error(err))
		return openpay.IncomingPayment{}, &CompletionWarning{IncomingPaymentID: id, Err: err}
	}
	return normalizeIncoming(ip), nil
}

func (m *IncomingPaymentManager) complete(ctx context.Context, payee openpay.WalletAddress, id string) (openpay.IncomingPayment, error) {
	token, err := m.grants.RequestAccess(ctx, payee, openpay.AccessItem{
		Type:    openpay.ResourceIncomingPayment,
		Actions: []string{openpay.ActionComplete},
	})
	if err != nil {
		return openpay.IncomingPayment{}, err
	}
	return m.net.CompleteIncomingPayment(ctx, id, token)
}

// Get reads an incoming payment with a fresh read grant and normalizes it.
func (m *IncomingPaymentManager) Get(ctx context.Context, payee openpay.WalletAddress, id string) (openpay.IncomingPayment, error) {
	ip, err := m.read(ctx, payee, id)
	if err != nil {
		return openpay.IncomingPayment{}, err
	}
	return normalizeIncoming(ip), nil
}

// Validity explains whether an incoming payment can still be paid.
type Validity struct {
	State     string   `json:"state"`
	Expired   bool     `json:"expired"`
	Payable   bool     `json:"payable"`
	Remaining string   `json:"remaining,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
}

// Inspect returns the incoming payment exactly as the upstream reports it,
// along with a payability diagnostic.
func (m *IncomingPaymentManager) Inspect(ctx context.Context, payee openpay.WalletAddress, id string) (openpay.IncomingPayment, Validity, error) {
	raw, err := m.read(ctx, payee, id)
	if err != nil {
		return openpay.IncomingPayment{}, Validity{}, err
	}
	return raw, m.validity(raw), nil
}

func (m *IncomingPaymentManager) read(ctx context.Context, payee openpay.WalletAddress, id string) (openpay.IncomingPayment, error) {
	if id == "" {
		return openpay.IncomingPayment{}, invalidInput("incoming payment id is required")
	}
	token, err := m.grants.RequestAccess(ctx, payee, openpay.AccessItem{
		Type:    openpay.ResourceIncomingPayment,
		Actions: []string{openpay.ActionRead},
	})
	if err != nil {
		return openpay.IncomingPayment{}, newError(CodeIncomingPaymentFailed, "read incoming payment", err)
	}
	ip, err := m.net.GetIncomingPayment(ctx, id, token)
	if err != nil {
		if openpay.IsNotFound(err) {
			return openpay.IncomingPayment{}, newError(CodeNotFound, "incoming payment not found", err)
		}
		return openpay.IncomingPayment{}, newError(CodeIncomingPaymentFailed, "read incoming payment", err)
	}
	return ip, nil
}

func (m *IncomingPaymentManager) validity(ip openpay.IncomingPayment) Validity {
	v := Validity{State: normalizeIncoming(ip).State}
	if ip.ExpiresAt != nil && m.now().After(*ip.ExpiresAt) {
		v.Expired = true
		v.Reasons = append(v.Reasons, "expired at "+ip.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if ip.Completed || v.State == openpay.StateCompleted {
		v.Reasons = append(v.Reasons, "already completed")
	}
	if v.State == openpay.StateExpired && !v.Expired {
		v.Expired = true
		v.Reasons = append(v.Reasons, "reported expired")
	}

	if ip.IncomingAmount != nil {
		target, ok1 := new(big.Int).SetString(ip.IncomingAmount.Value, 10)
		received := big.NewInt(0)
		ok2 := true
		if ip.ReceivedAmount != nil {
			received, ok2 = new(big.Int).SetString(ip.ReceivedAmount.Value, 10)
		}
		if ok1 && ok2 {
			remaining := new(big.Int).Sub(target, received)
			v.Remaining = remaining.String()
			if remaining.Sign() <= 0 {
				v.Reasons = append(v.Reasons, "nothing left to receive")
			}
		}
	}

	v.Payable = len(v.Reasons) == 0 && v.State == openpay.StatePending
	return v
}

// normalizeIncoming treats a missing state as pending. The upstream omits the
// field on freshly created resources.
func normalizeIncoming(ip openpay.IncomingPayment) openpay.IncomingPayment {
	ip.State = strings.ToLower(strings.TrimSpace(ip.State))
	if ip.State == "" {
		ip.State = openpay.StatePending
	}
	return ip
}

func positiveInteger(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() > 0 && !strings.HasPrefix(s, "+")
}

// completionWarning extracts a *CompletionWarning from err, if any.
func completionWarning(err error) *CompletionWarning {
	var w *CompletionWarning
	if errors.As(err, &w) {
		return w
	}
	return nil
}
