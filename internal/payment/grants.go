package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"parkpay/internal/openpay"
)

// PendingGrant is the continuation handle returned to the caller while the
// user approves the payment outside the process.
type PendingGrant struct {
	RedirectURL   string `json:"redirectUrl"`
	ContinueURI   string `json:"continueUri"`
	ContinueToken string `json:"continueToken"`
	Nonce         string `json:"nonce"`
	// Wait is the upstream's suggested delay in seconds before continuing.
	Wait          int    `json:"wait,omitempty"`
}

type GrantNegotiator struct {
	net       Network
	finishURI string
	log       *zap.Logger
}

func NewGrantNegotiator(net Network, finishURI string, log *zap.Logger) *GrantNegotiator {
	return &GrantNegotiator{net: net, finishURI: finishURI, log: log}
}

// RequestInteractive asks the payer's auth server for an outgoing-payment
// grant that requires user consent. limits may be nil.
func (g *GrantNegotiator) RequestInteractive(ctx context.Context, payer openpay.WalletAddress, limits *openpay.Limits) (PendingGrant, error) {
	nonce := uuid.NewString()
	req := openpay.GrantRequest{
		AccessToken: openpay.AccessTokenRequest{Access: []openpay.AccessItem{{
			Type:       openpay.ResourceOutgoingPayment,
			Actions:    []string{openpay.ActionRead, openpay.ActionCreate},
			Identifier: payer.ID,
			Limits:     limits,
		}}},
		Interact: &openpay.InteractRequest{
			Start: []string{"redirect"},
			Finish: &openpay.InteractFinish{
				Method: "redirect",
				URI:    g.finishURI,
				Nonce:  nonce,
			},
		},
	}

	resp, err := g.net.RequestGrant(ctx, payer.AuthServer, req)
	if err != nil {
		return PendingGrant{}, newError(CodeGrantNegotiationFailed, "request interactive grant", err)
	}

	var missing []string
	if resp.Interact == nil || resp.Interact.Redirect == "" {
		missing = append(missing, "interact.redirect")
	}
	if resp.Continue == nil || resp.Continue.URI == "" {
		missing = append(missing, "continue.uri")
	}
	if resp.Continue == nil || resp.Continue.AccessToken.Value == "" {
		missing = append(missing, "continue.access_token")
	}
	if len(missing) > 0 {
		return PendingGrant{}, &Error{
			Code:    CodeGrantNegotiationFailed,
			Message: fmt.Sprintf("interactive grant response missing %v", missing),
		}
	}

	g.log.Info("interactive grant pending", zap.String("payer", payer.ID), zap.String("continue_uri", resp.Continue.URI))
	return PendingGrant{
		RedirectURL:   resp.Interact.Redirect,
		ContinueURI:   resp.Continue.URI,
		ContinueToken: resp.Continue.AccessToken.Value,
		Nonce:         nonce,
		Wait:          resp.Continue.Wait,
	}, nil
}

// RequestAccess obtains a non-interactive access token for the given items.
func (g *GrantNegotiator) RequestAccess(ctx context.Context, wallet openpay.WalletAddress, items ...openpay.AccessItem) (string, error) {
	resp, err := g.net.RequestGrant(ctx, wallet.AuthServer, openpay.GrantRequest{
		AccessToken: openpay.AccessTokenRequest{Access: items},
	})
	if err != nil {
		return "", fmt.Errorf("request %s grant: %w", items[0].Type, err)
	}
	if resp.AccessToken == nil || resp.AccessToken.Value == "" {
		return "", fmt.Errorf("request %s grant: %s returned no access token", items[0].Type, wallet.AuthServer)
	}
	return resp.AccessToken.Value, nil
}
