package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"parkpay/internal/openpay"
)

const grantMediaType = "application/gnap+json"

// ContinueRequest carries the continuation handle from the interactive
// phase plus the interaction proof returned by the wallet.
type ContinueRequest struct {
	URI         string
	Token       string
	InteractRef string
	// Hash is optional.
	Hash        string
}

type FinalizedGrant struct {
	AccessToken string               `json:"accessToken"`
	ManageURI   string               `json:"manageUri,omitempty"`
	ExpiresIn   int                  `json:"expiresIn,omitempty"`
	Strategy    string               `json:"strategy"`
	Attempts    []Attempt            `json:"attempts,omitempty"`
	Access      []openpay.AccessItem `json:"-"`
}

// GrantContinuation turns a pending grant into an access token. Deployments
// disagree on the hash encoding and media type they accept, so it walks a
// fixed chain of request variants.
type GrantContinuation struct {
	net Network
	log *zap.Logger
}

func NewGrantContinuation(net Network, log *zap.Logger) *GrantContinuation {
	return &GrantContinuation{net: net, log: log}
}

func (c *GrantContinuation) Continue(ctx context.Context, req ContinueRequest) (FinalizedGrant, error) {
	switch {
	case req.URI == "":
		return FinalizedGrant{}, invalidInput("continueUri is required")
	case req.Token == "":
		return FinalizedGrant{}, invalidInput("continueToken is required")
	case req.InteractRef == "":
		return FinalizedGrant{}, invalidInput("interactRef is required")
	}

	token, name, attempts, err := runStrategies(ctx, c.log, "grant-continuation", c.strategies(req))
	if err != nil {
		if ctx.Err() != nil {
			return FinalizedGrant{}, err
		}
		e := newError(CodeGrantContinuationFailed, fmt.Sprintf("grant continuation failed after %d attempts", len(attempts)), err)
		e.Attempts = attempts
		return FinalizedGrant{}, e
	}

	c.log.Info("grant continued", zap.String("strategy", name), zap.Int("attempts", len(attempts)+1))
	return FinalizedGrant{
		AccessToken: token.Value,
		ManageURI:   token.Manage,
		ExpiresIn:   token.ExpiresIn,
		Access:      token.Access,
		Strategy:    name,
		Attempts:    attempts,
	}, nil
}

// strategies returns the ordered variants to try. With a hash there are
// exactly four; without one, exactly two.
func (c *GrantContinuation) strategies(req ContinueRequest) []strategy[openpay.AccessToken] {
	if req.Hash == "" {
		return []strategy[openpay.AccessToken]{
			{name: "client/no-hash", run: c.viaClient(req, "")},
			{name: "raw/no-hash", run: c.viaRaw(req, "")},
		}
	}
	encoded := Base64URL(req.Hash)
	return []strategy[openpay.AccessToken]{
		{name: "client/hash-raw", run: c.viaClient(req, req.Hash)},
		{name: "client/hash-b64url", run: c.viaClient(req, encoded)},
		{name: "raw/hash-raw", run: c.viaRaw(req, req.Hash)},
		{name: "raw/hash-b64url", run: c.viaRaw(req, encoded)},
	}
}

func (c *GrantContinuation) viaClient(req ContinueRequest, hash string) func(context.Context) (openpay.AccessToken, error) {
	return func(ctx context.Context) (openpay.AccessToken, error) {
		resp, err := c.net.ContinueGrant(ctx, req.URI, req.Token, openpay.ContinueGrantRequest{
			InteractRef: req.InteractRef,
			Hash:        hash,
		})
		if err != nil {
			return openpay.AccessToken{}, err
		}
		return accessTokenOf(resp)
	}
}

// viaRaw posts the continuation with the grant media type. A rejection that
// looks like content negotiation (400, 406, 415) is retried once as plain JSON.
func (c *GrantContinuation) viaRaw(req ContinueRequest, hash string) func(context.Context) (openpay.AccessToken, error) {
	return func(ctx context.Context) (openpay.AccessToken, error) {
		body, err := sonic.Marshal(openpay.ContinueGrantRequest{InteractRef: req.InteractRef, Hash: hash})
		if err != nil {
			return openpay.AccessToken{}, err
		}

		resp, err := c.sendRaw(ctx, req, grantMediaType, body)
		if err != nil {
			return openpay.AccessToken{}, err
		}
		if negotiationRejected(resp.StatusCode) {
			c.log.Debug("retrying continuation as application/json", zap.Int("status", resp.StatusCode))
			resp, err = c.sendRaw(ctx, req, "application/json", body)
			if err != nil {
				return openpay.AccessToken{}, err
			}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return openpay.AccessToken{}, &openpay.ResponseError{
				Method:     http.MethodPost,
				URL:        req.URI,
				StatusCode: resp.StatusCode,
				Body:       string(resp.Body),
			}
		}

		var grant openpay.GrantResponse
		if err := sonic.Unmarshal(resp.Body, &grant); err != nil {
			return openpay.AccessToken{}, fmt.Errorf("decode continuation response: %w", err)
		}
		return accessTokenOf(grant)
	}
}

func (c *GrantContinuation) sendRaw(ctx context.Context, req ContinueRequest, contentType string, body []byte) (openpay.RawResponse, error) {
	return c.net.Send(ctx, openpay.RawRequest{
		Method: http.MethodPost,
		URL:    req.URI,
		Token:  req.Token,
		Header: http.Header{
			"Content-Type": {contentType},
			"Accept":       {grantMediaType},
		},
		Body: body,
	})
}

func negotiationRejected(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusNotAcceptable || status == http.StatusUnsupportedMediaType
}

func accessTokenOf(resp openpay.GrantResponse) (openpay.AccessToken, error) {
	if resp.AccessToken == nil || resp.AccessToken.Value == "" {
		return openpay.AccessToken{}, errors.New("continuation response carried no access token")
	}
	return *resp.AccessToken, nil
}

// Base64URL re-encodes a standard base64 string with the URL-safe alphabet
// and no padding.
func Base64URL(s string) string {
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return strings.TrimRight(s, "=")
}
