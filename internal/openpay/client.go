package openpay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	contentTypeJSON = "application/json"
	maxResponseBody = 1 << 20
)

// Client talks to auth and resource servers on behalf of one client wallet.
// It is safe for concurrent use.
type Client struct {
	http         *http.Client
	signer       *Signer
	clientWallet string
}

type ClientConfig struct {
	// ClientWallet is the wallet address identifying this client in grant requests.
	ClientWallet string
	Signer       *Signer
	Timeout      time.Duration
	// Transport overrides the default otel-instrumented transport.
	Transport http.RoundTripper
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &Client{
		http:         &http.Client{Timeout: timeout, Transport: transport},
		signer:       cfg.Signer,
		clientWallet: cfg.ClientWallet,
	}
}

// ClientWallet returns the wallet address sent as "client" in grant requests.
func (c *Client) ClientWallet() string {
	return c.clientWallet
}

func (c *Client) GetWalletAddress(ctx context.Context, walletURL string) (WalletAddress, error) {
	var wa WalletAddress
	if err := c.do(ctx, http.MethodGet, walletURL, "", nil, &wa, false); err != nil {
		return WalletAddress{}, err
	}
	if wa.ID == "" {
		wa.ID = walletURL
	}
	return wa, nil
}

func (c *Client) RequestGrant(ctx context.Context, authServer string, req GrantRequest) (GrantResponse, error) {
	if req.Client == "" {
		req.Client = c.clientWallet
	}
	var resp GrantResponse
	err := c.do(ctx, http.MethodPost, authServer, "", req, &resp, true)
	return resp, err
}

func (c *Client) ContinueGrant(ctx context.Context, continueURI, continueToken string, req ContinueGrantRequest) (GrantResponse, error) {
	var resp GrantResponse
	err := c.do(ctx, http.MethodPost, continueURI, continueToken, req, &resp, true)
	return resp, err
}

func (c *Client) CreateIncomingPayment(ctx context.Context, resourceServer, token string, req CreateIncomingPaymentRequest) (IncomingPayment, error) {
	var ip IncomingPayment
	err := c.do(ctx, http.MethodPost, join(resourceServer, "incoming-payments"), token, req, &ip, true)
	return ip, err
}

func (c *Client) GetIncomingPayment(ctx context.Context, url, token string) (IncomingPayment, error) {
	var ip IncomingPayment
	err := c.do(ctx, http.MethodGet, url, token, nil, &ip, true)
	return ip, err
}

func (c *Client) CompleteIncomingPayment(ctx context.Context, url, token string) (IncomingPayment, error) {
	var ip IncomingPayment
	err := c.do(ctx, http.MethodPost, join(url, "complete"), token, struct{}{}, &ip, true)
	return ip, err
}

func (c *Client) CreateQuote(ctx context.Context, resourceServer, token string, req CreateQuoteRequest) (Quote, error) {
	var q Quote
	err := c.do(ctx, http.MethodPost, join(resourceServer, "quotes"), token, req, &q, true)
	return q, err
}

func (c *Client) CreateOutgoingPayment(ctx context.Context, resourceServer, token string, req CreateOutgoingPaymentRequest) (OutgoingPayment, error) {
	var op OutgoingPayment
	err := c.do(ctx, http.MethodPost, join(resourceServer, "outgoing-payments"), token, req, &op, true)
	return op, err
}

func (c *Client) GetOutgoingPayment(ctx context.Context, url, token string) (OutgoingPayment, error) {
	var op OutgoingPayment
	err := c.do(ctx, http.MethodGet, url, token, nil, &op, true)
	return op, err
}

// RawRequest is a hand-shaped protocol request. Headers are sent as given;
// the request is still signed.
type RawRequest struct {
	Method string
	URL    string
	Token  string
	Header http.Header
	Body   []byte
}

type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Send performs a raw request and returns the response whatever its status.
// Only transport failures are returned as errors.
func (c *Client) Send(ctx context.Context, raw RawRequest) (RawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, raw.Method, raw.URL, bytes.NewReader(raw.Body))
	if err != nil {
		return RawResponse{}, fmt.Errorf("build request: %w", err)
	}
	for k, values := range raw.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if raw.Token != "" {
		req.Header.Set("Authorization", "GNAP "+raw.Token)
	}
	if err := c.signer.Sign(req, raw.Body); err != nil {
		return RawResponse{}, fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return RawResponse{}, fmt.Errorf("%s %s: %w", raw.Method, raw.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return RawResponse{}, fmt.Errorf("read response: %w", err)
	}
	return RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) do(ctx context.Context, method, url, token string, in, out any, signed bool) error {
	var body []byte
	if in != nil {
		b, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	if token != "" {
		req.Header.Set("Authorization", "GNAP "+token)
	}
	if signed {
		if err := c.signer.Sign(req, body); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newResponseError(method, url, resp.StatusCode, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}

func join(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}
