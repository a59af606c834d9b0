package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"parkpay/internal/cache"
	"parkpay/internal/config"
	"parkpay/internal/hmacauth"
	"parkpay/internal/idempotency"
	"parkpay/internal/openpay"
	"parkpay/internal/openpay/openpaytest"
	"parkpay/internal/payment"
)

type testEnv struct {
	upstream *openpaytest.Server
	cfg      *config.AppConfig
	srv      *Server
}

func newTestEnv(t *testing.T, mutate func(*config.AppConfig)) *testEnv {
	t.Helper()
	upstream := openpaytest.New(t)
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			Env:               "test",
			PublicBaseURL:     "http://localhost:3000",
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Wallets: config.WalletConfig{
			PayerURL:  upstream.PayerURL(),
			PayeeURL:  upstream.PayeeURL(),
			ClientURL: upstream.PayeeURL(),
		},
		Settlement: config.SettlementConfig{PollInterval: time.Millisecond},
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := zaptest.NewLogger(t)
	net := openpay.NewClient(openpay.ClientConfig{
		ClientWallet: cfg.Wallets.ClientURL,
		Transport:    http.DefaultTransport,
		Timeout:      5 * time.Second,
	})
	c := cache.NewMemory()
	orch := payment.New(net, c, payment.Options{
		PayerWalletURL: cfg.Wallets.PayerURL,
		PayeeWalletURL: cfg.Wallets.PayeeURL,
		FinishURI:      cfg.FinishURI(),
		PollInterval:   cfg.Settlement.PollInterval,
	}, log)

	return &testEnv{
		upstream: upstream,
		cfg:      cfg,
		srv:      NewServer(cfg, orch, idempotency.NewMemoryStore(), c, log),
	}
}

type response struct {
	Code   int
	Header http.Header
	Raw    []byte
	Body   struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code           string          `json:"code"`
			Message        string          `json:"message"`
			UpstreamStatus int             `json:"upstreamStatus"`
			Details        json.RawMessage `json:"details"`
		} `json:"error"`
	}
}

func (e *testEnv) call(t *testing.T, method, path string, body any, headers ...string) response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if e.cfg.Service.HMACSecret != "" {
		require.NoError(t, hmacauth.SignRequest(req, e.cfg.Service.HMACSecret, time.Now()))
	}

	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	res := response{Code: rec.Code, Header: rec.Header(), Raw: rec.Body.Bytes()}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(res.Raw, &res.Body), string(res.Raw))
	}
	return res
}

func (r response) data(t *testing.T, dst any) {
	t.Helper()
	require.True(t, r.Body.Success, string(r.Raw))
	require.NoError(t, json.Unmarshal(r.Body.Data, dst))
}

// session runs create, start, consent and finish, returning the incoming
// payment id and the access token.
func (e *testEnv) session(t *testing.T, hash string) (string, string) {
	t.Helper()
	var ip openpay.IncomingPayment
	res := e.call(t, http.MethodPost, "/api/v1/incoming-payments", map[string]string{"amount": "1500"})
	require.Equal(t, http.StatusCreated, res.Code, string(res.Raw))
	res.data(t, &ip)

	var start startOutgoingResponse
	res = e.call(t, http.MethodPost, "/api/v1/outgoing-payments/start", map[string]string{"incomingPaymentId": ip.ID})
	require.Equal(t, http.StatusOK, res.Code, string(res.Raw))
	res.data(t, &start)
	assert.Equal(t, ip.ID, start.IncomingPaymentID)

	ref, err := e.upstream.Approve(start.RedirectURL)
	require.NoError(t, err)

	var finish finishOutgoingResponse
	res = e.call(t, http.MethodPost, "/api/v1/outgoing-payments/finish", finishOutgoingRequest{
		IncomingPaymentID: ip.ID,
		ContinueURI:       start.ContinueURI,
		ContinueToken:     start.ContinueToken,
		InteractRef:       ref,
		Hash:              hash,
	})
	require.Equal(t, http.StatusOK, res.Code, string(res.Raw))
	res.data(t, &finish)
	require.NotEmpty(t, finish.AccessToken)
	assert.Equal(t, e.upstream.PayerURL(), finish.PayerWalletID)
	return ip.ID, finish.AccessToken
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.Update(func(s *openpaytest.Server) {
		s.OmitIncomingState = true
		s.OmitOutgoingState = true
		s.SettleAfterPolls = 2
	})

	incomingID, token := env.session(t, "Zm9v+YmFy/YmF6==")

	var paid payOutgoingResponse
	res := env.call(t, http.MethodPost, "/api/v1/outgoing-payments/pay", payOutgoingRequest{
		IncomingPaymentID: incomingID,
		AccessToken:       token,
	})
	require.Equal(t, http.StatusOK, res.Code, string(res.Raw))
	res.data(t, &paid)
	assert.Equal(t, openpay.StateCompleted, paid.Payment.State)
	assert.Equal(t, payment.TierQuoted, paid.Tier)
	require.NotNil(t, paid.Quote)
	assert.Equal(t, "1500", paid.Quote.ReceiveAmount.Value)
	require.NotNil(t, paid.Settlement)
	assert.Equal(t, payment.OutcomeSettled, paid.Settlement.Outcome)
	assert.Equal(t, 2, paid.Settlement.Attempts)

	var status statusResponse
	res = env.call(t, http.MethodGet, "/api/v1/outgoing-payments/status?id="+paid.Payment.ID+"&accessToken="+token, nil)
	require.Equal(t, http.StatusOK, res.Code, string(res.Raw))
	res.data(t, &status)
	assert.Equal(t, openpay.StateCompleted, status.Payment.State)
	require.NotNil(t, status.Diagnostic)
	assert.Equal(t, payment.RuleSentEqualsDebit, status.Diagnostic.Rule)

	var verified verifyResponse
	res = env.call(t, http.MethodPost, "/api/v1/outgoing-payments/verify", verifyRequest{
		OutgoingPaymentURL: paid.Payment.ID,
		AccessToken:        token,
	})
	require.Equal(t, http.StatusOK, res.Code, string(res.Raw))
	res.data(t, &verified)
	assert.Equal(t, openpay.StateCompleted, verified.State)

	// paying the same intent again is a business rejection, not a gateway error
	res = env.call(t, http.MethodPost, "/api/v1/outgoing-payments/pay", payOutgoingRequest{
		IncomingPaymentID: incomingID,
		AccessToken:       token,
	})
	assert.Equal(t, http.StatusConflict, res.Code)
	require.NotNil(t, res.Body.Error)
	assert.Equal(t, string(payment.CodePaymentNotPayable), res.Body.Error.Code)
}

func TestPaySucceedsWithCompletionWarning(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.Update(func(s *openpaytest.Server) { s.FailComplete = http.StatusServiceUnavailable })
	incomingID, token := env.session(t, "")

	var paid payOutgoingResponse
	res := env.call(t, http.MethodPost, "/api/v1/outgoing-payments/pay", payOutgoingRequest{
		IncomingPaymentID: incomingID,
		AccessToken:       token,
	})
	require.Equal(t, http.StatusOK, res.Code, string(res.Raw))
	res.data(t, &paid)
	assert.NotEmpty(t, paid.Payment.ID)
	assert.Contains(t, paid.CompletionWarning, incomingID)
	assert.Contains(t, string(res.Raw), `"completionWarning"`)
}

func TestFinishRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.call(t, http.MethodPost, "/api/v1/outgoing-payments/finish", map[string]string{"continueUri": "http://x"})

	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.False(t, res.Body.Success)
	require.NotNil(t, res.Body.Error)
	assert.Equal(t, string(payment.CodeInvalidInput), res.Body.Error.Code)
	assert.Contains(t, res.Body.Error.Message, "continueToken")
	assert.Empty(t, env.upstream.ContinueCalls())
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/outgoing-payments/pay", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContinuationFailurePassesUpstreamStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.Update(func(s *openpaytest.Server) {
		s.ContinuePolicy = func(openpaytest.ContinueCall) int { return http.StatusBadRequest }
	})

	var ip openpay.IncomingPayment
	env.call(t, http.MethodPost, "/api/v1/incoming-payments", nil).data(t, &ip)
	var start startOutgoingResponse
	env.call(t, http.MethodPost, "/api/v1/outgoing-payments/start", map[string]string{"incomingPaymentId": ip.ID}).data(t, &start)
	ref, err := env.upstream.Approve(start.RedirectURL)
	require.NoError(t, err)

	res := env.call(t, http.MethodPost, "/api/v1/outgoing-payments/finish", finishOutgoingRequest{
		IncomingPaymentID: ip.ID,
		ContinueURI:       start.ContinueURI,
		ContinueToken:     start.ContinueToken,
		InteractRef:       ref,
		Hash:              "abc=",
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	require.NotNil(t, res.Body.Error)
	assert.Equal(t, string(payment.CodeGrantContinuationFailed), res.Body.Error.Code)
	assert.Equal(t, http.StatusBadRequest, res.Body.Error.UpstreamStatus)
	assert.Contains(t, string(res.Body.Error.Details), "continuation rejected")
}

func TestProductionHidesDiagnostics(t *testing.T) {
	env := newTestEnv(t, func(c *config.AppConfig) { c.Service.Env = "production" })
	env.upstream.Update(func(s *openpaytest.Server) {
		s.ContinuePolicy = func(openpaytest.ContinueCall) int { return http.StatusBadRequest }
	})

	var ip openpay.IncomingPayment
	env.call(t, http.MethodPost, "/api/v1/incoming-payments", nil).data(t, &ip)
	var start startOutgoingResponse
	env.call(t, http.MethodPost, "/api/v1/outgoing-payments/start", map[string]string{"incomingPaymentId": ip.ID}).data(t, &start)
	ref, err := env.upstream.Approve(start.RedirectURL)
	require.NoError(t, err)

	res := env.call(t, http.MethodPost, "/api/v1/outgoing-payments/finish", finishOutgoingRequest{
		IncomingPaymentID: ip.ID,
		ContinueURI:       start.ContinueURI,
		ContinueToken:     start.ContinueToken,
		InteractRef:       ref,
	})
	require.NotNil(t, res.Body.Error)
	assert.Equal(t, http.StatusBadRequest, res.Body.Error.UpstreamStatus)
	assert.Empty(t, res.Body.Error.Details)
}

func TestPayReplaysWithIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, nil)
	incomingID, token := env.session(t, "")
	body := payOutgoingRequest{IncomingPaymentID: incomingID, AccessToken: token}

	first := env.call(t, http.MethodPost, "/api/v1/outgoing-payments/pay", body, idempotency.HeaderKey, "pay-1")
	require.Equal(t, http.StatusOK, first.Code, string(first.Raw))

	second := env.call(t, http.MethodPost, "/api/v1/outgoing-payments/pay", body, idempotency.HeaderKey, "pay-1")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header.Get(idempotency.HeaderReplayed))
	assert.JSONEq(t, string(first.Raw), string(second.Raw))
	assert.Len(t, env.upstream.ShapeCalls(), 1, "the transfer is created once")
}

func TestPayRetryWhileInFlightIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	incomingID, token := env.session(t, "")
	now := time.Now()
	existing, err := env.srv.store.Reserve(context.Background(), "/api/v1/outgoing-payments/pay:pay-2",
		idempotency.Record{CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Nil(t, existing)

	res := env.call(t, http.MethodPost, "/api/v1/outgoing-payments/pay",
		payOutgoingRequest{IncomingPaymentID: incomingID, AccessToken: token}, idempotency.HeaderKey, "pay-2")
	assert.Equal(t, http.StatusConflict, res.Code)
	require.NotNil(t, res.Body.Error)
	assert.Equal(t, "IDEMPOTENCY_IN_PROGRESS", res.Body.Error.Code)
	assert.Empty(t, env.upstream.ShapeCalls())
}

func TestInteractionFinishPage(t *testing.T) {
	env := newTestEnv(t, func(c *config.AppConfig) { c.Service.HMACSecret = "secret" })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/interaction/finish?interact_ref=ref-1&hash=a%2Bb%2F%3D", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	page := rec.Body.String()
	assert.Contains(t, page, "ReactNativeWebView")
	assert.Contains(t, page, "window.opener")
	assert.Contains(t, page, `"ref-1"`)
	assert.Contains(t, page, "3000")
	assert.Contains(t, page, "Payment authorized")
}

func TestHMACProtectsAPIButNotProbes(t *testing.T) {
	env := newTestEnv(t, func(c *config.AppConfig) { c.Service.HMACSecret = "secret" })

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/wallets", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")

	signed := env.call(t, http.MethodGet, "/api/v1/wallets", nil)
	require.Equal(t, http.StatusOK, signed.Code, string(signed.Raw))
	var w payment.Wallets
	signed.data(t, &w)
	assert.Equal(t, "EUR", w.Payer.AssetCode)

	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHMACUsesConfiguredHeaderNames(t *testing.T) {
	env := newTestEnv(t, func(c *config.AppConfig) {
		c.Service.HMACSecret = "secret"
		c.Service.HMACSignatureHeader = "X-Parkpay-Signature"
		c.Service.HMACTimestampHeader = "X-Parkpay-Timestamp"
	})

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets", nil)
	req.Header.Set("X-Parkpay-Timestamp", ts)
	req.Header.Set("X-Parkpay-Signature", hmacauth.Sign("secret", ts, nil))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// the default names are no longer honoured
	res := env.call(t, http.MethodGet, "/api/v1/wallets", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestHealthReportsDegradedWallets(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.Update(func(s *openpaytest.Server) { s.FailWallet = "payer" })

	res := env.call(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
	var report healthReport
	require.NoError(t, json.Unmarshal(res.Body.Data, &report))
	assert.Equal(t, "degraded", report.Status)
	assert.False(t, report.Wallets.Connected)
	assert.True(t, report.Cache.Connected)
	assert.True(t, report.Idempotency.Connected)
}

func TestDebugIncomingAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	var ip openpay.IncomingPayment
	env.call(t, http.MethodPost, "/api/v1/incoming-payments", map[string]string{"amount": "250"}).data(t, &ip)

	var debug struct {
		Incoming openpay.IncomingPayment `json:"incoming"`
		Validity payment.Validity        `json:"validity"`
	}
	res := env.call(t, http.MethodGet, "/api/v1/incoming-payments/debug?id="+ip.ID, nil)
	require.Equal(t, http.StatusOK, res.Code, string(res.Raw))
	res.data(t, &debug)
	assert.True(t, debug.Validity.Payable)
	assert.Equal(t, "250", debug.Validity.Remaining)

	res = env.call(t, http.MethodGet, "/api/v1/incoming-payments/debug?id="+env.upstream.URL()+"/rs/incoming-payments/nope", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `parkpay_operations_total{operation="create_incoming",result="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `parkpay_operations_total{operation="debug_incoming",result="NOT_FOUND"} 1`)
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.call(t, http.MethodGet, "/api/v1/wallets", nil, "X-Request-Id", "req-42")
	assert.Equal(t, "req-42", res.Header.Get("X-Request-Id"))

	res = env.call(t, http.MethodGet, "/api/v1/wallets", nil)
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))
}
