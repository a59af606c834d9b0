package server

import (
	"net/http"
	"strings"
	"time"

	"parkpay/internal/openpay"
	"parkpay/internal/payment"
)

type createIncomingRequest struct {
	Amount string `json:"amount"`
}

type startOutgoingRequest struct {
	IncomingPaymentID string `json:"incomingPaymentId"`
}

type startOutgoingResponse struct {
	payment.PendingGrant
	IncomingPaymentID string `json:"incomingPaymentId"`
}

type finishOutgoingRequest struct {
	IncomingPaymentID string `json:"incomingPaymentId"`
	ContinueURI       string `json:"continueUri"`
	ContinueToken     string `json:"continueToken"`
	InteractRef       string `json:"interactRef"`
	Hash              string `json:"hash"`
}

type finishOutgoingResponse struct {
	AccessToken   string            `json:"accessToken"`
	PayerWalletID string            `json:"payerWalletId"`
	ManageURI     string            `json:"manageUri,omitempty"`
	ExpiresIn     int               `json:"expiresIn,omitempty"`
	Strategy      string            `json:"strategy,omitempty"`
	Attempts      []payment.Attempt `json:"attempts,omitempty"`
}

type payOutgoingRequest struct {
	IncomingPaymentID string `json:"incomingPaymentId"`
	AccessToken       string `json:"accessToken"`
}

type quoteSummary struct {
	ID            string          `json:"id"`
	DebitAmount   openpay.Amount  `json:"debitAmount"`
	ReceiveAmount openpay.Amount  `json:"receiveAmount"`
	Fee           *openpay.Amount `json:"fee,omitempty"`
}

type settlementSummary struct {
	Outcome  payment.Outcome `json:"outcome"`
	Rule     string          `json:"rule,omitempty"`
	Attempts int             `json:"attempts"`
}

type payOutgoingResponse struct {
	Payment           openpay.OutgoingPayment `json:"payment"`
	Quote             *quoteSummary           `json:"quote,omitempty"`
	Tier              string                  `json:"tier,omitempty"`
	Settlement        *settlementSummary      `json:"settlement,omitempty"`
	CompletionWarning string                  `json:"completionWarning,omitempty"`
}

type statusResponse struct {
	Payment    openpay.OutgoingPayment `json:"payment"`
	Outcome    payment.Outcome         `json:"outcome"`
	Diagnostic *payment.Diagnostic     `json:"diagnostic,omitempty"`
}

type verifyRequest struct {
	OutgoingPaymentURL string `json:"outgoingPaymentUrl"`
	AccessToken        string `json:"accessToken"`
}

type verifyResponse struct {
	State   string                   `json:"state"`
	Payment *openpay.OutgoingPayment `json:"payment,omitempty"`
}

func (s *Server) badBody(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, apiError{
		Code:    string(payment.CodeInvalidInput),
		Message: "invalid json payload: " + err.Error(),
	})
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	wallets, err := s.orch.Wallets(r.Context())
	s.metrics.observe("wallets", start, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, wallets)
}

func (s *Server) handleCreateIncoming(w http.ResponseWriter, r *http.Request) {
	var req createIncomingRequest
	if err := decode(r, &req); err != nil {
		s.badBody(w, err)
		return
	}
	start := time.Now()
	ip, err := s.orch.CreateIncoming(r.Context(), req.Amount)
	s.metrics.observe("create_incoming", start, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeData(w, http.StatusCreated, ip)
}

func (s *Server) handleStartOutgoing(w http.ResponseWriter, r *http.Request) {
	var req startOutgoingRequest
	if err := decode(r, &req); err != nil {
		s.badBody(w, err)
		return
	}
	start := time.Now()
	pending, err := s.orch.StartOutgoing(r.Context(), req.IncomingPaymentID)
	s.metrics.observe("start_outgoing", start, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, startOutgoingResponse{PendingGrant: pending, IncomingPaymentID: req.IncomingPaymentID})
}

func (s *Server) handleFinishOutgoing(w http.ResponseWriter, r *http.Request) {
	var req finishOutgoingRequest
	if err := decode(r, &req); err != nil {
		s.badBody(w, err)
		return
	}
	start := time.Now()
	res, err := s.orch.FinishOutgoing(r.Context(), payment.FinishRequest{
		IncomingPaymentID: req.IncomingPaymentID,
		ContinueURI:       req.ContinueURI,
		ContinueToken:     req.ContinueToken,
		InteractRef:       req.InteractRef,
		Hash:              req.Hash,
	})
	s.metrics.observe("finish_outgoing", start, err)
	if err != nil {
		if errorCode(err) == payment.CodeGrantContinuationFailed {
			s.metrics.incContinuation("exhausted")
		}
		s.writeFailure(w, err)
		return
	}
	s.metrics.incContinuation(res.Grant.Strategy)

	resp := finishOutgoingResponse{
		AccessToken:   res.AccessToken,
		PayerWalletID: res.PayerWalletID,
		ManageURI:     res.Grant.ManageURI,
		ExpiresIn:     res.Grant.ExpiresIn,
	}
	if !s.cfg.IsProduction() {
		resp.Strategy = res.Grant.Strategy
		resp.Attempts = res.Grant.Attempts
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handlePayOutgoing(w http.ResponseWriter, r *http.Request) {
	var req payOutgoingRequest
	if err := decode(r, &req); err != nil {
		s.badBody(w, err)
		return
	}
	start := time.Now()
	res, err := s.orch.PayOutgoing(r.Context(), req.IncomingPaymentID, req.AccessToken)
	s.metrics.observe("pay_outgoing", start, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.metrics.recordExecution(res.Execution)
	s.metrics.recordResolution(res.Resolution)

	resp := payOutgoingResponse{Payment: res.Payment}
	if q := res.Execution.Quote; q != nil {
		resp.Quote = &quoteSummary{ID: q.ID, DebitAmount: q.DebitAmount, ReceiveAmount: q.ReceiveAmount, Fee: q.Fee}
	}
	if res.Execution.CompletionWarning != nil {
		resp.CompletionWarning = res.Execution.CompletionWarning.Error()
	}
	if !s.cfg.IsProduction() {
		resp.Tier = res.Execution.Tier
		resp.Settlement = &settlementSummary{
			Outcome:  res.Resolution.Outcome,
			Rule:     res.Resolution.Rule,
			Attempts: res.Resolution.Attempts,
		}
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start := time.Now()
	res, err := s.orch.PaymentStatus(r.Context(), payment.StatusRequest{
		ID:          q.Get("id"),
		AccessToken: q.Get("accessToken"),
		Wait:        strings.EqualFold(q.Get("wait"), "true"),
	})
	s.metrics.observe("payment_status", start, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp := statusResponse{Payment: res.Payment, Outcome: res.Outcome}
	if !s.cfg.IsProduction() {
		resp.Diagnostic = &res.Diagnostic
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		s.badBody(w, err)
		return
	}
	start := time.Now()
	res, err := s.orch.VerifyPayment(r.Context(), req.OutgoingPaymentURL, req.AccessToken)
	s.metrics.observe("verify_payment", start, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.metrics.recordResolution(res.Resolution)
	writeData(w, http.StatusOK, verifyResponse{State: res.State, Payment: res.Payment})
}

func (s *Server) handleDebugIncoming(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := s.orch.DebugIncoming(r.Context(), r.URL.Query().Get("id"))
	s.metrics.observe("debug_incoming", start, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, struct {
		Incoming openpay.IncomingPayment `json:"incoming"`
		Validity payment.Validity        `json:"validity"`
	}{res.Incoming, res.Validity})
}
