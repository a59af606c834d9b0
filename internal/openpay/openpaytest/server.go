// Package openpaytest runs an in-process wallet network (wallet documents,
// auth server, resource server) for tests.
package openpaytest

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"parkpay/internal/openpay"
)

// Outgoing payment request shapes, as recorded in Calls.
const (
	ShapeQuoted         = "quoted"
	ShapeReceiverDirect = "receiver-direct"
	ShapeMinimal        = "minimal"
)

// ContinueCall records one request against a continue URI.
type ContinueCall struct {
	ContentType string
	Accept      string
	InteractRef string
	Hash        string
}

type grant struct {
	id            string
	access        []openpay.AccessItem
	continueToken string
	interactRef   string
	finalized     bool
}

type outgoing struct {
	payment openpay.OutgoingPayment
	polls   int
}

// Server is a fake wallet network. Exported fields configure behaviour and
// may be changed between requests while holding no reference to internals.
type Server struct {
	srv *httptest.Server

	mu sync.Mutex

	// PublicKey, when set, makes signed endpoints verify request signatures.
	PublicKey ed25519.PublicKey
	// RateNum/RateDen convert payee minor units into payer minor units.
	RateNum, RateDen int64
	// OmitIncomingState drops "state" from incoming payment responses.
	OmitIncomingState bool
	// OmitOutgoingState drops "state" from outgoing payment responses.
	OmitOutgoingState bool
	// SettleAfterPolls is the number of reads after which an outgoing payment
	// reports sentAmount equal to debitAmount.
	SettleAfterPolls int
	// RejectQuotes makes quote creation fail with 400.
	RejectQuotes bool
	// RejectShapes maps an outgoing payment shape to the status it is rejected with.
	RejectShapes map[string]int
	// ContinuePolicy returns the status to answer a continuation with;
	// 0 or 200 accepts it. Nil accepts every continuation.
	ContinuePolicy func(ContinueCall) int
	// OutgoingView rewrites an outgoing payment before it is returned on read.
	OutgoingView func(poll int, p openpay.OutgoingPayment) openpay.OutgoingPayment
	// OutgoingGone makes outgoing payment reads answer 404.
	OutgoingGone bool
	// FailWallet makes the named wallet ("payer" or "payee") answer 503.
	FailWallet string
	// FailComplete is the status incoming payment completion answers with;
	// 0 completes the payment.
	FailComplete int

	grants        map[string]*grant
	tokens        map[string][]openpay.AccessItem
	incoming      map[string]*openpay.IncomingPayment
	quotes        map[string]openpay.Quote
	outgoing      map[string]*outgoing
	continueCalls []ContinueCall
	shapeCalls    []string
	walletReads   int
	seq           int
}

// New starts a fake network and closes it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		RateNum:      11,
		RateDen:      10,
		RejectShapes: map[string]int{},
		grants:       map[string]*grant{},
		tokens:       map[string][]openpay.AccessItem{},
		incoming:     map[string]*openpay.IncomingPayment{},
		quotes:       map[string]openpay.Quote{},
		outgoing:     map[string]*outgoing{},
	}

	r := chi.NewRouter()
	r.Get("/wallets/{name}", s.handleWallet)
	r.Post("/auth", s.handleGrant)
	r.Post("/auth/continue/{id}", s.handleContinue)
	r.Post("/rs/incoming-payments", s.handleCreateIncoming)
	r.Get("/rs/incoming-payments/{id}", s.handleGetIncoming)
	r.Post("/rs/incoming-payments/{id}/complete", s.handleCompleteIncoming)
	r.Post("/rs/quotes", s.handleCreateQuote)
	r.Post("/rs/outgoing-payments", s.handleCreateOutgoing)
	r.Get("/rs/outgoing-payments/{id}", s.handleGetOutgoing)

	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) URL() string      { return s.srv.URL }
func (s *Server) PayerURL() string { return s.srv.URL + "/wallets/payer" }
func (s *Server) PayeeURL() string { return s.srv.URL + "/wallets/payee" }

// OutgoingURL returns the resource URL for an outgoing payment id suffix.
func (s *Server) OutgoingURL(id string) string {
	return s.srv.URL + "/rs/outgoing-payments/" + id
}

// Approve simulates the user consenting at the redirect URL of a pending
// grant and returns the interaction reference handed back to the client.
func (s *Server) Approve(redirectURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := redirectURL[strings.LastIndex(redirectURL, "/")+1:]
	g, ok := s.grants[id]
	if !ok {
		return "", fmt.Errorf("unknown grant %q", id)
	}
	g.interactRef = "ref-" + g.id
	return g.interactRef, nil
}

func (s *Server) ContinueCalls() []ContinueCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ContinueCall(nil), s.continueCalls...)
}

// ShapeCalls lists outgoing payment creation attempts by shape, in order.
func (s *Server) ShapeCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.shapeCalls...)
}

func (s *Server) WalletReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletReads
}

// Polls reports how many times an outgoing payment has been read.
func (s *Server) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.outgoing[id]; ok {
		return o.polls
	}
	return 0
}

func (s *Server) IncomingState(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ip, ok := s.incoming[id]; ok {
		return ip.State
	}
	return ""
}

// Update runs fn with the server locked, for changing configuration while
// requests may be in flight.
func (s *Server) Update(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Server) wallet(name string) (openpay.WalletAddress, bool) {
	switch name {
	case "payer":
		return openpay.WalletAddress{
			ID: s.PayerURL(), PublicName: "Driver", AssetCode: "EUR", AssetScale: 2,
			AuthServer: s.srv.URL + "/auth", ResourceServer: s.srv.URL + "/rs",
		}, true
	case "payee":
		return openpay.WalletAddress{
			ID: s.PayeeURL(), PublicName: "Parking Operator", AssetCode: "USD", AssetScale: 2,
			AuthServer: s.srv.URL + "/auth", ResourceServer: s.srv.URL + "/rs",
		}, true
	}
	return openpay.WalletAddress{}, false
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.Lock()
	s.walletReads++
	failing := s.FailWallet == name
	wa, ok := s.wallet(name)
	s.mu.Unlock()

	if failing {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown wallet"})
		return
	}
	writeJSON(w, http.StatusOK, wa)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	var req openpay.GrantRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.AccessToken.Access) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Interact == nil {
		token := s.nextID("tok")
		s.tokens[token] = req.AccessToken.Access
		writeJSON(w, http.StatusOK, openpay.GrantResponse{
			AccessToken: &openpay.AccessToken{Value: token, ExpiresIn: 600, Access: req.AccessToken.Access},
		})
		return
	}

	g := &grant{id: s.nextID("grant"), access: req.AccessToken.Access, continueToken: s.nextID("cont")}
	s.grants[g.id] = g
	writeJSON(w, http.StatusOK, openpay.GrantResponse{
		Interact: &openpay.InteractResponse{
			Redirect: s.srv.URL + "/interact/" + g.id,
			Finish:   s.nextID("finish"),
		},
		Continue: &openpay.Continue{
			AccessToken: openpay.ContinueToken{Value: g.continueToken},
			URI:         s.srv.URL + "/auth/continue/" + g.id,
		},
	})
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	var req openpay.ContinueGrantRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call := ContinueCall{
		ContentType: r.Header.Get("Content-Type"),
		Accept:      r.Header.Get("Accept"),
		InteractRef: req.InteractRef,
		Hash:        req.Hash,
	}
	s.continueCalls = append(s.continueCalls, call)

	g, found := s.grants[chi.URLParam(r, "id")]
	switch {
	case !found:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_grant"})
		return
	case r.Header.Get("Authorization") != "GNAP "+g.continueToken:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_continuation"})
		return
	case g.finalized:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request_denied", "message": "grant already finalized"})
		return
	case g.interactRef == "" || g.interactRef != req.InteractRef:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_interaction"})
		return
	}

	if s.ContinuePolicy != nil {
		if status := s.ContinuePolicy(call); status != 0 && status != http.StatusOK {
			writeJSON(w, status, map[string]string{"error": "invalid_request", "message": "continuation rejected"})
			return
		}
	}

	g.finalized = true
	token := s.nextID("tok")
	s.tokens[token] = g.access
	writeJSON(w, http.StatusOK, openpay.GrantResponse{
		AccessToken: &openpay.AccessToken{
			Value: token, ExpiresIn: 600, Access: g.access,
			Manage: s.srv.URL + "/auth/token/" + token,
		},
	})
}

func (s *Server) handleCreateIncoming(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized(w, r, openpay.ResourceIncomingPayment, openpay.ActionCreate) {
		return
	}

	var req openpay.CreateIncomingPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil || req.IncomingAmount == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid incoming payment"})
		return
	}
	now := time.Now().UTC()
	id := s.srv.URL + "/rs/incoming-payments/" + s.nextID("ip")
	ip := &openpay.IncomingPayment{
		ID:             id,
		WalletAddress:  req.WalletAddress,
		IncomingAmount: req.IncomingAmount,
		ReceivedAmount: &openpay.Amount{Value: "0", AssetCode: req.IncomingAmount.AssetCode, AssetScale: req.IncomingAmount.AssetScale},
		State:          openpay.StatePending,
		ExpiresAt:      req.ExpiresAt,
		Metadata:       req.Metadata,
		CreatedAt:      &now,
	}
	s.incoming[id] = ip
	writeJSON(w, http.StatusCreated, s.incomingView(*ip))
}

func (s *Server) handleGetIncoming(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readSigned(w, r); !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized(w, r, openpay.ResourceIncomingPayment, openpay.ActionRead) {
		return
	}
	ip, ok := s.incoming[s.srv.URL+"/rs/incoming-payments/"+chi.URLParam(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, s.incomingView(*ip))
}

func (s *Server) handleCompleteIncoming(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readSigned(w, r); !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized(w, r, openpay.ResourceIncomingPayment, openpay.ActionComplete) {
		return
	}
	ip, ok := s.incoming[s.srv.URL+"/rs/incoming-payments/"+chi.URLParam(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	if s.FailComplete != 0 {
		writeJSON(w, s.FailComplete, map[string]string{"message": "completion unavailable"})
		return
	}
	ip.State = openpay.StateCompleted
	ip.Completed = true
	writeJSON(w, http.StatusOK, s.incomingView(*ip))
}

func (s *Server) incomingView(ip openpay.IncomingPayment) openpay.IncomingPayment {
	if s.OmitIncomingState {
		ip.State = ""
	}
	return ip
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized(w, r, openpay.ResourceQuote, openpay.ActionCreate) {
		return
	}
	if s.RejectQuotes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "quote rejected by receiver"})
		return
	}

	var req openpay.CreateQuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid quote"})
		return
	}
	ip, ok := s.payable(w, req.Receiver)
	if !ok {
		return
	}
	q := openpay.Quote{
		ID:            s.srv.URL + "/rs/quotes/" + s.nextID("quote"),
		WalletAddress: req.WalletAddress,
		Receiver:      req.Receiver,
		DebitAmount:   s.convert(*ip.IncomingAmount),
		ReceiveAmount: *ip.IncomingAmount,
		Method:        req.Method,
	}
	s.quotes[q.ID] = q
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleCreateOutgoing(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized(w, r, openpay.ResourceOutgoingPayment, openpay.ActionCreate) {
		return
	}

	var req openpay.CreateOutgoingPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid outgoing payment"})
		return
	}

	shape := ShapeMinimal
	receiver := req.IncomingPayment
	switch {
	case req.QuoteID != "":
		shape = ShapeQuoted
		receiver = s.quotes[req.QuoteID].Receiver
	case req.Method != "":
		shape = ShapeReceiverDirect
	}
	s.shapeCalls = append(s.shapeCalls, shape)

	if status := s.RejectShapes[shape]; status != 0 {
		writeJSON(w, status, map[string]string{"message": "unsupported request shape " + shape})
		return
	}
	ip, ok := s.payable(w, receiver)
	if !ok {
		return
	}

	now := time.Now().UTC()
	debit := s.convert(*ip.IncomingAmount)
	suffix := s.nextID("op")
	op := openpay.OutgoingPayment{
		ID:            s.OutgoingURL(suffix),
		WalletAddress: req.WalletAddress,
		Receiver:      receiver,
		QuoteID:       req.QuoteID,
		DebitAmount:   &debit,
		SentAmount:    &openpay.Amount{Value: "0", AssetCode: debit.AssetCode, AssetScale: debit.AssetScale},
		ReceiveAmount: &openpay.Amount{Value: "0", AssetCode: ip.IncomingAmount.AssetCode, AssetScale: ip.IncomingAmount.AssetScale},
		State:         openpay.StatePending,
		Metadata:      req.Metadata,
		CreatedAt:     &now,
	}
	s.outgoing[op.ID] = &outgoing{payment: op}
	writeJSON(w, http.StatusCreated, s.outgoingView(op))
}

func (s *Server) handleGetOutgoing(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readSigned(w, r); !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authorized(w, r, openpay.ResourceOutgoingPayment, openpay.ActionRead) {
		return
	}

	o, ok := s.outgoing[s.OutgoingURL(chi.URLParam(r, "id"))]
	if ok {
		o.polls++
	}
	if !ok || s.OutgoingGone {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "outgoing payment not found"})
		return
	}
	if o.polls >= s.SettleAfterPolls && o.payment.State == openpay.StatePending {
		o.payment.SentAmount = o.payment.DebitAmount
		o.payment.ReceiveAmount = s.receiveOf(o.payment.Receiver)
		o.payment.State = openpay.StateCompleted
	}
	view := s.outgoingView(o.payment)
	if s.OutgoingView != nil {
		view = s.OutgoingView(o.polls, view)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) outgoingView(op openpay.OutgoingPayment) openpay.OutgoingPayment {
	if s.OmitOutgoingState {
		op.State = ""
	}
	return op
}

func (s *Server) receiveOf(receiver string) *openpay.Amount {
	if ip, ok := s.incoming[receiver]; ok && ip.IncomingAmount != nil {
		amt := *ip.IncomingAmount
		return &amt
	}
	return nil
}

// payable writes the rejection itself when the receiver cannot be paid.
func (s *Server) payable(w http.ResponseWriter, receiver string) (*openpay.IncomingPayment, bool) {
	ip, ok := s.incoming[receiver]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid receiver"})
		return nil, false
	}
	state := ip.State
	if ip.ExpiresAt != nil && time.Now().After(*ip.ExpiresAt) {
		state = openpay.StateExpired
	}
	if state != openpay.StatePending {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"message": fmt.Sprintf("incoming payment state is %s, expected pending", state),
		})
		return nil, false
	}
	return ip, true
}

func (s *Server) convert(a openpay.Amount) openpay.Amount {
	v, _ := strconv.ParseInt(a.Value, 10, 64)
	num, den := s.RateNum, s.RateDen
	if num <= 0 || den <= 0 {
		num, den = 1, 1
	}
	debit := (v*num + den - 1) / den
	payer, _ := s.wallet("payer")
	return openpay.Amount{Value: strconv.FormatInt(debit, 10), AssetCode: payer.AssetCode, AssetScale: payer.AssetScale}
}

// authorized must be called with s.mu held.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request, resource, action string) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "GNAP ")
	for _, item := range s.tokens[token] {
		if item.Type != resource {
			continue
		}
		for _, a := range item.Actions {
			if a == action {
				return true
			}
		}
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "insufficient grant"})
	return false
}

func (s *Server) readSigned(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return nil, false
	}
	s.mu.Lock()
	pub := s.PublicKey
	s.mu.Unlock()
	if pub != nil {
		if err := openpay.VerifyRequest(r, body, pub); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return nil, false
		}
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
