package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"parkpay/internal/cache"
	"parkpay/internal/config"
	"parkpay/internal/hmacauth"
	"parkpay/internal/idempotency"
	"parkpay/internal/openpay"
	"parkpay/internal/payment"
)

// Orchestrator is the payment surface the API exposes. *payment.Orchestrator
// satisfies it.
type Orchestrator interface {
	Wallets(ctx context.Context) (payment.Wallets, error)
	CreateIncoming(ctx context.Context, amount string) (openpay.IncomingPayment, error)
	StartOutgoing(ctx context.Context, incomingPaymentID string) (payment.PendingGrant, error)
	FinishOutgoing(ctx context.Context, req payment.FinishRequest) (payment.FinishResult, error)
	PayOutgoing(ctx context.Context, incomingPaymentID, accessToken string) (payment.PayResult, error)
	PaymentStatus(ctx context.Context, req payment.StatusRequest) (payment.StatusResult, error)
	VerifyPayment(ctx context.Context, outgoingPaymentURL, accessToken string) (payment.VerifyResult, error)
	DebugIncoming(ctx context.Context, incomingPaymentID string) (payment.DebugResult, error)
}

const (
	pathHealth  = "/api/v1/health"
	pathMetrics = "/api/v1/metrics"
	pathFinish  = "/api/v1/interaction/finish"
)

type Server struct {
	cfg        *config.AppConfig
	orch       Orchestrator
	store      idempotency.Store
	cache      cache.Cache
	hmac       *hmacauth.Verifier
	replay     *idempotency.Replayer
	metrics    *metricsRegistry
	log        *zap.Logger
	handler    http.Handler
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, orch Orchestrator, store idempotency.Store, c cache.Cache, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		store:   store,
		cache:   c,
		metrics: newMetricsRegistry(),
		log:     log,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:          cfg.Service.HMACSecret,
		MaxSkew:         cfg.Service.HMACClockSkew,
		SignatureHeader: cfg.Service.HMACSignatureHeader,
		TimestampHeader: cfg.Service.HMACTimestampHeader,
		Exempt: func(r *http.Request) bool {
			switch r.URL.Path {
			case pathHealth, pathMetrics, pathFinish:
				return true
			}
			return false
		},
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("request authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, apiError{Code: "UNAUTHORIZED", Message: err.Error()})
		},
	}
	s.replay = &idempotency.Replayer{
		Store:  store,
		Window: cfg.Service.IdempotencyWindow,
		Log:    log.Named("idempotency"),
		OnConflict: func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusUnprocessableEntity, apiError{
				Code:    "IDEMPOTENCY_KEY_REUSED",
				Message: "idempotency key was already used with a different request",
			})
		},
		OnInProgress: func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusConflict, apiError{
				Code:    "IDEMPOTENCY_IN_PROGRESS",
				Message: "a request with this idempotency key is still being processed",
			})
		},
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.hmac.Middleware)
		r.Use(s.replay.Middleware)

		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())
		r.Get("/interaction/finish", s.handleInteractionFinish)

		r.Get("/wallets", s.handleWallets)
		r.Post("/incoming-payments", s.handleCreateIncoming)
		r.Get("/incoming-payments/debug", s.handleDebugIncoming)
		r.Post("/outgoing-payments/start", s.handleStartOutgoing)
		r.Post("/outgoing-payments/finish", s.handleFinishOutgoing)
		r.Post("/outgoing-payments/pay", s.handlePayOutgoing)
		r.Get("/outgoing-payments/status", s.handlePaymentStatus)
		r.Post("/outgoing-payments/verify", s.handleVerifyPayment)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, apiError{Code: string(payment.CodeNotFound), Message: "route not found"})
	})

	s.handler = otelhttp.NewHandler(r, "parkpay",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the full middleware stack, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type componentHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type healthReport struct {
	Status      string          `json:"status"`
	Wallets     componentHealth `json:"wallets"`
	Cache       componentHealth `json:"cache"`
	Idempotency componentHealth `json:"idempotency"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	check := func(fn func(context.Context) error) componentHealth {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		start := time.Now()
		if err := fn(checkCtx); err != nil {
			return componentHealth{Error: err.Error()}
		}
		return componentHealth{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
	}

	report := healthReport{
		Wallets: check(func(ctx context.Context) error {
			_, err := s.orch.Wallets(ctx)
			return err
		}),
		Cache:       componentHealth{Connected: true},
		Idempotency: componentHealth{Connected: true},
	}
	if s.cache != nil {
		report.Cache = check(s.cache.Ping)
	}
	if s.store != nil {
		report.Idempotency = check(s.store.Ping)
	}

	healthy := report.Wallets.Connected && report.Cache.Connected && report.Idempotency.Connected
	report.Status = "healthy"
	status := http.StatusOK
	if !healthy {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Success: healthy, Data: report})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(middleware.RequestIDHeader, id)
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}
