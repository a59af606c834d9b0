package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	HeaderKey      = "X-Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// Replayer stores the first response per key and serves it again for
// repeated POSTs. Requests without the header pass through untouched.
// The key is reserved before the handler runs, so a retry that arrives
// while the first request is still in flight is turned away instead of
// running twice. Server errors release the key so the caller can retry.
type Replayer struct {
	Store        Store
	Window       time.Duration
	// PendingTTL bounds a reservation whose request never finished.
	PendingTTL   time.Duration
	// OnConflict handles a key reused with a different request body.
	OnConflict   func(http.ResponseWriter, *http.Request)
	// OnInProgress handles a key whose first request has not finished.
	OnInProgress func(http.ResponseWriter, *http.Request)
	Log          *zap.Logger
}

func (p *Replayer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if r.Method != http.MethodPost || key == "" || p.Store == nil {
			next.ServeHTTP(w, r)
			return
		}
		// Bookkeeping outlives a client that hangs up mid-request.
		ctx := context.WithoutCancel(r.Context())
		log := p.logger().With(zap.String("idempotency_key", key), zap.String("path", r.URL.Path))

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		fp := fingerprint(r, body)
		storeKey := r.URL.Path + ":" + key

		now := time.Now()
		existing, err := p.Store.Reserve(ctx, storeKey, Record{
			Fingerprint: fp,
			Pending:     true,
			CreatedAt:   now,
			ExpiresAt:   now.Add(p.pendingTTL()),
		})
		if err != nil {
			log.Warn("idempotency reservation failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if existing != nil {
			p.answerExisting(w, r, existing, fp, log)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		finished := false
		defer func() {
			if finished {
				return
			}
			if err := p.Store.Release(ctx, storeKey); err != nil {
				log.Warn("idempotency release failed", zap.Error(err))
			}
		}()
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			return
		}

		done := time.Now()
		record := Record{
			StatusCode:  rec.status,
			ContentType: w.Header().Get("Content-Type"),
			Response:    rec.body.Bytes(),
			Fingerprint: fp,
			CreatedAt:   done,
			ExpiresAt:   done.Add(p.window()),
		}
		// A failed save keeps the reservation until PendingTTL: the work is done
		// and must not run again.
		finished = true
		if err := p.Store.Save(ctx, storeKey, record); err != nil {
			log.Warn("idempotency save failed", zap.Error(err))
		}
	})
}

func (p *Replayer) answerExisting(w http.ResponseWriter, r *http.Request, existing *Record, fp string, log *zap.Logger) {
	if existing.Fingerprint != "" && existing.Fingerprint != fp {
		log.Warn("idempotency key reused with a different request")
		if p.OnConflict != nil {
			p.OnConflict(w, r)
		} else {
			http.Error(w, "idempotency key reused", http.StatusUnprocessableEntity)
		}
		return
	}
	if existing.Pending {
		log.Info("request with this idempotency key still in progress")
		if p.OnInProgress != nil {
			p.OnInProgress(w, r)
		} else {
			http.Error(w, "request in progress", http.StatusConflict)
		}
		return
	}
	if existing.ContentType != "" {
		w.Header().Set("Content-Type", existing.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write(existing.Response)
	log.Debug("replayed stored response", zap.Int("status", existing.StatusCode))
}

func (p *Replayer) window() time.Duration {
	if p.Window <= 0 {
		return 24 * time.Hour
	}
	return p.Window
}

func (p *Replayer) pendingTTL() time.Duration {
	if p.PendingTTL <= 0 {
		return 5 * time.Minute
	}
	return p.PendingTTL
}

func (p *Replayer) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte(r.URL.Path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// recorder tees the response into a buffer.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
