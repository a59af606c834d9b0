package hmacauth

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newVerifier() *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now:     func() time.Time { return fixedNow },
	}
}

func TestMiddleware_AllowsValidSignatureAndKeepsBody(t *testing.T) {
	body := `{"incomingPaymentId":"ip-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/outgoing-payments/start", strings.NewReader(body))
	require.NoError(t, SignRequest(req, "secret", fixedNow))
	rec := httptest.NewRecorder()

	var seen string
	newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen)
}

func TestMiddleware_Rejections(t *testing.T) {
	ts := strconv.FormatInt(fixedNow.Unix(), 10)
	stale := strconv.FormatInt(fixedNow.Add(-2*time.Minute).Unix(), 10)

	cases := map[string]struct {
		sig, ts string
		want    error
	}{
		"invalid signature": {sig: "deadbeef", ts: ts, want: ErrInvalidSignature},
		"missing signature": {ts: ts, want: ErrMissingSignature},
		"missing timestamp": {sig: "deadbeef", want: ErrMissingTimestamp},
		"stale timestamp":   {sig: Sign("secret", stale, []byte("{}")), ts: stale, want: ErrStaleTimestamp},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{}"))
			if tc.sig != "" {
				req.Header.Set(DefaultSignatureHeader, tc.sig)
			}
			if tc.ts != "" {
				req.Header.Set(DefaultTimestampHeader, tc.ts)
			}
			rec := httptest.NewRecorder()

			var got error
			v := newVerifier()
			v.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
				got = err
				w.WriteHeader(http.StatusUnauthorized)
			}
			v.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.True(t, errors.Is(got, tc.want), "got %v", got)
		})
	}
}

func TestMiddleware_ExemptAndDisabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	v := newVerifier()
	v.Exempt = func(r *http.Request) bool { return r.URL.Path == "/api/v1/health" }
	rec := httptest.NewRecorder()
	v.Middleware(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	v.Middleware(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/wallets", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	disabled := &Verifier{}
	rec = httptest.NewRecorder()
	disabled.Middleware(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/wallets", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddleware_CustomHeaders(t *testing.T) {
	ts := strconv.FormatInt(fixedNow.Unix(), 10)
	v := newVerifier()
	v.SignatureHeader = "X-Sig"
	v.TimestampHeader = "X-Ts"

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets", nil)
	req.Header.Set("X-Ts", ts)
	req.Header.Set("X-Sig", strings.ToUpper(Sign("secret", ts, nil)))
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
