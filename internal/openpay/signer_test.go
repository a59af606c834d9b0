package openpay

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) (*Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &Signer{
		KeyID: "test-key",
		Key:   priv,
		Now:   func() time.Time { return time.Unix(1700000000, 0) },
	}, pub
}

func TestSignerRoundTrip(t *testing.T) {
	signer, pub := newTestSigner(t)
	body := []byte(`{"interact_ref":"abc"}`)

	req, err := http.NewRequest(http.MethodPost, "http://auth.example/continue/1", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "GNAP cont-token")
	require.NoError(t, signer.Sign(req, body))

	input := req.Header.Get("Signature-Input")
	assert.True(t, strings.HasPrefix(input, `sig1=("@method" "@target-uri" "authorization" "content-digest" "content-type")`), input)
	assert.Contains(t, input, `keyid="test-key"`)
	assert.Contains(t, input, "created=1700000000")
	assert.True(t, strings.HasPrefix(req.Header.Get("Content-Digest"), "sha-512=:"))

	require.NoError(t, VerifyRequest(req, body, pub))
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer, pub := newTestSigner(t)
	body := []byte(`{"amount":"1500"}`)

	req, err := http.NewRequest(http.MethodPost, "http://rs.example/quotes", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	require.NoError(t, signer.Sign(req, body))

	assert.ErrorIs(t, VerifyRequest(req, []byte(`{"amount":"9999"}`), pub), ErrDigestMismatch)

	req.Header.Set("Authorization", "GNAP injected")
	req.Header.Set("Signature-Input", strings.Replace(req.Header.Get("Signature-Input"), `"@target-uri"`, `"@target-uri" "authorization"`, 1))
	assert.ErrorIs(t, VerifyRequest(req, body, pub), ErrInvalidSignature)

	req.Header.Del("Signature")
	assert.ErrorIs(t, VerifyRequest(req, body, pub), ErrMissingSignature)
}

func TestNilSignerLeavesRequestUnsigned(t *testing.T) {
	var signer *Signer
	req, err := http.NewRequest(http.MethodGet, "http://rs.example/x", nil)
	require.NoError(t, err)
	require.NoError(t, signer.Sign(req, nil))
	assert.Empty(t, req.Header.Get("Signature"))
}

func TestParsePrivateKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	cases := map[string][]byte{
		"pem":        pemBytes,
		"base64 pem": []byte(base64.StdEncoding.EncodeToString(pemBytes)),
		"seed":       []byte(base64.StdEncoding.EncodeToString(priv.Seed())),
		"full key":   []byte(base64.StdEncoding.EncodeToString(priv)),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ParsePrivateKey(raw)
			require.NoError(t, err)
			assert.True(t, priv.Equal(got))
		})
	}

	_, err = ParsePrivateKey(nil)
	assert.Error(t, err)
	_, err = ParsePrivateKey([]byte(base64.StdEncoding.EncodeToString([]byte("short"))))
	assert.Error(t, err)
}
