package openpay

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const signatureLabel = "sig1"

var (
	ErrMissingSignature = errors.New("openpay: missing request signature")
	ErrInvalidSignature = errors.New("openpay: invalid request signature")
	ErrDigestMismatch   = errors.New("openpay: content digest mismatch")
)

// Signer signs outbound requests with the client's ed25519 key using HTTP
// message signatures (RFC 9421). A nil Signer leaves requests unsigned.
type Signer struct {
	KeyID string
	Key   ed25519.PrivateKey
	Now   func() time.Time
}

func (s *Signer) Sign(req *http.Request, body []byte) error {
	if s == nil || len(s.Key) == 0 {
		return nil
	}
	if len(body) > 0 {
		req.Header.Set("Content-Digest", contentDigest(body))
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	components := coveredComponents(req, len(body) > 0)
	params := signatureParams(components, s.KeyID, now.Unix())
	base := signatureBase(req, targetURI(req), components, params)

	sig := ed25519.Sign(s.Key, []byte(base))
	req.Header.Set("Signature-Input", signatureLabel+"="+params)
	req.Header.Set("Signature", signatureLabel+"=:"+base64.StdEncoding.EncodeToString(sig)+":")
	return nil
}

// VerifyRequest checks a request signed by Signer. body must be the full
// request body already read from r.
func VerifyRequest(r *http.Request, body []byte, pub ed25519.PublicKey) error {
	input := r.Header.Get("Signature-Input")
	sigHeader := r.Header.Get("Signature")
	if input == "" || sigHeader == "" {
		return ErrMissingSignature
	}

	params := strings.TrimPrefix(input, signatureLabel+"=")
	open, closing := strings.Index(params, "("), strings.Index(params, ")")
	if open != 0 || closing < 0 {
		return fmt.Errorf("%w: malformed signature input", ErrInvalidSignature)
	}
	var components []string
	for _, c := range strings.Fields(params[open+1 : closing]) {
		components = append(components, strings.Trim(c, `"`))
	}

	if len(body) > 0 {
		if r.Header.Get("Content-Digest") != contentDigest(body) {
			return ErrDigestMismatch
		}
	}

	raw := strings.TrimPrefix(sigHeader, signatureLabel+"=")
	raw = strings.Trim(raw, ":")
	sig, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	target := r.URL.String()
	if r.URL.Host == "" {
		target = "http://" + r.Host + r.URL.RequestURI()
	}
	base := signatureBase(r, target, components, params)
	if !ed25519.Verify(pub, []byte(base), sig) {
		return ErrInvalidSignature
	}
	return nil
}

func coveredComponents(req *http.Request, hasBody bool) []string {
	components := []string{"@method", "@target-uri"}
	if req.Header.Get("Authorization") != "" {
		components = append(components, "authorization")
	}
	if hasBody {
		components = append(components, "content-digest", "content-type")
	}
	return components
}

func signatureParams(components []string, keyID string, created int64) string {
	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = strconv.Quote(c)
	}
	return fmt.Sprintf(`(%s);keyid=%q;created=%d`, strings.Join(quoted, " "), keyID, created)
}

func signatureBase(req *http.Request, target string, components []string, params string) string {
	var b strings.Builder
	for _, c := range components {
		var value string
		switch c {
		case "@method":
			value = req.Method
		case "@target-uri":
			value = target
		default:
			value = req.Header.Get(c)
		}
		fmt.Fprintf(&b, "%q: %s\n", c, value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", params)
	return b.String()
}

func targetURI(req *http.Request) string {
	return req.URL.String()
}

func contentDigest(body []byte) string {
	sum := sha512.Sum512(body)
	return "sha-512=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
}

// ParsePrivateKey accepts a PKCS#8 PEM block, a base64-encoded PEM block, or a
// base64-encoded raw ed25519 seed or key.
func ParsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("private key is empty")
	}

	if block, _ := pem.Decode(raw); block != nil {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		key, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want ed25519", parsed)
		}
		return key, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if bytes.HasPrefix(bytes.TrimSpace(decoded), []byte("-----BEGIN")) {
		return ParsePrivateKey(decoded)
	}

	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, fmt.Errorf("private key has %d bytes, want %d or %d", len(decoded), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}
