// Package signature authenticates webhook bodies posted by the commerce platform.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Header carries the hex HMAC-SHA256 of the raw request body.
const Header = "X-Signature"

var ErrInvalid = errors.New("invalid signature")

// Verify reports whether signatureHeader is the HMAC-SHA256 of rawBody under
// secret. rawBody must be the bytes as received, before any JSON decoding.
// A missing header, bad hex or empty secret all fail closed.
func Verify(rawBody []byte, signatureHeader string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	sig := strings.TrimSpace(signatureHeader)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return false
	}
	given, err := hex.DecodeString(sig)
	if err != nil || len(given) != sha256.Size {
		return false
	}
	return hmac.Equal(given, Sign(rawBody, secret))
}

// Sign returns the raw HMAC-SHA256 digest of body.
func Sign(body, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignHex returns the header value the platform would send for body.
func SignHex(body, secret []byte) string {
	return hex.EncodeToString(Sign(body, secret))
}

// Verifier binds the shared secret so callers only pass the request parts.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(rawBody []byte, signatureHeader string) error {
	if !Verify(rawBody, signatureHeader, v.secret) {
		return ErrInvalid
	}
	return nil
}
