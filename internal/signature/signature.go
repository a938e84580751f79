// Package signature signs and verifies ingest batches. The SDK sends the
// lower-case hex HMAC-SHA256 of the raw request body, keyed with the app secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

var (
	ErrMissing  = errors.New("signature: missing key or signature")
	ErrMismatch = errors.New("signature: mismatch")
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks claimed against the signature of body. The comparison runs in
// constant time over the hex digits; a claim of the wrong length is rejected
// without comparing any of them.
func Verify(secret, body []byte, claimed string) error {
	if claimed == "" {
		return ErrMissing
	}
	expected := Sign(secret, body)
	if len(claimed) != len(expected) {
		return ErrMismatch
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(claimed)) != 1 {
		return ErrMismatch
	}
	return nil
}
