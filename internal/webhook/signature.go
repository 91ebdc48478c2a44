// Package webhook implements the idempotent two-phase ingestion pipeline for
// externally delivered payment events: verify the signature at the boundary,
// record the event once, then process with retry.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sign returns the hex-encoded HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature over the exact raw body
// in constant time. Verification happens strictly before Phase 1; a failure
// here is rejected at the boundary and never recorded.
func VerifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	want := Sign(secret, body)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// PayloadHash returns the hex SHA-256 of the raw body, stored alongside the
// event for redelivery diagnostics.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
