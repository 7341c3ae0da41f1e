package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errSignature is the only error a hook caller learns about.
var errSignature = errors.New("hook verification failed")

// verifySignature checks an HMAC-SHA256 of body against signature, given
// either as "sha256=<hex>" or as bare hex. The comparison is constant time.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errSignature
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return errSignature
	}
	return nil
}

// Sign returns the "sha256=<hex>" signature a hook caller sends for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
