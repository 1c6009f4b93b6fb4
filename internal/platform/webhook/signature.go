package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const SignatureHeader = "x-metriport-signature"

// SignPayload returns the hex HMAC-SHA256 of payload under key.
func SignPayload(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. Hex case is ignored.
func VerifySignature(payload []byte, key, signature string) bool {
	if signature == "" {
		return false
	}
	expected := SignPayload(payload, key)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
