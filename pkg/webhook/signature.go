package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ParseSignature splits a "v1,<timestamp>,<signature>" header. The timestamp
// and signature may carry "t=" and "v1=" prefixes.
func ParseSignature(header string) (timestamp, signature string, ok bool) {
	parts := strings.Split(header, ",")
	if len(parts) < 3 {
		return "", "", false
	}

	timestamp = strings.TrimPrefix(strings.TrimSpace(parts[1]), "t=")
	signature = strings.TrimPrefix(strings.TrimSpace(parts[2]), "v1=")

	if timestamp == "" || signature == "" {
		return "", "", false
	}

	return timestamp, signature, true
}

// ComputeSignature is the hex HMAC-SHA256 of "{timestamp}.{payload}".
func ComputeSignature(signingKey, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)

	return hex.EncodeToString(mac.Sum(nil))
}

// FormatSignature builds a header value that ParseSignature accepts.
func FormatSignature(timestamp, signature string) string {
	return "v1," + timestamp + "," + signature
}

func signatureMatches(signingKey, timestamp, provided string, payload []byte) bool {
	expected := ComputeSignature(signingKey, timestamp, payload)

	return hmac.Equal([]byte(provided), []byte(expected))
}
