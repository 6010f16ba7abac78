package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Sign computes the v1 request signature used on outbound calls to the
// payment gateway and the email provider. The timestamp is bound into the
// signed string so a captured request cannot be replayed later.
func Sign(secret string, payload []byte) (signature string, timestamp int64) {
	return SignAt(secret, payload, time.Now().Unix())
}

// SignAt is Sign with an explicit timestamp, for verification and tests.
func SignAt(secret string, payload []byte, timestamp int64) (string, int64) {
	toSign := fmt.Sprintf("%d.%s", timestamp, string(payload))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(toSign))
	sig := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("v1=%s", sig), timestamp
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, payload []byte, timestamp int64, signature string) bool {
	expected, _ := SignAt(secret, payload, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
