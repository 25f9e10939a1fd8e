package eventlog

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// computeMAC returns the blake2b-256 MAC of body under secret, matching the
// keyed-hash primitive used throughout the broker (pkg/authn tokens,
// pkg/session tokens, pkg/elicitation response signatures).
func computeMAC(secret, body []byte) ([]byte, error) {
	h, err := blake2b.New256(secret)
	if err != nil {
		return nil, fmt.Errorf("eventlog: init mac: %w", err)
	}
	h.Write(body)
	return h.Sum(nil), nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
