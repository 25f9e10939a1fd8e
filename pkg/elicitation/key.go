package elicitation

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// newNonce generates a fresh random nonce for one elicitation.
func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// expectedResponseKey computes H(elicitation_id || to_agent || nonce ||
// broker_secret), spec.md §4.6's verbatim derivation. Only to_agent, which
// can recompute this from values it already knows (its own agent id and
// the nonce recorded in the ELICITATION_CREATED event) plus the broker secret it shares
// with the broker, can produce a valid response signature.
func expectedResponseKey(brokerSecret []byte, elicitationID, toAgent, nonce string) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("init response key hash: %w", err)
	}
	h.Write([]byte(elicitationID))
	h.Write([]byte{0})
	h.Write([]byte(toAgent))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	h.Write([]byte{0})
	h.Write(brokerSecret)
	return h.Sum(nil), nil
}

// responseSignature computes MAC(elicitation_id || responding_agent ||
// nonce || response_payload, expected_response_key).
func responseSignature(expectedKey []byte, elicitationID, respondingAgent, nonce string, payload []byte) (string, error) {
	h, err := blake2b.New256(expectedKey)
	if err != nil {
		return "", fmt.Errorf("init response signature mac: %w", err)
	}
	h.Write([]byte(elicitationID))
	h.Write([]byte{0})
	h.Write([]byte(respondingAgent))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	h.Write([]byte{0})
	h.Write(payload)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

func constantTimeEqual(a, b string) bool {
	ab, aerr := base64.RawURLEncoding.DecodeString(a)
	bb, berr := base64.RawURLEncoding.DecodeString(b)
	if aerr != nil || berr != nil || len(ab) != len(bb) {
		return false
	}
	var diff byte
	for i := range ab {
		diff |= ab[i] ^ bb[i]
	}
	return diff == 0
}
