package experts

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// agentSecret derives a per-agent secret from the registry's broker-wide
// secret. Neither side persists this value: the broker recomputes it from
// (brokerSecret, agentID) and the expert process is expected to compute
// the identical value from the same two inputs, which it learns once at
// authenticate() time (the authenticated token exchange is out of this
// package's scope; see pkg/authn). This keeps the challenge/response step
// from requiring its own secret-distribution channel.
func agentSecret(brokerSecret []byte, agentID string) ([]byte, error) {
	h, err := blake2b.New256(brokerSecret)
	if err != nil {
		return nil, fmt.Errorf("init agent secret mac: %w", err)
	}
	h.Write([]byte("expert-challenge"))
	h.Write([]byte{0})
	h.Write([]byte(agentID))
	return h.Sum(nil), nil
}

// newChallenge generates a fresh random challenge for a registering agent.
func newChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ComputeChallengeResponse computes the value an expert process must
// return to complete registration: MAC(challenge, agentSecret(agentID)).
// A first-party expert binary that shares the broker secret (see
// agentSecret's doc comment on why no separate distribution channel is
// needed) calls this directly; it is also how tests stand in for a real
// expert client.
func ComputeChallengeResponse(brokerSecret []byte, agentID, challenge string) (string, error) {
	return expectedResponse(brokerSecret, agentID, challenge)
}

// expectedResponse computes MAC(challenge, agentSecret(agentID)).
func expectedResponse(brokerSecret []byte, agentID, challenge string) (string, error) {
	secret, err := agentSecret(brokerSecret, agentID)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(secret)
	if err != nil {
		return "", fmt.Errorf("init challenge response mac: %w", err)
	}
	h.Write([]byte(challenge))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

// issueExpertToken mints an opaque token binding this expert registration.
// Unlike pkg/authn's bearer tokens, this token never expires on its own;
// it is invalidated by re-registration or explicit revocation.
func issueExpertToken(brokerSecret []byte, agentID, challenge string) (string, error) {
	h, err := blake2b.New256(brokerSecret)
	if err != nil {
		return "", fmt.Errorf("init expert token mac: %w", err)
	}
	h.Write([]byte("expert-token"))
	h.Write([]byte{0})
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(challenge))
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
