package authn

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// mac computes a keyed BLAKE2b MAC over parts, each followed by a zero
// byte, under secret. blake2b is used rather than stdlib HMAC-SHA256 throughout this
// module to match the keyed-hash primitive the rest of the broker uses
// (session tokens, elicitation response signatures) — see pkg/session and
// pkg/elicitation.
func mac(secret []byte, parts ...string) ([]byte, error) {
	h, err := blake2b.New256(secret)
	if err != nil {
		return nil, fmt.Errorf("init mac: %w", err)
	}
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum(nil), nil
}

// issueToken builds an opaque bearer token binding agentID and role, valid
// until expiresAt, MACed under secret. Format:
// base64url(agentID|role|issuedAtUnixNano|expiresAtUnixNano|base64url(mac)).
func issueToken(secret []byte, agentID string, role Role, issuedAt, expiresAt time.Time) (string, error) {
	issued := strconv.FormatInt(issuedAt.UnixNano(), 10)
	expires := strconv.FormatInt(expiresAt.UnixNano(), 10)
	sum, err := mac(secret, agentID, string(role), issued, expires)
	if err != nil {
		return "", err
	}
	raw := strings.Join([]string{agentID, string(role), issued, expires, base64.RawURLEncoding.EncodeToString(sum)}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

type parsedToken struct {
	agentID   string
	role      Role
	issuedAt  time.Time
	expiresAt time.Time
}

// parseToken decodes and verifies a token's MAC under secret. It does not
// check expiry or the claimed role against caller expectations — callers
// (Authenticate) do that.
func parseToken(secret []byte, token string) (*parsedToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed token encoding: %w", err)
	}
	fields := strings.Split(string(raw), "|")
	if len(fields) != 5 {
		return nil, fmt.Errorf("malformed token: expected 5 fields, got %d", len(fields))
	}
	agentID, roleStr, issuedStr, expiresStr, sigB64 := fields[0], fields[1], fields[2], fields[3], fields[4]

	expected, err := mac(secret, agentID, roleStr, issuedStr, expiresStr)
	if err != nil {
		return nil, err
	}
	got, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || !constantTimeEqual(expected, got) {
		return nil, fmt.Errorf("token MAC verification failed")
	}

	issuedNanos, err := strconv.ParseInt(issuedStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed issued_at: %w", err)
	}
	expiresNanos, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed expires_at: %w", err)
	}

	return &parsedToken{
		agentID:   agentID,
		role:      Role(roleStr),
		issuedAt:  time.Unix(0, issuedNanos),
		expiresAt: time.Unix(0, expiresNanos),
	}, nil
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
