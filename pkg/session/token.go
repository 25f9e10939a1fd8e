package session

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

func encodeMAC(sum []byte) string { return base64.RawURLEncoding.EncodeToString(sum) }

func decodeMAC(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// token format: session_id:agent_id:created_at_unixnano:base64(mac) — the
// literal layout spec.md §4.3 names, MACed the same way pkg/authn and
// pkg/eventlog MAC their own records.
func mac(secret []byte, parts ...string) ([]byte, error) {
	h, err := blake2b.New256(secret)
	if err != nil {
		return nil, fmt.Errorf("session: init mac: %w", err)
	}
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum(nil), nil
}

func issueToken(secret []byte, sessionID, agentID string, createdAt time.Time) (string, error) {
	created := strconv.FormatInt(createdAt.UnixNano(), 10)
	sum, err := mac(secret, sessionID, agentID, created)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{sessionID, agentID, created, encodeMAC(sum)}, ":"), nil
}

type parsedToken struct {
	sessionID string
	agentID   string
	createdAt time.Time
}

func parseToken(secret []byte, token string) (*parsedToken, error) {
	fields := strings.Split(token, ":")
	if len(fields) != 4 {
		return nil, fmt.Errorf("session: malformed token: expected 4 fields, got %d", len(fields))
	}
	sessionID, agentID, createdStr, sigStr := fields[0], fields[1], fields[2], fields[3]

	expected, err := mac(secret, sessionID, agentID, createdStr)
	if err != nil {
		return nil, err
	}
	got, err := decodeMAC(sigStr)
	if err != nil || !constantTimeEqual(expected, got) {
		return nil, fmt.Errorf("session: token MAC verification failed")
	}

	createdNanos, err := strconv.ParseInt(createdStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: malformed created_at: %w", err)
	}
	return &parsedToken{sessionID: sessionID, agentID: agentID, createdAt: time.Unix(0, createdNanos)}, nil
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
