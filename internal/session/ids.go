package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// nonceBytes yields 8 hex characters, the id suffix length clients display.
const nonceBytes = 4

// newNonce produces a random 8-character hex string using crypto/rand.
func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// newSessionID builds the id for a new agent or terminal session. Agent ids
// embed the resolved agent name ("claude-a1b2c3d4"); terminal ids use the
// literal prefix "terminal".
func newSessionID(prefix string) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	return prefix + "-" + nonce, nil
}
