/*
Package randx generates identifiers: participant ids for new connections and opaque tokens.
*/
package randx

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ParticipantID returns a fresh UUID v4 string used as a connection's participant id.
func ParticipantID() string {
	return uuid.New().String()
}

// IsValidParticipantID reports whether id parses as a UUID.
func IsValidParticipantID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Token returns n random bytes hex-encoded.
func Token(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes for token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
