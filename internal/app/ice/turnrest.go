package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"pairup/internal/pkg/randx"
)

// TURNCredentials is one coturn "use-auth-secret" credential pair.
type TURNCredentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// CredentialMinter issues time-limited TURN credentials from a secret shared with the TURN server:
//
//	username   = <unix expiry>:<prefix>:<random>
//	credential = base64(hmac-sha1(secret, username))
type CredentialMinter struct {
	secret []byte
	ttl    time.Duration
	prefix string

	now   func() time.Time
	nonce func() (string, error)
}

// NewCredentialMinter validates its arguments. prefix must not contain ':'.
func NewCredentialMinter(secret string, ttl time.Duration, prefix string) (*CredentialMinter, error) {
	if secret == "" {
		return nil, errors.New("TURN shared secret is required")
	}
	if ttl < time.Second {
		return nil, fmt.Errorf("TURN credential ttl must be at least 1s, got %s", ttl)
	}
	if prefix == "" || strings.Contains(prefix, ":") {
		return nil, fmt.Errorf("invalid TURN username prefix %q", prefix)
	}

	return &CredentialMinter{
		secret: []byte(secret),
		ttl:    ttl,
		prefix: prefix,
		now:    time.Now,
		nonce:  func() (string, error) { return randx.Token(16) },
	}, nil
}

// TTL returns how long minted credentials stay valid.
func (m *CredentialMinter) TTL() time.Duration {
	return m.ttl
}

// Mint returns a fresh credential pair.
func (m *CredentialMinter) Mint() (TURNCredentials, error) {
	nonce, err := m.nonce()
	if err != nil {
		return TURNCredentials{}, fmt.Errorf("mint TURN credentials: %w", err)
	}

	expiresAt := m.now().UTC().Add(m.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiresAt.Unix(), m.prefix, nonce)

	return TURNCredentials{
		Username:   username,
		Credential: sign(m.secret, username),
		ExpiresAt:  expiresAt,
	}, nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
