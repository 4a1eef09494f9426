/*
Package pow implements the Proof-of-Work admission gate in front of the signaling socket.

A client fetches a nonce, searches for a counter such that sha256(nonce+counter) starts with
the configured number of hex zeros, and trades the proof for a short-lived, single-use token
that it presents when opening the websocket.
*/
package pow

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// TokenHeaderKey is the header carrying a proof token.
	TokenHeaderKey = "X-PoW-Token"

	// TokenQueryKey is the query parameter carrying a proof token (browsers cannot set headers on websocket upgrades).
	TokenQueryKey = "pow_token"

	// ProofTokenDuration is how long an issued proof token stays valid.
	ProofTokenDuration = 30 * time.Second

	// NonceExpiryDuration is how long a challenge nonce stays valid.
	NonceExpiryDuration = 5 * time.Minute
)

var (
	ErrNonceInvalid   = errors.New("nonce expired or invalid")
	ErrProofTooWeak   = errors.New("proof does not meet difficulty requirement")
	ErrNonceConsumed  = errors.New("nonce consumed by concurrent request")
	errGateNotEnabled = errors.New("proof of work is disabled")
)

// Manager issues challenges and proof tokens. It is safe for concurrent use.
type Manager struct {
	difficulty int

	nonceStore map[string]time.Time
	tokenStore map[string]time.Time
	mu         sync.Mutex

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager requiring difficulty leading hex zeros and starts its
// expiry janitor. A difficulty of 0 disables the gate: Enabled reports false.
func NewManager(difficulty int) *Manager {
	m := &Manager{
		difficulty: difficulty,
		nonceStore: make(map[string]time.Time),
		tokenStore: make(map[string]time.Time),
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	go m.cleanupExpiredEntries()

	return m
}

// Enabled reports whether proofs are required.
func (m *Manager) Enabled() bool {
	return m != nil && m.difficulty > 0
}

// Difficulty returns the number of leading hex zeros required.
func (m *Manager) Difficulty() int {
	return m.difficulty
}

// Stop ends the janitor goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// GenerateNonce issues and remembers a new challenge nonce.
func (m *Manager) GenerateNonce() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce := uuid.New().String()
	m.nonceStore[nonce] = m.now().Add(NonceExpiryDuration)
	return nonce
}

// ValidateProof checks counter against nonce and, on success, consumes the nonce and
// returns a new proof token.
func (m *Manager) ValidateProof(nonce, counter string) (string, error) {
	if !m.Enabled() {
		return "", errGateNotEnabled
	}

	m.mu.Lock()
	expiryTime, ok := m.nonceStore[nonce]
	m.mu.Unlock()

	if !ok || m.now().After(expiryTime) {
		return "", ErrNonceInvalid
	}

	if !MeetsDifficulty(nonce, counter, m.difficulty) {
		return "", ErrProofTooWeak
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, stillExists := m.nonceStore[nonce]; !stillExists {
		return "", ErrNonceConsumed
	}
	delete(m.nonceStore, nonce)

	token := uuid.New().String()
	m.tokenStore[token] = m.now().Add(ProofTokenDuration)
	return token, nil
}

// ConsumeProofToken reports whether r carries a valid proof token (header or query) and,
// if so, invalidates it.
func (m *Manager) ConsumeProofToken(r *http.Request) bool {
	token := r.Header.Get(TokenHeaderKey)
	if token == "" {
		token = r.URL.Query().Get(TokenQueryKey)
	}

	if token == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiryTime, ok := m.tokenStore[token]
	if !ok {
		return false
	}
	delete(m.tokenStore, token)

	return !m.now().After(expiryTime)
}

// MeetsDifficulty reports whether hex(sha256(nonce+counter)) has difficulty leading zeros.
func MeetsDifficulty(nonce, counter string, difficulty int) bool {
	hash := sha256.Sum256([]byte(nonce + counter))
	hashStr := hex.EncodeToString(hash[:])

	return strings.HasPrefix(hashStr, strings.Repeat("0", difficulty))
}

func (m *Manager) cleanupExpiredEntries() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.purgeExpired()
		}
	}
}

func (m *Manager) purgeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	for nonce, expiry := range m.nonceStore {
		if now.After(expiry) {
			delete(m.nonceStore, nonce)
		}
	}

	for token, expiry := range m.tokenStore {
		if now.After(expiry) {
			delete(m.tokenStore, token)
		}
	}
}
