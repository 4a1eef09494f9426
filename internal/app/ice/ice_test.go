package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairup/internal/configs"
	"pairup/internal/pkg/logx"
)

func init() {
	logx.SetOutput(io.Discard)
}

func baseConfig() *configs.AppConfig {
	return &configs.AppConfig{
		TURNCredentialTTL:  time.Hour,
		TURNUsernamePrefix: "pairup",
	}
}

func TestNewProvider_DefaultsToPublicSTUN(t *testing.T) {
	p, err := NewProvider(baseConfig())
	require.NoError(t, err)

	cfg, err := p.Config()
	require.NoError(t, err)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{DefaultSTUNURL}, cfg.ICEServers[0].URLs)
	assert.Zero(t, cfg.TTL)
}

func TestParseServersJSON(t *testing.T) {
	servers, err := ParseServersJSON(`[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": [" turn:turn.example.com:3478?transport=udp ", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
	]`, true)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
	assert.Equal(t, []string{"turn:turn.example.com:3478?transport=udp", "turns:turn.example.com:5349"}, servers[1].URLs)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "c", servers[1].Credential)
}

func TestParseServersJSON_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":             `{`,
		"urls wrong type":      `[{"urls": 5}]`,
		"no urls":              `[{"urls": []}]`,
		"bad scheme":           `[{"urls": "http://stun.example.com"}]`,
		"turn without creds":   `[{"urls": "turn:turn.example.com"}]`,
		"turn without secret":  `[{"urls": "turn:turn.example.com", "username": "u"}]`,
		"turn blank username":  `[{"urls": "turn:turn.example.com", "username": " ", "credential": "c"}]`,
		"only blank url entry": `[{"urls": ["  "]}]`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseServersJSON(raw, true)
			assert.Error(t, err)
		})
	}
}

func TestParseServersJSON_TURNWithoutCredsWhenMinted(t *testing.T) {
	servers, err := ParseServersJSON(`[{"urls": "turn:turn.example.com"}]`, false)
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestServersFromURLs(t *testing.T) {
	servers, err := ServersFromURLs("stun:a.example.com, stun:b.example.com", "turn:t.example.com", "user", "pass", true)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:a.example.com", "stun:b.example.com"}, servers[0].URLs)
	assert.Equal(t, "user", servers[1].Username)

	_, err = ServersFromURLs("", "turn:t.example.com", "user", "", true)
	assert.ErrorContains(t, err, "TURN_URLS")

	_, err = ServersFromURLs("turn:t.example.com", "", "", "", true)
	assert.ErrorContains(t, err, "STUN_URLS")

	servers, err = ServersFromURLs(" , ", "", "", "", true)
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestNewProvider_JSONTakesPrecedence(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServersJSON = `[{"urls":"stun:json.example.com"}]`
	cfg.STUNURLs = "stun:env.example.com"

	p, err := NewProvider(cfg)
	require.NoError(t, err)

	out, err := p.Config()
	require.NoError(t, err)
	require.Len(t, out.ICEServers, 1)
	assert.Equal(t, []string{"stun:json.example.com"}, out.ICEServers[0].URLs)
}

func TestNewProvider_InvalidSettings(t *testing.T) {
	cfg := baseConfig()
	cfg.TURNURLs = "turn:t.example.com"
	_, err := NewProvider(cfg)
	assert.Error(t, err, "static TURN needs credentials")

	cfg = baseConfig()
	cfg.TURNSharedSecret = "s3cret"
	cfg.TURNUsernamePrefix = "bad:prefix"
	_, err = NewProvider(cfg)
	assert.Error(t, err)
}

func TestCredentialMinter(t *testing.T) {
	m, err := NewCredentialMinter("s3cret", 10*time.Minute, "pairup")
	require.NoError(t, err)
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	m.nonce = func() (string, error) { return "abc123", nil }

	creds, err := m.Mint()
	require.NoError(t, err)

	assert.Equal(t, "1700000600:pairup:abc123", creds.Username)
	assert.True(t, creds.ExpiresAt.Equal(time.Unix(1_700_000_600, 0)))

	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(creds.Username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), creds.Credential)
}

func TestNewCredentialMinter_Validation(t *testing.T) {
	_, err := NewCredentialMinter("", time.Hour, "p")
	assert.Error(t, err)
	_, err = NewCredentialMinter("s", 0, "p")
	assert.Error(t, err)
	_, err = NewCredentialMinter("s", time.Hour, "")
	assert.Error(t, err)
}

func TestProvider_MintsCredentialsForTURNOnly(t *testing.T) {
	cfg := baseConfig()
	cfg.STUNURLs = "stun:s.example.com"
	cfg.TURNURLs = "turn:t.example.com:3478"
	cfg.TURNSharedSecret = "s3cret"
	cfg.TURNCredentialTTL = 30 * time.Minute

	p, err := NewProvider(cfg)
	require.NoError(t, err)

	first, err := p.Config()
	require.NoError(t, err)
	second, err := p.Config()
	require.NoError(t, err)

	require.Len(t, first.ICEServers, 2)
	assert.Empty(t, first.ICEServers[0].Username)
	assert.Nil(t, first.ICEServers[0].Credential)

	turn := first.ICEServers[1]
	parts := strings.Split(turn.Username, ":")
	require.Len(t, parts, 3)
	assert.Equal(t, "pairup", parts[1])
	assert.NotEmpty(t, turn.Credential)
	assert.Equal(t, int64(1800), first.TTL)

	assert.NotEqual(t, turn.Username, second.ICEServers[1].Username, "credentials are fresh per request")

	// The stored list is never mutated.
	assert.Empty(t, p.servers[1].Username)
}

func TestConfig_JSONShape(t *testing.T) {
	cfg := Config{ICEServers: []webrtc.ICEServer{
		{URLs: []string{"turn:t.example.com"}, Username: "u", Credential: "c"},
	}}

	b, err := json.Marshal(cfg)
	require.NoError(t, err)

	var decoded struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		TTL *int64 `json:"ttl"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Len(t, decoded.ICEServers, 1)
	assert.Equal(t, []string{"turn:t.example.com"}, decoded.ICEServers[0].URLs)
	assert.Equal(t, "u", decoded.ICEServers[0].Username)
	assert.Equal(t, "c", decoded.ICEServers[0].Credential)
	assert.Nil(t, decoded.TTL)
}
