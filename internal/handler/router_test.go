package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairup/internal/app/ice"
	"pairup/internal/app/metrics"
	"pairup/internal/app/pairing"
	"pairup/internal/app/relay"
	"pairup/internal/app/session"
	"pairup/internal/app/signal"
	"pairup/internal/app/state"
	"pairup/internal/app/transport"
	"pairup/internal/configs"
	"pairup/internal/pkg/logx"
	"pairup/internal/pkg/pow"
)

func init() {
	logx.SetOutput(io.Discard)
}

func testConfig() *configs.AppConfig {
	return &configs.AppConfig{
		Environment:        "development",
		StateBackend:       configs.BackendMemory,
		ProfileTTL:         time.Minute,
		MatchMaxAttempts:   5,
		TURNCredentialTTL:  time.Hour,
		TURNUsernamePrefix: "pairup",
	}
}

func newTestServer(t *testing.T, cfg *configs.AppConfig) (*httptest.Server, *AppDeps) {
	t.Helper()

	backend := state.NewMemory()
	m := metrics.New()
	hub := transport.NewHub(m)
	engine := pairing.NewEngine(backend, hub, pairing.WithMaxAttempts(cfg.MatchMaxAttempts), pairing.WithMetrics(m))
	router := relay.NewRouter(backend, hub, m)

	provider, err := ice.NewProvider(cfg)
	require.NoError(t, err)

	powManager := pow.NewManager(cfg.PowDifficulty)

	deps := &AppDeps{
		Config:   cfg,
		Hub:      hub,
		Sessions: session.NewCoordinator(backend, hub, engine, router, cfg.ProfileTTL),
		Backend:  backend,
		ICE:      provider,
		Pow:      powManager,
		Metrics:  m,
	}

	srv := httptest.NewServer(Router(deps))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
		powManager.Stop()
		_ = backend.Close()
	})

	return srv, deps
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func getJSON(t *testing.T, url string) (int, envelope) {
	t.Helper()

	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	return res.StatusCode, env
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func connect(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()

	frame := map[string]any{"type": event}
	if payload != nil {
		frame["payload"] = payload
	}
	require.NoError(t, conn.WriteJSON(frame))
}

func nextFrame(t *testing.T, conn *websocket.Conn) signal.Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env signal.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	status, env := getJSON(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, env.Code)
	assert.JSONEq(t, `{"status":"ok","service":"pairup"}`, string(env.Data))
}

func TestICEConfig(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	status, env := getJSON(t, srv.URL+"/api/ice")
	require.Equal(t, http.StatusOK, status)

	var cfg struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cfg))
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{ice.DefaultSTUNURL}, cfg.ICEServers[0].URLs)
}

func TestSignalingEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	alice := connect(t, srv)
	sendFrame(t, alice, "ready", map[string]string{"nickname": "Alice", "gender": "female"})
	assert.Equal(t, signal.EventWaiting, nextFrame(t, alice).Type)

	bob := connect(t, srv)
	sendFrame(t, bob, "ready", map[string]string{"nickname": "Bob", "gender": "male"})

	var bobMatched, aliceMatched signal.Matched
	env := nextFrame(t, bob)
	require.Equal(t, signal.EventMatched, env.Type)
	require.NoError(t, json.Unmarshal(env.Payload, &bobMatched))

	env = nextFrame(t, alice)
	require.Equal(t, signal.EventMatched, env.Type)
	require.NoError(t, json.Unmarshal(env.Payload, &aliceMatched))

	assert.True(t, bobMatched.Initiator)
	assert.False(t, aliceMatched.Initiator)
	assert.Equal(t, "Alice", bobMatched.PartnerNickname)
	assert.Equal(t, "Bob", aliceMatched.PartnerNickname)
	assert.NotEqual(t, aliceMatched.PartnerID, bobMatched.PartnerID)

	aliceID, bobID := bobMatched.PartnerID, aliceMatched.PartnerID

	require.Eventually(t, func() bool {
		status, statsEnv := getJSON(t, srv.URL+"/api/stats")
		return status == http.StatusOK &&
			string(statsEnv.Data) == `{"connections":2,"unseen":0,"waiting":0,"partnered":2,"poolSize":0}`
	}, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, bob, "offer", map[string]any{
		"target": aliceID,
		"offer":  map[string]string{"type": "offer", "sdp": "v=0"},
	})
	env = nextFrame(t, alice)
	require.Equal(t, signal.EventOffer, env.Type)
	assert.JSONEq(t, fmt.Sprintf(`{"target":%q,"offer":{"type":"offer","sdp":"v=0"},"from":%q}`, aliceID, bobID), string(env.Payload))

	sendFrame(t, alice, "getPartnerInfo", map[string]string{"partnerId": bobID})
	env = nextFrame(t, alice)
	require.Equal(t, signal.EventPartnerInfo, env.Type)
	assert.JSONEq(t, `{"nickname":"Bob","gender":"male"}`, string(env.Payload))

	require.NoError(t, bob.Close())
	env = nextFrame(t, alice)
	assert.Equal(t, signal.EventPartnerDisconnected, env.Type)
	assert.Empty(t, env.Payload)
}

func TestNextThroughSocket(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	alice := connect(t, srv)
	sendFrame(t, alice, "ready", map[string]string{"nickname": "Alice", "gender": "f"})
	nextFrame(t, alice)

	bob := connect(t, srv)
	sendFrame(t, bob, "ready", map[string]string{"nickname": "Bob", "gender": "m"})
	nextFrame(t, bob)
	nextFrame(t, alice)

	sendFrame(t, alice, "next", nil)
	assert.Equal(t, signal.EventWaiting, nextFrame(t, alice).Type)
	assert.Equal(t, signal.EventPartnerDisconnected, nextFrame(t, bob).Type)

	require.Eventually(t, func() bool {
		_, statsEnv := getJSON(t, srv.URL+"/api/stats")
		var stats StatsResponse
		if err := json.Unmarshal(statsEnv.Data, &stats); err != nil {
			return false
		}
		return stats.PoolSize == 0 && stats.Partnered == 0 && stats.Waiting == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketOriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Environment = "production"
	cfg.AllowedOrigins = []string{"https://app.example"}
	srv, _ := newTestServer(t, cfg)

	_, res, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), http.Header{"Origin": {"https://app.example"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestWebSocketProofOfWorkGate(t *testing.T) {
	cfg := testConfig()
	cfg.PowDifficulty = 1
	srv, _ := newTestServer(t, cfg)

	_, res, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	status, env := getJSON(t, srv.URL+"/api/pow/challenge")
	require.Equal(t, http.StatusOK, status)
	var challenge PowChallengeResponse
	require.NoError(t, json.Unmarshal(env.Data, &challenge))
	require.True(t, challenge.Enabled)
	assert.Equal(t, 1, challenge.Difficulty)

	counter := 0
	for !pow.MeetsDifficulty(challenge.Nonce, fmt.Sprint(counter), challenge.Difficulty) {
		counter++
	}

	body, err := json.Marshal(PowVerifyInput{Nonce: challenge.Nonce, Counter: fmt.Sprint(counter)})
	require.NoError(t, err)
	verifyRes, err := http.Post(srv.URL+"/api/pow/verify", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer verifyRes.Body.Close()
	require.Equal(t, http.StatusOK, verifyRes.StatusCode)

	var verifyEnv envelope
	require.NoError(t, json.NewDecoder(verifyRes.Body).Decode(&verifyEnv))
	var verified PowVerifyResponse
	require.NoError(t, json.Unmarshal(verifyEnv.Data, &verified))
	require.NotEmpty(t, verified.Token)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, pow.TokenQueryKey+"="+verified.Token), nil)
	require.NoError(t, err)
	_ = conn.Close()

	_, res, err = websocket.DefaultDialer.Dial(wsURL(srv, pow.TokenQueryKey+"="+verified.Token), nil)
	require.Error(t, err, "tokens are single use")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestPowVerifyRejectsBadInput(t *testing.T) {
	cfg := testConfig()
	cfg.PowDifficulty = 1
	srv, _ := newTestServer(t, cfg)

	post := func(body string) (int, envelope) {
		res, err := http.Post(srv.URL+"/api/pow/verify", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer res.Body.Close()
		var env envelope
		require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
		return res.StatusCode, env
	}

	status, env := post(`{"nonce":"","counter":"1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 1001, env.Code)

	status, env = post(`{"nonce":"unknown","counter":"1"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, 3002, env.Code)
	assert.Equal(t, "Verification failed (challenge expired).", env.Message)

	status, env = post(`{"nonce":"x","counter":"1","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 1003, env.Code)
}

func TestPowChallengeWhenDisabled(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	status, env := getJSON(t, srv.URL+"/api/pow/challenge")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"enabled":false,"difficulty":0}`, string(env.Data))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, deps := newTestServer(t, testConfig())

	conn := connect(t, srv)
	require.Eventually(t, func() bool { return deps.Hub.Stats().Connections == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pairup_connections_active 1")
	assert.Contains(t, string(body), `pairup_participants{state="unseen"} 1`)

	_ = conn.Close()
}
