/*
Package handler provides the HTTP surface of the broker.

This file defines the main Router, applying middleware for logging, CORS and panic recovery,
then mounting the JSON API, the metrics endpoint and the signaling WebSocket.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"pairup/internal/configs"
	"pairup/internal/pkg/limiter"
	"pairup/internal/pkg/logx"
	"pairup/internal/pkg/resp"
)

const (
	ConnectRate  = 0.5
	ConnectBurst = 10
	PowRate      = 1
	PowBurst     = 10
)

// Router sets up the main HTTP routing table for the application.
func Router(deps *AppDeps) http.Handler {
	connectLimiter := limiter.NewIPRateLimiter(rate.Limit(ConnectRate), ConnectBurst)
	powLimiter := limiter.NewIPRateLimiter(rate.Limit(PowRate), PowBurst)

	r := chi.NewRouter()

	origins := newOriginPolicy(deps.Config)

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     origins.allows,
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-PoW-Token"},
		ExposedHeaders:   []string{},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		logx.Debug("Health check endpoint hit")

		data := map[string]string{
			"status":  "ok",
			"service": "pairup",
		}
		resp.RespondSuccess(w, r, data)
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/ice", HandleICEConfig(deps))
		api.Get("/stats", HandleStats(deps))

		api.Route("/pow", func(p chi.Router) {
			p.Use(powLimiter.Middleware)
			p.Get("/challenge", HandlePowChallenge(deps))
			p.Post("/verify", HandlePowVerify(deps))
		})
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/ws", HandleWebSocket(deps, wsUpgrader, connectLimiter, origins))

	return r
}

// originPolicy decides which browser origins may open the signaling socket.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(cfg *configs.AppConfig) *originPolicy {
	p := &originPolicy{
		allowAll: cfg.IsDevelopment(),
		allowed:  make(map[string]struct{}, len(cfg.AllowedOrigins)),
	}
	for _, origin := range cfg.AllowedOrigins {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func (p *originPolicy) allows(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	origin := r.Header.Get("Origin")
	if _, ok := p.allowed[origin]; ok {
		return true
	}

	logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
	return false
}
