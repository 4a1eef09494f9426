package handler

import (
	"pairup/internal/app/ice"
	"pairup/internal/app/metrics"
	"pairup/internal/app/state"
	"pairup/internal/app/transport"
	"pairup/internal/configs"
	"pairup/internal/pkg/pow"
)

// AppDeps is everything the HTTP layer needs. Metrics may be nil.
type AppDeps struct {
	Config   *configs.AppConfig
	Hub      *transport.Hub
	Sessions transport.Handler
	Backend  state.Backend
	ICE      *ice.Provider
	Pow      *pow.Manager
	Metrics  *metrics.Metrics
}
