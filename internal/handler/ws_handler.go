/*
Package handler provides the HTTP handler function for WebSocket connection upgrading and initialization.

This file contains HandleWebSocket, which rate limits, checks the origin and the optional
proof-of-work token, upgrades the connection, assigns the participant id and runs the client.
*/
package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pairup/internal/app/transport"
	"pairup/internal/pkg/errs"
	"pairup/internal/pkg/limiter"
	"pairup/internal/pkg/logx"
	"pairup/internal/pkg/randx"
	"pairup/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, origins *originPolicy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := limiter.ClientIP(r)

		if !rateLimiter.Allow(ip) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", logx.AnonymizeIP(ip))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		if !origins.allows(r) {
			resp.RespondError(w, r, errs.NewError(errs.ErrOriginNotAllowed))
			return
		}

		if deps.Pow.Enabled() && !deps.Pow.ConsumeProofToken(r) {
			logx.Info("WebSocket connection rejected: Missing or invalid proof token.", "ip", logx.AnonymizeIP(ip))
			resp.RespondError(w, r, errs.NewError(errs.ErrPowChallengeRequired))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		participantID := randx.ParticipantID()
		client := transport.NewClient(deps.Hub, conn, participantID, deps.Sessions)

		if err := deps.Hub.Register(client); err != nil {
			logx.Warn("WebSocket client not registered.", "participant_id", participantID, "error", err.Error())
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server unavailable")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}

		go client.WritePump()

		logx.Info("WebSocket connection established and client registered", "participant_id", participantID)

		client.ReadPump()
	}
}
