/*
Package session binds a participant's connection lifecycle to matchmaking.

Every inbound frame is validated here before it reaches the pairing engine or the relay.
Frames that fail validation are dropped: the participant receives no reply and no state
changes. Errors from the state backend never close a connection.
*/
package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pairup/internal/app/pairing"
	"pairup/internal/app/participant"
	"pairup/internal/app/relay"
	"pairup/internal/app/signal"
	"pairup/internal/app/state"
	"pairup/internal/pkg/logx"
)

// TargetField names the partner in relayed frames. It is required but never used for routing.
const TargetField = "target"

// Coordinator dispatches participant events. It is safe for concurrent use.
type Coordinator struct {
	backend    state.Backend
	transport  signal.Transport
	engine     *pairing.Engine
	router     *relay.Router
	profileTTL time.Duration
	logger     zerolog.Logger
}

// NewCoordinator wires the coordinator. profileTTL controls what happens to a profile when
// its owner disconnects: negative keeps it, zero deletes it, positive expires it after that long.
func NewCoordinator(
	backend state.Backend,
	transport signal.Transport,
	engine *pairing.Engine,
	router *relay.Router,
	profileTTL time.Duration,
) *Coordinator {
	return &Coordinator{
		backend:    backend,
		transport:  transport,
		engine:     engine,
		router:     router,
		profileTTL: profileTTL,
		logger:     logx.Component("session"),
	}
}

type readyPayload struct {
	Nickname string  `json:"nickname"`
	Gender   *string `json:"gender"`
}

type partnerInfoRequest struct {
	PartnerID string `json:"partnerId"`
}

// HandleMessage processes one inbound frame from id. Frames from one connection must be
// handled in the order they arrived.
func (c *Coordinator) HandleMessage(ctx context.Context, id, event string, raw json.RawMessage) {
	logger := c.logger.With().Str("participant_id", id).Str("event", event).Logger()

	switch {
	case event == signal.EventReady:
		c.handleReady(ctx, logger, id, raw)

	case signal.IsRelayable(event):
		payload, ok := relayPayload(event, raw)
		if !ok {
			logger.Debug().Msg("Dropping malformed relay frame.")
			c.router.Reject(event)
			return
		}
		c.router.Relay(ctx, id, event, payload)

	case event == signal.EventGetPartnerInfo:
		var req partnerInfoRequest
		if err := json.Unmarshal(raw, &req); err != nil || strings.TrimSpace(req.PartnerID) == "" {
			logger.Debug().Msg("Dropping getPartnerInfo without partnerId.")
			return
		}
		c.router.PartnerInfo(ctx, id, req.PartnerID)

	case event == signal.EventNext:
		c.engine.Teardown(ctx, id)
		if err := c.transport.Send(id, signal.EventWaiting, nil); err != nil {
			logger.Warn().Err(err).Msg("Failed to deliver waiting.")
		}

	default:
		logger.Debug().Msg("Dropping unknown event.")
	}
}

func (c *Coordinator) handleReady(ctx context.Context, logger zerolog.Logger, id string, raw json.RawMessage) {
	var p readyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		logger.Debug().Err(err).Msg("Dropping ready with unreadable payload.")
		return
	}

	prof, verr := participant.ValidateProfile(p.Nickname, p.Gender)
	if verr != nil {
		logger.Debug().Msg("Dropping ready with invalid profile.")
		return
	}

	// A partnered participant keeps its profile; the engine ignores the match request too.
	if partnerID, linked, err := c.backend.Partner(ctx, id); err == nil && linked {
		logger.Warn().Str("partner_id", partnerID).Msg("Dropping ready while partnered.")
		return
	}

	if err := c.backend.SaveProfile(ctx, id, prof); err != nil {
		logger.Error().Err(err).Msg("Failed to store profile.")
	}

	c.engine.EnqueueOrMatch(ctx, id)
}

// HandleDisconnect tears down id's partnership and applies the profile retention policy.
// The transport calls it once per connection.
func (c *Coordinator) HandleDisconnect(ctx context.Context, id string) {
	c.engine.Teardown(ctx, id)

	if c.profileTTL < 0 {
		return
	}
	if err := c.backend.ExpireProfile(ctx, id, c.profileTTL); err != nil {
		c.logger.Warn().Err(err).Str("participant_id", id).Msg("Failed to schedule profile expiry.")
	}
}

// relayPayload checks the fields event requires: a non-empty target and, for the
// session-description and candidate events, a value under the event's own name.
func relayPayload(event string, raw json.RawMessage) (map[string]json.RawMessage, bool) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return nil, false
	}

	var target string
	if err := json.Unmarshal(payload[TargetField], &target); err != nil || strings.TrimSpace(target) == "" {
		return nil, false
	}

	if event != signal.EventReaction {
		v, ok := payload[event]
		if !ok || string(v) == "null" {
			return nil, false
		}
	}

	return payload, true
}
