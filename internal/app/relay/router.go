// Package relay forwards handshake messages between the two members of a partnership.
package relay

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"pairup/internal/app/metrics"
	"pairup/internal/app/participant"
	"pairup/internal/app/signal"
	"pairup/internal/app/state"
	"pairup/internal/pkg/logx"
)

// Router resolves the destination of every message from the sender's partner link.
// Nothing the sender names is trusted as an address.
type Router struct {
	backend   state.Backend
	transport signal.Transport
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewRouter(backend state.Backend, transport signal.Transport, m *metrics.Metrics) *Router {
	return &Router{
		backend:   backend,
		transport: transport,
		metrics:   m,
		logger:    logx.Component("relay"),
	}
}

// Relay delivers payload to senderID's partner as event, with "from" set to senderID.
// Messages are dropped silently when there is no partner, the partner is gone or the
// backend fails. It returns the outcome recorded in metrics.
func (r *Router) Relay(ctx context.Context, senderID, event string, payload map[string]json.RawMessage) string {
	outcome := r.relay(ctx, senderID, event, payload)
	r.metrics.Relay(event, outcome)
	return outcome
}

// Reject records a relay frame that was dropped before routing because it was malformed.
func (r *Router) Reject(event string) {
	r.metrics.Relay(event, metrics.RelayInvalidFormat)
}

func (r *Router) relay(ctx context.Context, senderID, event string, payload map[string]json.RawMessage) string {
	logger := r.logger.With().Str("participant_id", senderID).Str("event", event).Logger()

	if !signal.IsRelayable(event) {
		logger.Warn().Msg("Refusing to relay event.")
		return metrics.RelayNotRelayable
	}

	partnerID, found, err := r.backend.Partner(ctx, senderID)
	if err != nil {
		logger.Error().Err(err).Msg("Partner lookup failed. Dropping message.")
		return metrics.RelayBackendError
	}
	if !found {
		logger.Debug().Msg("No partner. Dropping message.")
		return metrics.RelayNoPartner
	}
	if !r.transport.IsLive(partnerID) {
		logger.Debug().Str("partner_id", partnerID).Msg("Partner connection gone. Dropping message.")
		return metrics.RelayPartnerGone
	}

	out := make(map[string]json.RawMessage, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	from, _ := json.Marshal(senderID)
	out[signal.FromField] = from

	if err := r.transport.Send(partnerID, event, out); err != nil {
		logger.Warn().Err(err).Str("partner_id", partnerID).Msg("Relay delivery failed.")
		return metrics.RelaySendFailed
	}

	return metrics.RelayDelivered
}

// PartnerInfo answers requesterID with targetID's stored profile, or the default profile.
// The target need not be live or partnered with the requester.
func (r *Router) PartnerInfo(ctx context.Context, requesterID, targetID string) {
	prof, found, err := r.backend.Profile(ctx, targetID)
	if err != nil {
		r.logger.Warn().Err(err).Str("target_id", targetID).Msg("Profile lookup failed. Answering with default.")
		found = false
	}
	if !found {
		prof = participant.DefaultProfile()
	}

	info := signal.PartnerInfo{Nickname: prof.Nickname, Gender: prof.Gender}
	if err := r.transport.Send(requesterID, signal.EventPartnerInfo, info); err != nil {
		r.logger.Warn().Err(err).Str("participant_id", requesterID).Msg("Failed to deliver partner info.")
	}
}
