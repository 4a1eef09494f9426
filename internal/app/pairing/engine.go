/*
Package pairing matches waiting participants into partnerships and dissolves them.

The Engine keeps no state of its own: every call re-reads the state backend, so any number
of connections (and, with a shared backend, processes) can drive it concurrently. Races
between read and act are tolerated by treating a stale partner as one that already left.
*/
package pairing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"pairup/internal/app/metrics"
	"pairup/internal/app/participant"
	"pairup/internal/app/signal"
	"pairup/internal/app/state"
	"pairup/internal/pkg/logx"
)

// DefaultMaxAttempts bounds how many pool candidates one EnqueueOrMatch call inspects.
const DefaultMaxAttempts = 5

// ErrPartnerGone is returned by CreateLink when b disconnected while the link was being
// written. The link has been removed again and nobody was notified.
var ErrPartnerGone = errors.New("pairing: partner disconnected during link")

// Engine implements enqueue/match/teardown on top of a state.Backend.
type Engine struct {
	backend     state.Backend
	transport   signal.Transport
	metrics     *metrics.Metrics
	maxAttempts int
	logger      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts sets the candidate cap per EnqueueOrMatch. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxAttempts = n
		}
	}
}

// WithMetrics records matchmaking events in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine returns an Engine reading and writing backend and notifying through transport.
func NewEngine(backend state.Backend, transport signal.Transport, opts ...Option) *Engine {
	e := &Engine{
		backend:     backend,
		transport:   transport,
		maxAttempts: DefaultMaxAttempts,
		logger:      logx.Component("pairing"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// EnqueueOrMatch pairs id with a live waiting participant, or puts id in the pool and
// tells it to wait. Self and dead candidates are discarded; after maxAttempts discards
// id is enqueued. A participant that already has a partner is left alone.
func (e *Engine) EnqueueOrMatch(ctx context.Context, id string) {
	logger := e.logger.With().Str("participant_id", id).Logger()

	if partnerID, linked, err := e.backend.Partner(ctx, id); err != nil {
		logger.Error().Err(err).Msg("Partner lookup failed before matching. Falling back to waiting.")
		e.notifyWaiting(id)
		return
	} else if linked {
		logger.Warn().Str("partner_id", partnerID).Msg("Match requested while already partnered. Ignoring.")
		return
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		candidate, found, err := e.backend.PopWaiting(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Waiting pool pop failed. Falling back to waiting.")
			e.notifyWaiting(id)
			return
		}

		if !found {
			e.enqueue(ctx, id)
			return
		}

		if candidate == id {
			logger.Debug().Int("attempt", attempt).Msg("Popped own id from waiting pool. Discarding.")
			e.metrics.CandidateDiscarded(metrics.DiscardSelf)
			continue
		}

		if !e.transport.IsLive(candidate) {
			logger.Debug().Str("candidate_id", candidate).Int("attempt", attempt).Msg("Popped stale candidate. Discarding.")
			e.metrics.CandidateDiscarded(metrics.DiscardNotLive)
			continue
		}

		if err := e.CreateLink(ctx, id, candidate); err != nil {
			if errors.Is(err, ErrPartnerGone) {
				logger.Debug().Str("candidate_id", candidate).Int("attempt", attempt).Msg("Candidate left while linking. Discarding.")
				e.metrics.CandidateDiscarded(metrics.DiscardNotLive)
				continue
			}
			logger.Warn().Err(err).Str("candidate_id", candidate).Msg("Match aborted.")
			e.metrics.CandidateDiscarded(metrics.DiscardLinkFail)
			e.requeue(ctx, candidate)
		}
		return
	}

	logger.Warn().Int("max_attempts", e.maxAttempts).Msg("Match attempts exhausted. Enqueueing.")
	e.enqueue(ctx, id)
}

// CreateLink partners a and b and sends each a "matched" event. a is the initiator.
// When the backend refuses the link nothing is sent.
func (e *Engine) CreateLink(ctx context.Context, a, b string) error {
	profileA := e.profileOrDefault(ctx, a)
	profileB := e.profileOrDefault(ctx, b)

	if err := e.backend.Link(ctx, a, b); err != nil {
		return fmt.Errorf("link %s with %s: %w", a, b, err)
	}

	// The transport drops a connection before its teardown runs, so a partner that is
	// still live here will find this link when it leaves.
	if !e.transport.IsLive(b) {
		if _, err := e.backend.Unlink(ctx, a, b); err != nil {
			e.logger.Error().Err(err).Str("initiator_id", a).Str("acceptor_id", b).Msg("Failed to remove link to departed partner.")
		}
		return fmt.Errorf("link %s with %s: %w", a, b, ErrPartnerGone)
	}

	e.metrics.MatchCreated()
	e.logger.Info().Str("initiator_id", a).Str("acceptor_id", b).Msg("Participants matched.")

	e.send(a, signal.EventMatched, signal.Matched{
		PartnerID:       b,
		Initiator:       true,
		PartnerNickname: profileB.Nickname,
	})
	e.send(b, signal.EventMatched, signal.Matched{
		PartnerID:       a,
		Initiator:       false,
		PartnerNickname: profileA.Nickname,
	})

	return nil
}

// Teardown dissolves id's partnership, if any, and takes id out of the waiting pool.
// Only the call that actually removes the link notifies the partner, so repeated or
// concurrent teardowns produce one "partnerDisconnected". The partner is not re-enqueued.
// It reports whether a partnership was dissolved.
func (e *Engine) Teardown(ctx context.Context, id string) bool {
	logger := e.logger.With().Str("participant_id", id).Logger()

	partnerID, found, err := e.backend.Partner(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("Partner lookup failed during teardown.")
		e.removeWaiting(ctx, id)
		return false
	}

	if !found {
		e.removeWaiting(ctx, id)
		e.metrics.Teardown(false)
		return false
	}

	removed, err := e.backend.Unlink(ctx, id, partnerID)
	if err != nil {
		logger.Error().Err(err).Str("partner_id", partnerID).Msg("Unlink failed during teardown.")
	}

	if removed {
		e.metrics.Teardown(true)
		logger.Info().Str("partner_id", partnerID).Msg("Partnership dissolved.")

		if e.transport.IsLive(partnerID) {
			e.send(partnerID, signal.EventPartnerDisconnected, nil)
		}
	}

	e.removeWaiting(ctx, id)
	return removed
}

// enqueue tells id to wait before making it visible in the pool, so a "matched" from a
// concurrent caller always arrives after the "waiting".
func (e *Engine) enqueue(ctx context.Context, id string) {
	e.notifyWaiting(id)

	if err := e.backend.AddWaiting(ctx, id); err != nil {
		e.logger.Error().Err(err).Str("participant_id", id).Msg("Failed to add participant to waiting pool.")
		return
	}

	e.pairWaiting(ctx, id)
}

// pairWaiting matches id with another waiter that joined the pool while id was finding
// it empty. Without it two participants arriving together could both wait forever.
func (e *Engine) pairWaiting(ctx context.Context, id string) {
	logger := e.logger.With().Str("participant_id", id).Logger()

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		candidate, found, err := e.backend.PopWaitingPair(ctx, id)
		if err != nil {
			logger.Error().Err(err).Msg("Waiting pool re-check failed.")
			return
		}
		if !found {
			return
		}

		if !e.transport.IsLive(candidate) {
			logger.Debug().Str("candidate_id", candidate).Int("attempt", attempt).Msg("Popped stale candidate on re-check. Discarding.")
			e.metrics.CandidateDiscarded(metrics.DiscardNotLive)
			e.requeue(ctx, id)
			continue
		}

		err = e.CreateLink(ctx, id, candidate)
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrPartnerGone):
			e.metrics.CandidateDiscarded(metrics.DiscardNotLive)
			e.requeue(ctx, id)
		default:
			logger.Warn().Err(err).Str("candidate_id", candidate).Msg("Match aborted on re-check.")
			e.metrics.CandidateDiscarded(metrics.DiscardLinkFail)
			e.requeue(ctx, candidate)
			e.requeue(ctx, id)
			return
		}
	}
}

func (e *Engine) notifyWaiting(id string) {
	e.metrics.ParticipantWaiting()
	e.send(id, signal.EventWaiting, nil)
}

// requeue returns a popped participant to the pool, unless it got a partner in the meantime.
func (e *Engine) requeue(ctx context.Context, id string) {
	if _, linked, err := e.backend.Partner(ctx, id); err != nil || linked {
		return
	}

	if err := e.backend.AddWaiting(ctx, id); err != nil {
		e.logger.Error().Err(err).Str("participant_id", id).Msg("Failed to return participant to waiting pool.")
	}
}

func (e *Engine) removeWaiting(ctx context.Context, id string) {
	if err := e.backend.RemoveWaiting(ctx, id); err != nil {
		e.logger.Error().Err(err).Str("participant_id", id).Msg("Failed to remove participant from waiting pool.")
	}
}

func (e *Engine) profileOrDefault(ctx context.Context, id string) participant.Profile {
	p, found, err := e.backend.Profile(ctx, id)
	if err != nil {
		e.logger.Warn().Err(err).Str("participant_id", id).Msg("Profile lookup failed. Using default.")
		return participant.DefaultProfile()
	}
	if !found {
		return participant.DefaultProfile()
	}
	return p
}

func (e *Engine) send(id, event string, payload any) {
	if err := e.transport.Send(id, event, payload); err != nil {
		e.logger.Warn().Err(err).Str("participant_id", id).Str("event", event).Msg("Failed to deliver event.")
	}
}
