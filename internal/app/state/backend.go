/*
Package state is the storage layer behind matchmaking: participant profiles, the waiting pool
and partner links.

Backend is implemented in-process (Memory), on Redis and on PostgreSQL. Every implementation
provides the same atomicity guarantees: PopWaiting never hands the same id to two callers,
Link writes both directions or neither, and Unlink removes both directions or neither.
*/
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairup/internal/app/participant"
	"pairup/internal/configs"
)

var (
	// ErrSelfLink is returned when asked to link a participant with itself.
	ErrSelfLink = errors.New("state: cannot link a participant with itself")

	// ErrAlreadyLinked is returned when either side of a Link already has a partner.
	ErrAlreadyLinked = errors.New("state: participant already has a partner")
)

// Backend stores matchmaking state. Implementations are safe for concurrent use by
// many connections and, for the networked ones, by many processes.
type Backend interface {
	// SaveProfile stores p for id, replacing any previous profile and cancelling a pending expiry.
	SaveProfile(ctx context.Context, id string, p participant.Profile) error

	// Profile returns the stored profile for id and whether one exists.
	Profile(ctx context.Context, id string) (participant.Profile, bool, error)

	// ExpireProfile removes id's profile after ttl, or immediately when ttl <= 0.
	ExpireProfile(ctx context.Context, id string, ttl time.Duration) error

	// AddWaiting puts id in the waiting pool.
	AddWaiting(ctx context.Context, id string) error

	// RemoveWaiting takes id out of the waiting pool. Absent ids are ignored.
	RemoveWaiting(ctx context.Context, id string) error

	// IsWaiting reports whether id is in the waiting pool. Matchmaking never needs it; tests
	// and diagnostics use it to inspect the pool.
	IsWaiting(ctx context.Context, id string) (bool, error)

	// WaitingCount returns the size of the waiting pool.
	WaitingCount(ctx context.Context) (int, error)

	// PopWaiting atomically removes and returns an arbitrary member of the pool.
	// found is false when the pool is empty.
	PopWaiting(ctx context.Context) (id string, found bool, err error)

	// PopWaitingPair atomically removes id and one other member from the pool and returns
	// the other. found is false, and nothing changes, when id is not in the pool or is alone
	// in it. Concurrent calls for two waiting ids pair them once.
	PopWaitingPair(ctx context.Context, id string) (otherID string, found bool, err error)

	// Partner returns id's current partner.
	Partner(ctx context.Context, id string) (partnerID string, found bool, err error)

	// Link records a and b as partners in both directions and drops both from the waiting
	// pool, atomically. It fails with ErrSelfLink or ErrAlreadyLinked without changing state.
	Link(ctx context.Context, a, b string) error

	// Unlink deletes the a<->b partnership if a and b are still partnered with each other,
	// atomically. removed reports whether this call deleted it.
	Unlink(ctx context.Context, a, b string) (removed bool, err error)

	// Close releases the backend's resources.
	Close() error
}

// Open builds the backend selected by cfg.StateBackend.
func Open(ctx context.Context, cfg *configs.AppConfig) (Backend, error) {
	switch cfg.StateBackend {
	case configs.BackendMemory, "":
		return NewMemory(), nil
	case configs.BackendRedis:
		r, err := OpenRedis(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	case configs.BackendPostgres:
		p, err := OpenPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.StateBackend)
	}
}
