package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pairup/internal/app/participant"
)

const (
	redisConnectTimeout = 5 * time.Second

	// redisTxRetries bounds optimistic WATCH/MULTI retries when a watched key changes.
	redisTxRetries = 5
)

// Redis is a Backend shared by every broker process pointed at the same server.
//
// Layout, relative to the key prefix:
//
//	profile:<id>  string  JSON participant.Profile, optional TTL
//	waiting       set     waiting participant ids
//	partner:<id>  string  partner id
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to the server at url (redis://…) and verifies it answers.
func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client. Keys are namespaced with prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) profileKey(id string) string { return r.prefix + "profile:" + id }
func (r *Redis) partnerKey(id string) string { return r.prefix + "partner:" + id }
func (r *Redis) waitingKey() string          { return r.prefix + "waiting" }

func (r *Redis) SaveProfile(ctx context.Context, id string, p participant.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	// A plain SET drops any TTL left by a previous ExpireProfile.
	if err := r.client.Set(ctx, r.profileKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("redis save profile: %w", err)
	}
	return nil
}

func (r *Redis) Profile(ctx context.Context, id string) (participant.Profile, bool, error) {
	data, err := r.client.Get(ctx, r.profileKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return participant.Profile{}, false, nil
	}
	if err != nil {
		return participant.Profile{}, false, fmt.Errorf("redis get profile: %w", err)
	}

	var p participant.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return participant.Profile{}, false, fmt.Errorf("failed to decode profile: %w", err)
	}
	return p, true, nil
}

func (r *Redis) ExpireProfile(ctx context.Context, id string, ttl time.Duration) error {
	var err error
	if ttl <= 0 {
		err = r.client.Del(ctx, r.profileKey(id)).Err()
	} else {
		err = r.client.Expire(ctx, r.profileKey(id), ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("redis expire profile: %w", err)
	}
	return nil
}

func (r *Redis) AddWaiting(ctx context.Context, id string) error {
	if err := r.client.SAdd(ctx, r.waitingKey(), id).Err(); err != nil {
		return fmt.Errorf("redis add waiting: %w", err)
	}
	return nil
}

func (r *Redis) RemoveWaiting(ctx context.Context, id string) error {
	if err := r.client.SRem(ctx, r.waitingKey(), id).Err(); err != nil {
		return fmt.Errorf("redis remove waiting: %w", err)
	}
	return nil
}

func (r *Redis) IsWaiting(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.waitingKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("redis is waiting: %w", err)
	}
	return ok, nil
}

func (r *Redis) WaitingCount(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.waitingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis waiting count: %w", err)
	}
	return int(n), nil
}

// PopWaiting uses SPOP, which is atomic on the server.
func (r *Redis) PopWaiting(ctx context.Context) (string, bool, error) {
	id, err := r.client.SPop(ctx, r.waitingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis pop waiting: %w", err)
	}
	return id, true, nil
}

// PopWaitingPair watches the pool so a concurrent change forces a retry that sees it.
func (r *Redis) PopWaitingPair(ctx context.Context, id string) (string, bool, error) {
	key := r.waitingKey()

	var other string
	err := r.watch(ctx, func(tx *redis.Tx) error {
		other = ""

		member, err := tx.SIsMember(ctx, key, id).Result()
		if err != nil || !member {
			return err
		}

		candidates, err := tx.SRandMemberN(ctx, key, 2).Result()
		if err != nil {
			return err
		}

		var picked string
		for _, c := range candidates {
			if c != id {
				picked = c
				break
			}
		}
		if picked == "" {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, key, id, picked)
			return nil
		})
		if err == nil {
			other = picked
		}
		return err
	}, key)
	if err != nil {
		return "", false, err
	}
	return other, other != "", nil
}

func (r *Redis) Partner(ctx context.Context, id string) (string, bool, error) {
	partnerID, err := r.client.Get(ctx, r.partnerKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get partner: %w", err)
	}
	return partnerID, true, nil
}

func (r *Redis) Link(ctx context.Context, a, b string) error {
	if a == b {
		return ErrSelfLink
	}

	keyA, keyB := r.partnerKey(a), r.partnerKey(b)

	return r.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keyA, keyB).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyLinked
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyA, b, 0)
			pipe.Set(ctx, keyB, a, 0)
			pipe.SRem(ctx, r.waitingKey(), a, b)
			return nil
		})
		return err
	}, keyA, keyB)
}

func (r *Redis) Unlink(ctx context.Context, a, b string) (bool, error) {
	keyA, keyB := r.partnerKey(a), r.partnerKey(b)

	var removed bool
	err := r.watch(ctx, func(tx *redis.Tx) error {
		removed = false

		values, err := tx.MGet(ctx, keyA, keyB).Result()
		if err != nil {
			return err
		}
		if values[0] != b || values[1] != a {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keyA, keyB)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, keyA, keyB)

	return removed, err
}

// watch runs fn in a WATCH transaction, retrying when a watched key changed underneath it.
func (r *Redis) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range redisTxRetries {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrAlreadyLinked) {
			return fmt.Errorf("redis transaction: %w", err)
		}
		return err
	}
	return fmt.Errorf("redis transaction on %v: %w", keys, redis.TxFailedErr)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
