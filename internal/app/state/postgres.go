package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"pairup/internal/app/participant"
	"pairup/internal/pkg/logx"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const pgUniqueViolation = "23505"

// waitingPairLock serializes PopWaitingPair transactions. Plain pops are not blocked by it.
const waitingPairLock = 0x70616972

// Postgres is a Backend on PostgreSQL. Schema is managed by the embedded goose migrations.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a connection pool for dsn, checks connectivity and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := runMigrations(sqlDB); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// runMigrations applies all pending migrations from the embedded file system.
func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logx.Info("Database migrations applied successfully.")
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func (p *Postgres) SaveProfile(ctx context.Context, id string, prof participant.Profile) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO participant_profiles (participant_id, nickname, gender, expires_at, updated_at)
		VALUES ($1, $2, $3, NULL, now())
		ON CONFLICT (participant_id) DO UPDATE
		SET nickname = EXCLUDED.nickname,
		    gender = EXCLUDED.gender,
		    expires_at = NULL,
		    updated_at = now()`,
		id, prof.Nickname, prof.Gender)
	if err != nil {
		return fmt.Errorf("postgres save profile: %w", err)
	}
	return nil
}

func (p *Postgres) Profile(ctx context.Context, id string) (participant.Profile, bool, error) {
	var prof participant.Profile
	err := p.pool.QueryRow(ctx, `
		SELECT nickname, gender
		FROM participant_profiles
		WHERE participant_id = $1
		  AND (expires_at IS NULL OR expires_at > now())`,
		id).Scan(&prof.Nickname, &prof.Gender)
	if errors.Is(err, pgx.ErrNoRows) {
		return participant.Profile{}, false, nil
	}
	if err != nil {
		return participant.Profile{}, false, fmt.Errorf("postgres get profile: %w", err)
	}
	return prof, true, nil
}

// ExpireProfile also purges profiles whose expiry has passed, so the table does not grow
// with departed participants.
func (p *Postgres) ExpireProfile(ctx context.Context, id string, ttl time.Duration) error {
	var err error
	if ttl <= 0 {
		_, err = p.pool.Exec(ctx, `DELETE FROM participant_profiles WHERE participant_id = $1`, id)
	} else {
		_, err = p.pool.Exec(ctx, `
			UPDATE participant_profiles
			SET expires_at = now() + make_interval(secs => $2)
			WHERE participant_id = $1`,
			id, ttl.Seconds())
	}
	if err != nil {
		return fmt.Errorf("postgres expire profile: %w", err)
	}

	if _, err := p.pool.Exec(ctx, `DELETE FROM participant_profiles WHERE expires_at <= now()`); err != nil {
		logx.Warn("Failed to purge expired profiles", "error", err.Error())
	}
	return nil
}

func (p *Postgres) AddWaiting(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO waiting_pool (participant_id) VALUES ($1)
		ON CONFLICT (participant_id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("postgres add waiting: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveWaiting(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM waiting_pool WHERE participant_id = $1`, id); err != nil {
		return fmt.Errorf("postgres remove waiting: %w", err)
	}
	return nil
}

func (p *Postgres) IsWaiting(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM waiting_pool WHERE participant_id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres is waiting: %w", err)
	}
	return ok, nil
}

func (p *Postgres) WaitingCount(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM waiting_pool`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres waiting count: %w", err)
	}
	return n, nil
}

// PopWaiting takes the oldest waiter. SKIP LOCKED keeps concurrent poppers from
// blocking on, or both claiming, the same row.
func (p *Postgres) PopWaiting(ctx context.Context) (string, bool, error) {
	var id string
	err := p.pool.QueryRow(ctx, `
		DELETE FROM waiting_pool
		WHERE participant_id = (
			SELECT participant_id
			FROM waiting_pool
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING participant_id`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres pop waiting: %w", err)
	}
	return id, true, nil
}

// PopWaitingPair runs under a transaction-scoped advisory lock so two waiters checking
// for each other at the same time cannot both skip the other's locked row.
func (p *Postgres) PopWaitingPair(ctx context.Context, id string) (string, bool, error) {
	var other string

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, waitingPairLock); err != nil {
			return err
		}

		var self string
		err := tx.QueryRow(ctx, `
			SELECT participant_id
			FROM waiting_pool
			WHERE participant_id = $1
			FOR UPDATE SKIP LOCKED`, id).Scan(&self)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		var candidate string
		err = tx.QueryRow(ctx, `
			SELECT participant_id
			FROM waiting_pool
			WHERE participant_id <> $1
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, id).Scan(&candidate)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM waiting_pool WHERE participant_id IN ($1, $2)`, id, candidate); err != nil {
			return err
		}
		other = candidate
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("postgres pop waiting pair: %w", err)
	}
	return other, other != "", nil
}

func (p *Postgres) Partner(ctx context.Context, id string) (string, bool, error) {
	var partnerID string
	err := p.pool.QueryRow(ctx, `SELECT partner_id FROM partner_links WHERE participant_id = $1`, id).Scan(&partnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres get partner: %w", err)
	}
	return partnerID, true, nil
}

// Link relies on the partner_links primary key: if either side already has a row the
// insert fails and the transaction rolls back.
func (p *Postgres) Link(ctx context.Context, a, b string) error {
	if a == b {
		return ErrSelfLink
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO partner_links (participant_id, partner_id)
			VALUES ($1, $2), ($2, $1)`, a, b); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `DELETE FROM waiting_pool WHERE participant_id IN ($1, $2)`, a, b)
		return err
	})
	if isUniqueViolation(err) {
		return ErrAlreadyLinked
	}
	if err != nil {
		return fmt.Errorf("postgres link: %w", err)
	}
	return nil
}

func (p *Postgres) Unlink(ctx context.Context, a, b string) (bool, error) {
	var removed bool

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM partner_links
			WHERE (participant_id = $1 AND partner_id = $2)
			   OR (participant_id = $2 AND partner_id = $1)`, a, b)
		if err != nil {
			return err
		}

		switch tag.RowsAffected() {
		case 2:
			removed = true
			return nil
		case 0:
			return nil
		default:
			return fmt.Errorf("half-linked pair %s/%s", a, b)
		}
	})
	if err != nil {
		return false, fmt.Errorf("postgres unlink: %w", err)
	}
	return removed, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
