package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/automn-run/automn/internal/domain"
	"github.com/automn-run/automn/internal/hostapi"
)

// RunnerStore implements hostapi.RunnerStore backed by Postgres.
type RunnerStore struct {
	pool *pgxpool.Pool
}

// NewRunnerStore creates a RunnerStore backed by the given pool.
func NewRunnerStore(pool *pgxpool.Pool) *RunnerStore {
	return &RunnerStore{pool: pool}
}

// Migrate creates the runner_hosts table when missing.
func (s *RunnerStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS runner_hosts (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    secret_hash    TEXT NOT NULL DEFAULT '',
    endpoint       TEXT NOT NULL DEFAULT '',
    admin_only     BOOLEAN NOT NULL DEFAULT FALSE,
    status         TEXT NOT NULL DEFAULT 'pending',
    disabled_at    TIMESTAMPTZ,
    status_message TEXT NOT NULL DEFAULT '',
    capabilities   JSONB NOT NULL DEFAULT '{}',
    versions       JSONB NOT NULL DEFAULT '{}',
    environment    JSONB NOT NULL DEFAULT '{}',
    last_seen_at   TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("migrate runner_hosts: %w", err)
	}
	return nil
}

const runnerColumns = `id, name, secret_hash, endpoint, admin_only, status, disabled_at,
       status_message, capabilities, versions, environment, last_seen_at, created_at`

func (s *RunnerStore) Create(ctx context.Context, r *domain.RunnerIdentity) error {
	caps, versions, env, err := encodeJSONFields(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO runner_hosts (id, name, secret_hash, endpoint, admin_only, status, disabled_at,
        status_message, capabilities, versions, environment, last_seen_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.Name, r.SecretHash, r.Endpoint, r.AdminOnly, string(r.Status), r.DisabledAt,
		r.StatusMessage, caps, versions, env, r.LastSeenAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	return nil
}

func (s *RunnerStore) Get(ctx context.Context, id string) (*domain.RunnerIdentity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runnerColumns+` FROM runner_hosts WHERE id = $1`, id)
	return scanRunner(row)
}

func (s *RunnerStore) List(ctx context.Context) ([]domain.RunnerIdentity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runnerColumns+` FROM runner_hosts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var out []domain.RunnerIdentity
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Mutate applies fn under a row lock so concurrent writers to the same
// runner serialize.
func (s *RunnerStore) Mutate(ctx context.Context, id string, fn func(*domain.RunnerIdentity) error) (*domain.RunnerIdentity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mutate: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+runnerColumns+` FROM runner_hosts WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRunner(row)
	if err != nil {
		return nil, err
	}

	if err := fn(r); err != nil {
		return nil, err
	}

	caps, versions, env, err := encodeJSONFields(r)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
UPDATE runner_hosts
SET name = $2, secret_hash = $3, endpoint = $4, admin_only = $5, status = $6,
    disabled_at = $7, status_message = $8, capabilities = $9, versions = $10,
    environment = $11, last_seen_at = $12
WHERE id = $1`,
		r.ID, r.Name, r.SecretHash, r.Endpoint, r.AdminOnly, string(r.Status),
		r.DisabledAt, r.StatusMessage, caps, versions, env, r.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("update runner: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mutate: %w", err)
	}
	return r, nil
}

func (s *RunnerStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runner_hosts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return hostapi.ErrRunnerNotFound
	}
	return nil
}

func encodeJSONFields(r *domain.RunnerIdentity) (caps, versions, env []byte, err error) {
	if caps, err = json.Marshal(r.Capabilities); err != nil {
		return nil, nil, nil, fmt.Errorf("encode capabilities: %w", err)
	}
	if versions, err = json.Marshal(r.Versions); err != nil {
		return nil, nil, nil, fmt.Errorf("encode versions: %w", err)
	}
	if env, err = json.Marshal(r.Environment); err != nil {
		return nil, nil, nil, fmt.Errorf("encode environment: %w", err)
	}
	return caps, versions, env, nil
}

func scanRunner(row pgx.Row) (*domain.RunnerIdentity, error) {
	var (
		r                    domain.RunnerIdentity
		status               string
		statusMessage        pgtype.Text
		caps, versions, env  []byte
		disabledAt, lastSeen *time.Time
	)
	err := row.Scan(&r.ID, &r.Name, &r.SecretHash, &r.Endpoint, &r.AdminOnly, &status,
		&disabledAt, &statusMessage, &caps, &versions, &env, &lastSeen, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, hostapi.ErrRunnerNotFound
		}
		return nil, fmt.Errorf("scan runner: %w", err)
	}

	r.Status = domain.RunnerStatus(status)
	r.StatusMessage = statusMessage.String
	r.DisabledAt = disabledAt
	r.LastSeenAt = lastSeen
	if err := json.Unmarshal(caps, &r.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := json.Unmarshal(versions, &r.Versions); err != nil {
		return nil, fmt.Errorf("decode versions: %w", err)
	}
	if err := json.Unmarshal(env, &r.Environment); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &r, nil
}
