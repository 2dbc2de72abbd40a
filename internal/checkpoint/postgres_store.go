package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createCheckpointTable = `
	CREATE TABLE IF NOT EXISTS relay_checkpoints (
		name        TEXT PRIMARY KEY,
		sequence_id BIGINT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresStore keeps one checkpoint row per monitor name in relay_checkpoints.
// The upsert is a single statement so a concurrent reader never sees a partial value.
type PostgresStore struct {
	db   DB
	name string
}

// NewPostgresStore creates a checkpoint store for the monitor called name
func NewPostgresStore(db DB, name string) *PostgresStore {
	return &PostgresStore{db: db, name: name}
}

// EnsureSchema creates the checkpoint table if needed
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createCheckpointTable); err != nil {
		return fmt.Errorf("create relay_checkpoints: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context) (uint64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`SELECT sequence_id FROM relay_checkpoints WHERE name = $1`,
		s.name,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", s.name, err)
	}
	if id < 0 {
		return 0, nil
	}
	return uint64(id), nil
}

func (s *PostgresStore) Write(ctx context.Context, id uint64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO relay_checkpoints (name, sequence_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name)
		DO UPDATE SET sequence_id = $2, updated_at = now()
	`, s.name, int64(id))
	if err != nil {
		return fmt.Errorf("%w: save checkpoint %s: %w", ErrWriteFailed, s.name, err)
	}
	return nil
}
