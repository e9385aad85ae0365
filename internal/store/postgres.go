package store

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ RunStore = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id           BIGSERIAL PRIMARY KEY,
	strategy     TEXT             NOT NULL,
	cohort       INTEGER          NOT NULL,
	trial        INTEGER          NOT NULL,
	seed         BIGINT           NOT NULL,
	prep_seconds DOUBLE PRECISION NOT NULL,
	feed_seconds DOUBLE PRECISION NOT NULL,
	run_seconds  DOUBLE PRECISION NOT NULL,
	final_value  NUMERIC          NOT NULL,
	stuck        INTEGER          NOT NULL DEFAULT 0,
	error        TEXT             NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_cohort ON runs (cohort);
`

// PostgresStore implements RunStore on a PostgreSQL server. Final values are
// stored as NUMERIC through the shopspring decimal codec.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dbURL, verifies connectivity and creates the
// runs table if needed.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// Register shopspring decimal
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating runs table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveRun inserts a run record.
func (s *PostgresStore) SaveRun(ctx context.Context, run RunRecord) (int64, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO runs (strategy, cohort, trial, seed, prep_seconds, feed_seconds,
		                  run_seconds, final_value, stuck, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		run.Strategy, run.Cohort, run.Trial, int64(run.Seed), run.PrepSeconds, run.FeedSeconds,
		run.RunSeconds, run.FinalValue, run.Stuck, run.Err, run.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("saving run: %w", err)
	}
	return id, nil
}

// ListRuns returns all runs ordered by ID.
func (s *PostgresStore) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, strategy, cohort, trial, seed, prep_seconds, feed_seconds,
		       run_seconds, final_value, stuck, error, created_at
		FROM runs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r    RunRecord
			seed int64
		)
		if err := rows.Scan(&r.ID, &r.Strategy, &r.Cohort, &r.Trial, &seed, &r.PrepSeconds,
			&r.FeedSeconds, &r.RunSeconds, &r.FinalValue, &r.Stuck, &r.Err, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Seed = uint64(seed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpenRunStore returns a PostgresStore when postgresURL is set and a
// SQLiteStore at sqlitePath otherwise. It returns nil, nil when neither is
// configured.
func OpenRunStore(ctx context.Context, postgresURL, sqlitePath string) (RunStore, error) {
	switch {
	case postgresURL != "":
		s, err := NewPostgresStore(ctx, postgresURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case sqlitePath != "":
		s, err := NewSQLiteStore(sqlitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}
