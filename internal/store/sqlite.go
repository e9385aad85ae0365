package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy     TEXT    NOT NULL,
	cohort       INTEGER NOT NULL,
	trial        INTEGER NOT NULL,
	seed         INTEGER NOT NULL,
	prep_seconds REAL    NOT NULL,
	feed_seconds REAL    NOT NULL,
	run_seconds  REAL    NOT NULL,
	final_value  TEXT    NOT NULL,
	stuck        INTEGER NOT NULL DEFAULT 0,
	error        TEXT    NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_cohort ON runs (cohort);
`

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// runs table if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Workers save concurrently; a single connection serialises writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) (int64, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (strategy, cohort, trial, seed, prep_seconds, feed_seconds,
		                  run_seconds, final_value, stuck, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Strategy, run.Cohort, run.Trial, int64(run.Seed), run.PrepSeconds, run.FeedSeconds,
		run.RunSeconds, run.FinalValue.String(), run.Stuck, run.Err, run.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("saving run: %w", err)
	}
	return res.LastInsertId()
}

// ListRuns returns all runs ordered by ID.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
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
			r       RunRecord
			seed    int64
			value   string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.Strategy, &r.Cohort, &r.Trial, &seed, &r.PrepSeconds,
			&r.FeedSeconds, &r.RunSeconds, &value, &r.Stuck, &r.Err, &created); err != nil {
			return nil, err
		}
		r.Seed = uint64(seed)
		if r.FinalValue, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("run %d final value %q: %w", r.ID, value, err)
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
