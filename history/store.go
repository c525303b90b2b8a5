// Package history keeps a SQLite journal of detection results.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/Tutortoise/objdetect/models"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate history")
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS results (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  cycle INTEGER NOT NULL,
  at DATETIME NOT NULL,
  label TEXT NOT NULL,
  cup REAL NOT NULL,
  laptop REAL NOT NULL,
  unknown REAL NOT NULL,
  stale INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS results_at ON results(at);
`)
	return err
}

// Record appends one result.
func (s *Store) Record(ctx context.Context, r models.Result) error {
	stale := 0
	if r.Stale {
		stale = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO results(cycle, at, label, cup, laptop, unknown, stale)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, int64(r.Cycle), r.Time.UTC(), string(r.Label), r.Scores.Cup, r.Scores.Laptop, r.Scores.Unknown, stale)
	return err
}

// Recent returns up to limit results, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT cycle, at, label, cup, laptop, unknown, stale
FROM results
ORDER BY id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Result
	for rows.Next() {
		var r models.Result
		var (
			cycle int64
			label string
			stale int
		)
		if err := rows.Scan(&cycle, &r.Time, &label, &r.Scores.Cup, &r.Scores.Laptop, &r.Scores.Unknown, &stale); err != nil {
			return nil, err
		}
		r.Cycle = uint64(cycle)
		r.Label = models.Label(label)
		r.Stale = stale != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts returns how many results were recorded per label.
func (s *Store) Counts(ctx context.Context) (map[models.Label]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label, COUNT(*) FROM results GROUP BY label;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.Label]int{}
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[models.Label(label)] = n
	}
	return counts, rows.Err()
}
