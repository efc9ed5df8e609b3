package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/conveyor/internal/persistence"
)

// SQLTimerStore keeps timers in a "timers" table on SQLite or PostgreSQL.
type SQLTimerStore struct {
	db      *sql.DB
	dialect persistence.Dialect
}

var _ TimerStore = (*SQLTimerStore)(nil)

// NewSQLTimerStore creates the timers table if needed.
func NewSQLTimerStore(db *sql.DB, dialect persistence.Dialect) (*SQLTimerStore, error) {
	s := &SQLTimerStore{db: db, dialect: dialect}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS timers (
			id     TEXT PRIMARY KEY,
			due_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timers_due ON timers (due_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLTimerStore) SaveTimer(ctx context.Context, t Timer) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO timers (id, due_at) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET due_at = excluded.due_at`),
		t.ID, t.DueAt.UnixNano())
	return err
}

func (s *SQLTimerStore) Due(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, due_at FROM timers
		WHERE due_at <= ?
		ORDER BY due_at, id
		LIMIT ?`), now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Timer
	for rows.Next() {
		var (
			id  string
			due int64
		)
		if err := rows.Scan(&id, &due); err != nil {
			return nil, err
		}
		out = append(out, Timer{ID: id, DueAt: time.Unix(0, due)})
	}
	return out, rows.Err()
}

func (s *SQLTimerStore) DeleteTimer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM timers WHERE id = ?`), id)
	return err
}

func (s *SQLTimerStore) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM timers`).Scan(&n)
	return n, err
}
