package waitnotify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/conveyor/internal/persistence"
)

// SQLStore is a wait store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect persistence.Dialect
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the wait tables if needed and returns a store.
func NewSQLStore(db *sql.DB, dialect persistence.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS wait_instances (
			id         TEXT PRIMARY KEY,
			fired      INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			payload    %s NOT NULL
		)`, s.dialect.BlobType),
		`
		CREATE TABLE IF NOT EXISTS wait_correlations (
			wait_id        TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			PRIMARY KEY (wait_id, correlation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wait_correlations_cid ON wait_correlations (correlation_id)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS notify_responses (
			correlation_id TEXT PRIMARY KEY,
			created_at     BIGINT NOT NULL,
			payload        %s
		)`, s.dialect.BlobType),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) SaveWait(ctx context.Context, w *Wait) error {
	payload, err := persistence.EncodeRecord(w)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO wait_instances (id, fired, created_at, payload) VALUES (?, ?, ?, ?)`),
		w.ID, boolToInt(w.Fired), w.CreatedAt.UnixNano(), payload); err != nil {
		return err
	}
	for _, cid := range w.CorrelationIDs {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO wait_correlations (wait_id, correlation_id) VALUES (?, ?)
			ON CONFLICT (wait_id, correlation_id) DO NOTHING`),
			w.ID, cid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetWait(ctx context.Context, id string) (*Wait, error) {
	var (
		fired   int
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT fired, payload FROM wait_instances WHERE id = ?`), id).Scan(&fired, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWaitNotFound
	}
	if err != nil {
		return nil, err
	}
	w, err := persistence.DecodeRecord[Wait](payload)
	if err != nil {
		return nil, err
	}
	w.Fired = fired != 0
	return w, nil
}

func (s *SQLStore) WaitsFor(ctx context.Context, correlationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT w.id
		FROM wait_instances w
		JOIN wait_correlations c ON c.wait_id = w.id
		WHERE c.correlation_id = ? AND w.fired = 0
		ORDER BY w.id`), correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) MarkFired(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE wait_instances SET fired = 1 WHERE id = ? AND fired = 0`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetWait(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) SaveResponse(ctx context.Context, correlationID string, payload []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO notify_responses (correlation_id, created_at, payload) VALUES (?, ?, ?)
		ON CONFLICT (correlation_id) DO NOTHING`),
		correlationID, time.Now().UnixNano(), payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) Responses(ctx context.Context, correlationIDs []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(correlationIDs))
	if len(correlationIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(correlationIDs))
	for i, id := range correlationIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		SELECT correlation_id, payload FROM notify_responses
		WHERE correlation_id IN (%s)`, persistence.Placeholders(len(correlationIDs)))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		out[id] = payload
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
