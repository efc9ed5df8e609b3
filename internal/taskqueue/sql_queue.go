package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/conveyor/internal/persistence"
)

// SQLQueue is a persistent task queue stored in a SQL table. It runs on
// SQLite and on PostgreSQL; on PostgreSQL concurrent consumers claim rows
// with FOR UPDATE SKIP LOCKED.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS queue_tasks (
//	    id          TEXT PRIMARY KEY,
//	    not_before  BIGINT NOT NULL,
//	    enqueued_at BIGINT NOT NULL,
//	    payload     BLOB/BYTEA NOT NULL
//	);
type SQLQueue struct {
	db           *sql.DB
	dialect      persistence.Dialect
	pollInterval time.Duration
	now          func() time.Time
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue initializes the queue table in the given SQLite DB.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return NewSQLQueue(db, persistence.SQLite)
}

// NewPostgresQueue initializes the queue table in the given PostgreSQL DB.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return NewSQLQueue(db, persistence.Postgres)
}

// NewSQLQueue initializes the queue table for dialect and returns a queue.
func NewSQLQueue(db *sql.DB, dialect persistence.Dialect) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		dialect:      dialect,
		pollInterval: 20 * time.Millisecond,
		now:          time.Now,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			id          TEXT PRIMARY KEY,
			not_before  BIGINT NOT NULL,
			enqueued_at BIGINT NOT NULL,
			payload     %s NOT NULL
		)`, q.dialect.BlobType),
		`CREATE INDEX IF NOT EXISTS idx_queue_tasks_due ON queue_tasks (not_before, enqueued_at)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO queue_tasks (id, not_before, enqueued_at, payload)
		VALUES (?, ?, ?, ?)`),
		t.ID,
		t.NotBefore.UnixNano(),
		t.EnqueuedAt.UnixNano(),
		data,
	)
	return err
}

// TryDequeue claims the oldest due row and deletes it in the same
// transaction.
func (q *SQLQueue) TryDequeue(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT id, payload
		FROM queue_tasks
		WHERE not_before <= ?
		ORDER BY not_before, enqueued_at
		LIMIT 1`
	if q.dialect.SkipLocks {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var (
		id      string
		payload []byte
	)
	err = tx.QueryRowContext(ctx, q.dialect.Rebind(query), q.now().UnixNano()).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, q.dialect.Rebind(`DELETE FROM queue_tasks WHERE id = ?`), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		// Another consumer claimed it first.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("decode task %q failed: %w", id, err)
	}
	return task, nil
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *SQLQueue) Dequeue(ctx context.Context) (*Task, error) {
	return pollDequeue(ctx, q.pollInterval, nil, q.TryDequeue)
}

// Len returns an approximate number of queued tasks.
func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		log.Printf("SQLQueue: Len failed: %v", err)
		return 0
	}
	return n
}
