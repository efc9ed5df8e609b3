package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/conveyor/pkg/api"
)

// SQLStore is a Store backed by a SQL database.
//
// Instances are kept as gob payloads next to the columns used for filtering
// and for the optimistic version guard. It expects an *sql.DB opened with a
// driver matching the dialect; the caller is responsible for importing it,
// e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLiteStore initializes the schema in a SQLite database and returns a
// new SQLStore.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, SQLite)
}

// NewPostgresStore initializes the schema in a PostgreSQL database and
// returns a new SQLStore.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, Postgres)
}

// NewSQLStore initializes the required schema for the given dialect.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS state_execution_instances (
			uuid TEXT PRIMARY KEY,
			execution_uuid TEXT NOT NULL,
			parent_instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			payload %s NOT NULL
		)`, s.dialect.BlobType),
		`CREATE INDEX IF NOT EXISTS idx_sei_execution_status
			ON state_execution_instances (execution_uuid, status)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS execution_interrupts (
			uuid TEXT PRIMARY KEY,
			execution_uuid TEXT NOT NULL,
			seen INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			payload %s NOT NULL
		)`, s.dialect.BlobType),
		`CREATE INDEX IF NOT EXISTS idx_interrupts_execution
			ON execution_interrupts (execution_uuid, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) SaveInstance(ctx context.Context, inst *api.StateExecutionInstance) error {
	payload, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO state_execution_instances (uuid, execution_uuid, parent_instance_id, status, version, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO NOTHING`),
		inst.UUID,
		inst.ExecutionUUID,
		inst.ParentInstanceID,
		string(inst.Status),
		inst.Version,
		inst.CreatedAt.UnixNano(),
		payload,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceExists
	}
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, uuid string) (*api.StateExecutionInstance, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT payload FROM state_execution_instances WHERE uuid = ?`), uuid).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeInstance(payload)
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.StateExecutionInstance, error) {
	return s.queryInstances(ctx, s.db, filter)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) queryInstances(ctx context.Context, q queryer, filter InstanceFilter) ([]*api.StateExecutionInstance, error) {
	where, args := instanceWhere(filter)
	query := `SELECT payload FROM state_execution_instances`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at, uuid"

	rows, err := q.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*api.StateExecutionInstance, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		inst, err := DecodeInstance(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func instanceWhere(filter InstanceFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.ExecutionUUID != "" {
		clauses = append(clauses, "execution_uuid = ?")
		args = append(args, filter.ExecutionUUID)
	}
	if len(filter.UUIDs) > 0 {
		clauses = append(clauses, "uuid IN ("+Placeholders(len(filter.UUIDs))+")")
		for _, id := range filter.UUIDs {
			args = append(args, id)
		}
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+Placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.ParentInstanceID != "" {
		clauses = append(clauses, "parent_instance_id = ?")
		args = append(args, filter.ParentInstanceID)
	}
	return strings.Join(clauses, " AND "), args
}

// ConditionalUpdate reads the matching rows and writes each back guarded by
// the version it read. A row changed by a concurrent writer in between is
// skipped and not counted.
func (s *SQLStore) ConditionalUpdate(ctx context.Context, filter InstanceFilter, update InstanceUpdate) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	candidates, err := s.queryInstances(ctx, tx, filter)
	if err != nil {
		return 0, err
	}

	now := s.now()
	n := 0
	for _, inst := range candidates {
		expected := inst.Version
		update.Apply(inst, now)

		payload, err := EncodeInstance(inst)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE state_execution_instances
			SET status = ?, version = ?, payload = ?
			WHERE uuid = ? AND version = ?`),
			string(inst.Status),
			inst.Version,
			payload,
			inst.UUID,
			expected,
		)
		if err != nil {
			return 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		n += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) SaveInterrupt(ctx context.Context, in *api.Interrupt) error {
	payload, err := encodeInterrupt(in)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO execution_interrupts (uuid, execution_uuid, seen, created_at, payload)
		VALUES (?, ?, ?, ?, ?)`),
		in.UUID,
		in.ExecutionUUID,
		boolToInt(in.Seen),
		in.CreatedAt.UnixNano(),
		payload,
	)
	return err
}

func (s *SQLStore) GetInterrupt(ctx context.Context, uuid string) (*api.Interrupt, error) {
	var payload []byte
	var seen int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT payload, seen FROM execution_interrupts WHERE uuid = ?`), uuid).Scan(&payload, &seen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInterruptNotFound
		}
		return nil, err
	}
	in, err := decodeInterrupt(payload)
	if err != nil {
		return nil, err
	}
	in.Seen = seen != 0
	return in, nil
}

func (s *SQLStore) ListInterrupts(ctx context.Context, executionUUID string) ([]*api.Interrupt, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT payload, seen FROM execution_interrupts
		WHERE execution_uuid = ?
		ORDER BY created_at, uuid`), executionUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*api.Interrupt, 0)
	for rows.Next() {
		var payload []byte
		var seen int
		if err := rows.Scan(&payload, &seen); err != nil {
			return nil, err
		}
		in, err := decodeInterrupt(payload)
		if err != nil {
			return nil, err
		}
		in.Seen = seen != 0
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkInterruptSeen(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE execution_interrupts SET seen = 1 WHERE uuid = ?`), uuid)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInterruptNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
