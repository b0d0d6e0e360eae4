package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store"
)

type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

func New(dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("empty postgres dsn")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operations(
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_conn_status ON operations(connection_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Insert(ctx context.Context, rec operation.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO operations(id, connection_id, pid, name, command, status, started_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8);`,
		rec.ID, rec.ConnectionID, rec.PID, rec.Name, rec.Command, string(rec.Status),
		rec.StartedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", rec.ID, err)
	}
	return nil
}

func (p *DB) Get(ctx context.Context, id string) (operation.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, connection_id, pid, name, command, status, started_at, updated_at
		FROM operations WHERE id=$1;`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return operation.Record{}, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return rec, err
}

func (p *DB) ListByConnection(ctx context.Context, connectionID string) ([]operation.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, connection_id, pid, name, command, status, started_at, updated_at
		FROM operations
		WHERE connection_id=$1
		ORDER BY started_at DESC, id ASC;`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *DB) ListRunning(ctx context.Context, connectionID string) ([]operation.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, connection_id, pid, name, command, status, started_at, updated_at
		FROM operations
		WHERE connection_id=$1 AND status='running'
		ORDER BY started_at DESC, id ASC;`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *DB) MarkStopped(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE operations SET status='stopped', updated_at=$1
		WHERE id=$2 AND status='running';`, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark stopped %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *DB) PurgeStoppedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM operations WHERE status='stopped' AND updated_at < $1;`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (operation.Record, error) {
	var (
		r      operation.Record
		status string
	)
	if err := sc.Scan(&r.ID, &r.ConnectionID, &r.PID, &r.Name, &r.Command, &status, &r.StartedAt, &r.UpdatedAt); err != nil {
		return operation.Record{}, err
	}
	r.Status = operation.ParseStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]operation.Record, error) {
	out := make([]operation.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
