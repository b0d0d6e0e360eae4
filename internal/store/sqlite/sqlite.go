package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store"
)

// timeLayout is fixed width so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// filePragmas are applied by the driver on every new pool connection, so
// concurrent writers wait on the lock instead of failing with SQLITE_BUSY.
var filePragmas = []string{"busy_timeout(5000)", "journal_mode(WAL)"}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", DSN(p))
	if err != nil {
		return nil, err
	}
	// every pooled connection to ":memory:" would be its own database
	if isMemory(p) {
		d.SetMaxOpenConns(1)
	}
	return &DB{db: d}, nil
}

// DSN appends the connection pragmas to a file path. In-memory databases
// and DSNs that already carry _pragma parameters are returned unchanged.
func DSN(path string) string {
	if isMemory(path) || strings.Contains(path, "_pragma=") {
		return path
	}
	q := make(url.Values)
	for _, p := range filePragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

func isMemory(path string) bool {
	return strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory")
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operations(
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_conn_status ON operations(connection_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Insert(ctx context.Context, rec operation.Record) error {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations(id, connection_id, pid, name, command, status, started_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.ConnectionID, rec.PID, rec.Name, rec.Command, string(rec.Status),
		formatTime(rec.StartedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *DB) Get(ctx context.Context, id string) (operation.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, connection_id, pid, name, command, status, started_at, updated_at
		FROM operations WHERE id=?;`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return operation.Record{}, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return operation.Record{}, err
	}
	return rec, nil
}

func (s *DB) ListByConnection(ctx context.Context, connectionID string) ([]operation.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, pid, name, command, status, started_at, updated_at
		FROM operations
		WHERE connection_id=?
		ORDER BY started_at DESC, id ASC;`, connectionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) ListRunning(ctx context.Context, connectionID string) ([]operation.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, pid, name, command, status, started_at, updated_at
		FROM operations
		WHERE connection_id=? AND status='running'
		ORDER BY started_at DESC, id ASC;`, connectionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) MarkStopped(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status='stopped', updated_at=?
		WHERE id=? AND status='running';`, formatTime(at), id)
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
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *DB) PurgeStoppedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE status='stopped' AND updated_at < ?;`, formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (operation.Record, error) {
	var (
		r                operation.Record
		status           string
		started, updated string
	)
	if err := sc.Scan(&r.ID, &r.ConnectionID, &r.PID, &r.Name, &r.Command, &status, &started, &updated); err != nil {
		return operation.Record{}, err
	}
	r.Status = operation.ParseStatus(status)
	r.StartedAt, _ = time.Parse(timeLayout, started)
	r.UpdatedAt, _ = time.Parse(timeLayout, updated)
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
