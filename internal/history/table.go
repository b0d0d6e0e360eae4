package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
)

const tableName = "operation_history"

// Dialect carries the pieces of SQL that differ between database/sql backends.
type Dialect struct {
	Timestamp   string // column type for occurred_at
	Now         string // default expression for occurred_at
	Placeholder func(n int) string
}

// Table appends flattened events to operation_history through database/sql.
type Table struct {
	db     *sql.DB
	insert string
	count  string
}

// OpenTable creates operation_history and its index when missing. The
// returned Table owns db.
func OpenTable(ctx context.Context, db *sql.DB, d Dialect) (*Table, error) {
	cols := make([]string, len(Columns))
	for i, c := range Columns {
		switch c {
		case "occurred_at":
			cols[i] = fmt.Sprintf("occurred_at %s NOT NULL DEFAULT %s", d.Timestamp, d.Now)
		case "event", "connection_id":
			cols[i] = c + " TEXT NOT NULL"
		case "pid", "checked", "synced", "errors":
			cols[i] = c + " BIGINT NOT NULL DEFAULT 0"
		default:
			cols[i] = c + " TEXT NOT NULL DEFAULT ''"
		}
	}
	ddl := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", tableName, strings.Join(cols, ", ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_op ON %s (operation_id)", tableName, tableName),
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("create %s: %w", tableName, err)
		}
	}
	return &Table{
		db:     db,
		insert: InsertSQL(tableName, d.Placeholder),
		count:  fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE operation_id = %s", tableName, d.Placeholder(1)),
	}, nil
}

func (t *Table) Send(ctx context.Context, e events.Event) error {
	_, err := t.db.ExecContext(ctx, t.insert, Flatten(e).Values()...)
	return err
}

// Count returns how many rows were recorded for an operation id.
func (t *Table) Count(ctx context.Context, operationID string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, t.count, operationID).Scan(&n)
	return n, err
}

func (t *Table) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}
