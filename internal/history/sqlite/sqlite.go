package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/history"
	sqstore "github.com/husky2466-codo/ai-command-center-sub001/internal/store/sqlite"
)

var dialect = history.Dialect{
	Timestamp:   "TIMESTAMP",
	Now:         "(CURRENT_TIMESTAMP)",
	Placeholder: func(int) string { return "?" },
}

// Sink appends operation events to a SQLite table.
type Sink struct {
	*history.Table
}

// New opens a SQLite history database. Accepted forms are "sqlite:///path",
// "sqlite://:memory:", a bare path, and ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", sqstore.DSN(dsn))
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") {
		// each pooled connection would open a separate in-memory database
		db.SetMaxOpenConns(1)
	}
	t, err := history.OpenTable(context.Background(), db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{Table: t}, nil
}
