package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/store"
	pg "github.com/husky2466-codo/ai-command-center-sub001/internal/store/postgres"
	sq "github.com/husky2466-codo/ai-command-center-sub001/internal/store/sqlite"
)

// NewFromDSN opens the operation store named by dsn. Postgres is chosen for
// postgres:// and postgresql:// URLs; sqlite:// URLs and bare paths open SQLite.
func NewFromDSN(dsn string) (store.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}
	scheme, rest, hasScheme := strings.Cut(dsn, "://")
	if !hasScheme {
		return sq.New(dsn)
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return pg.New(dsn)
	case "sqlite":
		return sq.New(rest)
	default:
		return nil, fmt.Errorf("unsupported store DSN scheme %q", scheme)
	}
}
