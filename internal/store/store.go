// Package store persists operation records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

// ErrNotFound is returned when an operation id has no record.
var ErrNotFound = errors.New("operation not found")

// Store is the persistence interface for operation records.
// Implementations must be safe for concurrent use.
//
// MarkStopped is the only status transition the reconciler performs. It is
// conditional on the record still being running, and reports whether this
// call performed the transition, so concurrent passes converge without
// double counting.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Insert(ctx context.Context, rec operation.Record) error
	Get(ctx context.Context, id string) (operation.Record, error)
	// ListByConnection returns all records for a connection, newest first.
	ListByConnection(ctx context.Context, connectionID string) ([]operation.Record, error)
	// ListRunning returns the running records for a connection, newest first.
	ListRunning(ctx context.Context, connectionID string) ([]operation.Record, error)
	MarkStopped(ctx context.Context, id string, at time.Time) (bool, error)
	// PurgeStoppedBefore deletes stopped records last updated before the cutoff.
	PurgeStoppedBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
