package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
)

// Sink is a destination for operation events (analytics/audit systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e events.Event) error
}

// Row is the flat shape every tabular sink stores.
type Row struct {
	OccurredAt   time.Time
	Event        string
	ConnectionID string
	OperationID  string
	PID          int
	Name         string
	Status       string
	Checked      int
	Synced       int
	Errors       int
}

// Columns lists the stored fields in the order Values returns them.
var Columns = []string{
	"occurred_at", "event", "connection_id", "operation_id", "pid",
	"name", "status", "checked", "synced", "errors",
}

// Values returns the row in Columns order.
func (r Row) Values() []any {
	return []any{
		r.OccurredAt, r.Event, r.ConnectionID, r.OperationID, int64(r.PID),
		r.Name, r.Status, int64(r.Checked), int64(r.Synced), int64(r.Errors),
	}
}

// InsertSQL builds an INSERT for table; placeholder renders the n-th (1-based) bind marker.
func InsertSQL(table string, placeholder func(n int) string) string {
	marks := make([]string, len(Columns))
	for i := range marks {
		marks[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(Columns, ", "), strings.Join(marks, ", "))
}

func Flatten(e events.Event) Row {
	r := Row{
		OccurredAt:   e.OccurredAt.UTC(),
		Event:        string(e.Type),
		ConnectionID: e.ConnectionID,
	}
	if op := e.Operation; op != nil {
		r.OperationID = op.ID
		r.PID = op.PID
		r.Name = op.Name
		r.Status = string(op.Status)
	}
	if s := e.Summary; s != nil {
		r.Checked = s.Checked
		r.Synced = s.Synced
		r.Errors = s.Errors
	}
	return r
}

const sendTimeout = 5 * time.Second

// Forward delivers every event from ch to each sink until ch is closed or
// ctx is done. Sink failures are logged and never stop the pump.
func Forward(ctx context.Context, ch <-chan events.Event, sinks ...Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			for _, s := range sinks {
				sctx, cancel := context.WithTimeout(ctx, sendTimeout)
				if err := s.Send(sctx, e); err != nil {
					slog.Warn("History sink send failed", "event", e.Type, "connection", e.ConnectionID, "error", err)
				}
				cancel()
			}
		}
	}
}

// CloseAll closes every sink that implements io.Closer.
func CloseAll(sinks []Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				slog.Warn("History sink close failed", "error", err)
			}
		}
	}
}
