package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store/storetest"
)

func TestSinkRecordsLifecycle(t *testing.T) {
	dsn := storetest.StartPostgres(t)
	sink, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	rec := operation.Record{ID: "op-1", ConnectionID: "dgx-1", PID: 12345, Name: "train", Status: operation.StatusRunning, StartedAt: now}
	require.NoError(t, sink.Send(ctx, events.Event{Type: events.TypeLaunched, ConnectionID: "dgx-1", OccurredAt: now, Operation: &rec}))

	stopped := rec
	stopped.Status = operation.StatusStopped
	require.NoError(t, sink.Send(ctx, events.Event{Type: events.TypeStopped, ConnectionID: "dgx-1", OccurredAt: now.Add(time.Second), Operation: &stopped}))

	sum := operation.Summary{Checked: 1, Synced: 1}
	require.NoError(t, sink.Send(ctx, events.Event{Type: events.TypeSynced, ConnectionID: "dgx-1", OccurredAt: now.Add(time.Second), Summary: &sum}))

	n, err := sink.Count(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	var last string
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT status FROM operation_history WHERE operation_id = $1 ORDER BY occurred_at DESC LIMIT 1", rec.ID).Scan(&last))
	assert.Equal(t, "stopped", last)
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
