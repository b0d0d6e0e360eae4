package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

func stoppedEvent(id string) events.Event {
	return events.Event{
		Type:         events.TypeStopped,
		ConnectionID: "dgx-1",
		OccurredAt:   time.Now().UTC(),
		Operation: &operation.Record{
			ID:           id,
			ConnectionID: "dgx-1",
			PID:          12345,
			Name:         "train",
			Status:       operation.StatusStopped,
		},
	}
}

func TestSQLiteSink_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + path)
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	ctx := context.Background()
	launched := stoppedEvent("op-1")
	launched.Type = events.TypeLaunched
	launched.Operation.Status = operation.StatusRunning
	require.NoError(t, sink.Send(ctx, launched))
	require.NoError(t, sink.Send(ctx, stoppedEvent("op-1")))
	require.NoError(t, sink.Send(ctx, events.Event{
		Type:         events.TypeSynced,
		ConnectionID: "dgx-1",
		Summary:      &operation.Summary{Checked: 1, Synced: 1},
	}))

	n, err := sink.Count(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, stoppedEvent("op-2")))
	n, err := sink.Count(ctx, "op-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Send(ctx, stoppedEvent("op-3")))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
