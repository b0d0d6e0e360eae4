package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

type memSink struct {
	mu  sync.Mutex
	got []events.Event
	err error
	closed bool
}

func (m *memSink) Send(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func TestFlatten(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	rec := &operation.Record{ID: "op-1", ConnectionID: "dgx-1", PID: 42, Name: "train", Status: operation.StatusStopped}
	row := Flatten(events.Event{Type: events.TypeStopped, ConnectionID: "dgx-1", Operation: rec, OccurredAt: at})
	assert.Equal(t, Row{
		OccurredAt:   at.UTC(),
		Event:        "operation.stopped",
		ConnectionID: "dgx-1",
		OperationID:  "op-1",
		PID:          42,
		Name:         "train",
		Status:       "stopped",
	}, row)

	row = Flatten(events.Event{Type: events.TypeSynced, ConnectionID: "dgx-1", Summary: &operation.Summary{Checked: 3, Synced: 1, Errors: 1}})
	assert.Equal(t, 3, row.Checked)
	assert.Equal(t, 1, row.Synced)
	assert.Equal(t, 1, row.Errors)
	assert.Empty(t, row.OperationID)
}

func TestInsertSQL(t *testing.T) {
	q := InsertSQL("ops", func(n int) string { return fmt.Sprintf("$%d", n) })
	assert.Equal(t, "INSERT INTO ops (occurred_at, event, connection_id, operation_id, pid, name, status, checked, synced, errors) "+
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)", q)

	vals := Row{PID: 7, Checked: 2}.Values()
	require.Len(t, vals, len(Columns))
	assert.Equal(t, int64(7), vals[4])
	assert.Equal(t, int64(2), vals[7])
}

func TestForward(t *testing.T) {
	bus := events.New()
	ch, cancel := bus.Subscribe(8)

	ok := &memSink{}
	failing := &memSink{err: errors.New("down")}

	done := make(chan struct{})
	go func() {
		Forward(context.Background(), ch, failing, ok)
		close(done)
	}()

	bus.Publish(events.Event{Type: events.TypeLaunched, ConnectionID: "dgx-1"})
	bus.Publish(events.Event{Type: events.TypeStopped, ConnectionID: "dgx-1"})

	require.Eventually(t, func() bool { return ok.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, failing.count(), "a failing sink keeps receiving")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward did not stop after channel close")
	}

	CloseAll([]Sink{ok, failing})
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
}

func TestForwardStopsOnContext(t *testing.T) {
	ch := make(chan events.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Forward(ctx, ch)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward ignored context cancellation")
	}
}
