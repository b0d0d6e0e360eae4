// Package storetest holds behaviour checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store"
)

// Run exercises st, which must be empty with its schema ensured.
func Run(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []operation.Record{
		{ID: "op-1", ConnectionID: "c1", PID: 100, Name: "ComfyUI", Status: operation.StatusRunning, StartedAt: base},
		{ID: "op-2", ConnectionID: "c1", PID: 200, Name: "trainer", Status: operation.StatusRunning, StartedAt: base.Add(time.Minute)},
		{ID: "op-3", ConnectionID: "c1", PID: 300, Name: "old", Status: operation.StatusStopped, StartedAt: base.Add(-time.Hour), UpdatedAt: base.Add(-time.Hour)},
		{ID: "op-4", ConnectionID: "c2", PID: 400, Name: "other", Status: operation.StatusRunning, StartedAt: base},
	}
	for _, r := range seed {
		require.NoError(t, st.Insert(ctx, r))
	}

	t.Run("duplicate insert fails", func(t *testing.T) {
		assert.Error(t, st.Insert(ctx, seed[0]))
	})

	t.Run("invalid insert fails", func(t *testing.T) {
		assert.Error(t, st.Insert(ctx, operation.Record{ID: "x", ConnectionID: "c1", PID: 0, Status: operation.StatusRunning}))
	})

	t.Run("get", func(t *testing.T) {
		got, err := st.Get(ctx, "op-1")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ConnectionID)
		assert.Equal(t, 100, got.PID)
		assert.Equal(t, "ComfyUI", got.Name)
		assert.Equal(t, operation.StatusRunning, got.Status)
		assert.True(t, got.StartedAt.Equal(base), "started_at round trip: %v", got.StartedAt)

		_, err = st.Get(ctx, "missing")
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("list by connection newest first", func(t *testing.T) {
		recs, err := st.ListByConnection(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, []string{"op-2", "op-1", "op-3"}, ids(recs))
	})

	t.Run("list running", func(t *testing.T) {
		recs, err := st.ListRunning(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"op-2", "op-1"}, ids(recs))

		none, err := st.ListRunning(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("mark stopped is one-directional", func(t *testing.T) {
		done, err := st.MarkStopped(ctx, "op-2", base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.True(t, done)

		again, err := st.MarkStopped(ctx, "op-2", base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.False(t, again, "second transition must be a no-op")

		got, err := st.Get(ctx, "op-2")
		require.NoError(t, err)
		assert.Equal(t, operation.StatusStopped, got.Status)
		assert.True(t, got.UpdatedAt.Equal(base.Add(2*time.Minute)), "updated_at kept from first transition: %v", got.UpdatedAt)

		_, err = st.MarkStopped(ctx, "missing", base)
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("concurrent mark stopped has one winner", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.MarkStopped(ctx, "op-4", base.Add(time.Hour))
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("purge keeps running records", func(t *testing.T) {
		n, err := st.PurgeStoppedBefore(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n) // op-3 only

		recs, err := st.ListByConnection(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"op-2", "op-1"}, ids(recs))
	})
}

func ids(recs []operation.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
