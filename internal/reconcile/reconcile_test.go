package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/connection"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/store/sqlite"
)

// fakeHost answers liveness probes from a pid table and counts calls.
type fakeHost struct {
	mu       sync.Mutex
	outcomes map[int]operation.Outcome
	failures map[int]error
	delay    time.Duration
	block    bool
	readyErr error

	calls    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64
}

func newFakeHost() *fakeHost {
	return &fakeHost{outcomes: map[int]operation.Outcome{}, failures: map[int]error{}}
}

func (h *fakeHost) set(pid int, o operation.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes[pid] = o
}

func (h *fakeHost) fail(pid int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[pid] = err
}

func (h *fakeHost) Ready(context.Context) error { return h.readyErr }

func (h *fakeHost) Probe(ctx context.Context, pid int) (operation.Outcome, error) {
	h.calls.Add(1)
	n := h.inflight.Add(1)
	defer h.inflight.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if h.block {
		<-ctx.Done()
		return operation.Indeterminate, ctx.Err()
	}
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return operation.Indeterminate, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.failures[pid]; ok {
		return operation.Indeterminate, err
	}
	if o, ok := h.outcomes[pid]; ok {
		return o, nil
	}
	return operation.Alive, nil
}

func (h *fakeHost) Exec(context.Context, string) (connection.Result, error) {
	return connection.Result{}, errors.New("not supported")
}

func (h *fakeHost) Close() error { return nil }

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st   *sqlite.DB
	reg  *connection.Registry
	host *fakeHost
	bus  *events.Bus
	rec  *Reconciler
	evts <-chan events.Event
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureAt(t, ":memory:", opts)
}

func newFixtureAt(t *testing.T, dsn string, opts Options) *fixture {
	t.Helper()
	st, err := sqlite.New(dsn)
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))

	reg, err := connection.NewRegistry(nil, connection.Options{})
	require.NoError(t, err)
	host := newFakeHost()
	reg.Attach(connection.Config{ID: "C1", Kind: connection.KindLocal}, host)

	bus := events.New()
	ch, cancel := bus.Subscribe(256)
	f := &fixture{st: st, reg: reg, host: host, bus: bus, evts: ch}
	f.rec = New(st, reg, bus, opts)
	f.rec.now = func() time.Time { return base.Add(2 * time.Hour) }
	t.Cleanup(func() {
		cancel()
		bus.Close()
		_ = st.Close()
	})
	return f
}

func (f *fixture) seed(t *testing.T, recs ...operation.Record) {
	t.Helper()
	for _, r := range recs {
		if r.ConnectionID == "" {
			r.ConnectionID = "C1"
		}
		require.NoError(t, f.st.Insert(context.Background(), r))
	}
}

func (f *fixture) statuses(t *testing.T) map[string]operation.Status {
	t.Helper()
	recs, err := f.st.ListByConnection(context.Background(), "C1")
	require.NoError(t, err)
	out := make(map[string]operation.Status, len(recs))
	for _, r := range recs {
		out[r.ID] = r.Status
	}
	return out
}

func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.evts:
			out = append(out, e)
		default:
			return out
		}
	}
}

func c1Example(t *testing.T, f *fixture) {
	f.seed(t,
		operation.Record{ID: "1", PID: 100, Name: "ComfyUI", Status: operation.StatusRunning, StartedAt: base},
		operation.Record{ID: "2", PID: 200, Name: "trainer", Status: operation.StatusRunning, StartedAt: base.Add(time.Minute)},
		operation.Record{ID: "3", PID: 300, Name: "old", Status: operation.StatusStopped, StartedAt: base.Add(-time.Hour), UpdatedAt: base.Add(-time.Hour)},
	)
	f.host.set(100, operation.Alive)
	f.host.set(200, operation.Dead)
}

func boolp(b bool) *bool { return &b }

func TestSyncOperationsExample(t *testing.T) {
	f := newFixture(t, Options{})
	c1Example(t, f)

	sum, err := f.rec.SyncOperations(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2, Synced: 1, Errors: 0}, sum)
	assert.Equal(t, int64(2), f.host.calls.Load(), "stopped operations are never probed")

	want := map[string]operation.Status{"1": operation.StatusRunning, "2": operation.StatusStopped, "3": operation.StatusStopped}
	if diff := cmp.Diff(want, f.statuses(t)); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}

	got, err := f.st.Get(context.Background(), "2")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(base.Add(2*time.Hour)))

	evts := f.drain()
	require.Len(t, evts, 2)
	assert.Equal(t, events.TypeStopped, evts[0].Type)
	assert.Equal(t, "2", evts[0].Operation.ID)
	assert.Equal(t, events.TypeSynced, evts[1].Type)
	assert.Equal(t, &sum, evts[1].Summary)
}

func TestSyncOperationsIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	c1Example(t, f)

	_, err := f.rec.SyncOperations(context.Background(), "C1")
	require.NoError(t, err)
	f.drain()

	sum, err := f.rec.SyncOperations(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 1, Synced: 0, Errors: 0}, sum)
	assert.Equal(t, operation.StatusStopped, f.statuses(t)["2"])

	for _, e := range f.drain() {
		assert.NotEqual(t, events.TypeStopped, e.Type, "no second stopped event")
	}
}

func TestListWithoutSyncMakesNoRemoteCalls(t *testing.T) {
	f := newFixture(t, Options{})
	c1Example(t, f)
	f.host.block = true
	f.host.readyErr = errors.New("host down")

	start := time.Now()
	res, err := f.rec.ListOperations(context.Background(), "C1", ListOptions{SyncStatus: boolp(false)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Zero(t, f.host.calls.Load())
	assert.False(t, res.Synced)
	assert.Empty(t, res.Degraded)
	require.Len(t, res.Operations, 3)
	assert.Equal(t, operation.StatusRunning, res.Operations[0].Status, "persisted state returned untouched")
}

func TestListSyncsByDefault(t *testing.T) {
	f := newFixture(t, Options{})
	c1Example(t, f)

	res, err := f.rec.ListOperations(context.Background(), "C1", ListOptions{})
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Equal(t, Summary{Checked: 2, Synced: 1}, res.Summary)

	ids := make([]string, 0, len(res.Operations))
	for _, r := range res.Operations {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"2", "1", "3"}, ids, "newest first regardless of resync")
	assert.Equal(t, operation.StatusStopped, res.Operations[0].Status)
	assert.True(t, res.Operations[0].UpdatedAt.Equal(base.Add(2*time.Hour)))
	assert.Equal(t, operation.StatusRunning, res.Operations[1].Status)

	// persisted: a plain listing sees the transition
	plain, err := f.rec.ListOperations(context.Background(), "C1", ListOptions{SyncStatus: boolp(false)})
	require.NoError(t, err)
	assert.Equal(t, operation.StatusStopped, plain.Operations[0].Status)

	evts := f.drain()
	require.Len(t, evts, 1, "listing emits stopped events but no synced event")
	assert.Equal(t, events.TypeStopped, evts[0].Type)
}

func TestMixedErrorAndDead(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t,
		operation.Record{ID: "A", PID: 10, Status: operation.StatusRunning, StartedAt: base},
		operation.Record{ID: "B", PID: 20, Status: operation.StatusRunning, StartedAt: base},
	)
	f.host.fail(10, errors.New("ssh: handshake failed"))
	f.host.set(20, operation.Dead)

	sum, err := f.rec.SyncOperations(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2, Synced: 1, Errors: 1}, sum)
	assert.Equal(t, map[string]operation.Status{"A": operation.StatusRunning, "B": operation.StatusStopped}, f.statuses(t))
}

func TestUnknownConnection(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.rec.SyncOperations(context.Background(), "nope")
	require.ErrorIs(t, err, connection.ErrNotFound)

	_, err = f.rec.ListOperations(context.Background(), "nope", ListOptions{})
	require.ErrorIs(t, err, connection.ErrNotFound)

	_, err = f.rec.ListOperations(context.Background(), "nope", ListOptions{SyncStatus: boolp(false)})
	require.ErrorIs(t, err, connection.ErrNotFound)

	assert.Empty(t, f.drain())
}

func TestUnavailableConnectionDegrades(t *testing.T) {
	f := newFixture(t, Options{})
	c1Example(t, f)
	f.host.readyErr = errors.New("dial tcp: connection refused")

	res, err := f.rec.ListOperations(context.Background(), "C1", ListOptions{})
	require.NoError(t, err)
	assert.False(t, res.Synced)
	assert.Contains(t, res.Degraded, "connection refused")
	require.Len(t, res.Operations, 3, "degraded listing still returns persisted rows")

	sum, err := f.rec.SyncOperations(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2, Synced: 0, Errors: 2}, sum)
	assert.Zero(t, f.host.calls.Load())
	assert.Equal(t, operation.StatusRunning, f.statuses(t)["2"], "never downgrade without evidence")
}

func TestEmptyConnectionIsNotDegraded(t *testing.T) {
	f := newFixture(t, Options{})
	res, err := f.rec.ListOperations(context.Background(), "C1", ListOptions{})
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Empty(t, res.Degraded)
	assert.Empty(t, res.Operations)
}

// flakyStore fails MarkStopped for selected ids.
type flakyStore struct {
	store.Store
	failIDs map[string]bool
}

func (s flakyStore) MarkStopped(ctx context.Context, id string, at time.Time) (bool, error) {
	if s.failIDs[id] {
		return false, errors.New("disk I/O error")
	}
	return s.Store.MarkStopped(ctx, id, at)
}

func TestPersistenceFailureCountsAsError(t *testing.T) {
	f := newFixture(t, Options{})
	c1Example(t, f)
	f.rec.store = flakyStore{Store: f.st, failIDs: map[string]bool{"2": true}}

	res, err := f.rec.ListOperations(context.Background(), "C1", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2, Synced: 0, Errors: 1}, res.Summary)
	assert.Equal(t, operation.StatusRunning, res.Operations[0].Status, "failed write keeps running in the listing")
	assert.Equal(t, operation.StatusRunning, f.statuses(t)["2"])
	assert.Empty(t, f.drain(), "no stopped event without a persisted transition")
}

func TestConcurrentPassesConverge(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 3})
	f.host.delay = 2 * time.Millisecond
	var recs []operation.Record
	dead := 0
	for i := 0; i < 24; i++ {
		pid := 1000 + i
		recs = append(recs, operation.Record{
			ID:        fmt.Sprintf("op-%02d", i),
			PID:       pid,
			Status:    operation.StatusRunning,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		})
		if i%3 == 0 {
			f.host.set(pid, operation.Dead)
			dead++
		}
	}
	f.seed(t, recs...)

	var wg sync.WaitGroup
	var synced atomic.Int64
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sum, err := f.rec.SyncOperations(context.Background(), "C1")
			assert.NoError(t, err)
			synced.Add(int64(sum.Synced))
		}()
		go func() {
			defer wg.Done()
			res, err := f.rec.ListOperations(context.Background(), "C1", ListOptions{})
			assert.NoError(t, err)
			synced.Add(int64(res.Summary.Synced))
			for _, r := range res.Operations {
				if (r.PID-1000)%3 == 0 {
					assert.Equal(t, operation.StatusStopped, r.Status, "dead operation %s listed as running after pass", r.ID)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(dead), synced.Load(), "each transition counted exactly once")
	stoppedEvents := 0
	for _, e := range f.drain() {
		if e.Type == events.TypeStopped {
			stoppedEvents++
		}
	}
	assert.Equal(t, dead, stoppedEvents, "each transition emitted exactly once")

	for _, r := range recs {
		want := operation.StatusRunning
		if (r.PID-1000)%3 == 0 {
			want = operation.StatusStopped
		}
		assert.Equal(t, want, f.statuses(t)[r.ID], r.ID)
	}
}

func TestSyncOnFileStoreStopsEveryDeadOperation(t *testing.T) {
	f := newFixtureAt(t, filepath.Join(t.TempDir(), "dgx.db"), Options{})
	const n = 200
	for i := 0; i < n; i++ {
		f.seed(t, operation.Record{ID: fmt.Sprintf("op-%03d", i), PID: 5000 + i, Status: operation.StatusRunning, StartedAt: base})
		f.host.set(5000+i, operation.Dead)
	}

	var wg sync.WaitGroup
	var synced, failed atomic.Int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := f.rec.SyncOperations(context.Background(), "C1")
			assert.NoError(t, err)
			synced.Add(int64(sum.Synced))
			failed.Add(int64(sum.Errors))
		}()
	}
	wg.Wait()

	assert.Zero(t, failed.Load())
	assert.Equal(t, int64(n), synced.Load())
	running, err := f.st.ListRunning(context.Background(), "C1")
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestFanOutIsBounded(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 3})
	f.host.delay = 5 * time.Millisecond
	for i := 0; i < 20; i++ {
		f.seed(t, operation.Record{ID: fmt.Sprintf("op-%c", 'a'+i), PID: 500 + i, Status: operation.StatusRunning, StartedAt: base})
	}

	sum, err := f.rec.SyncOperations(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, 20, sum.Checked)
	assert.LessOrEqual(t, f.host.peak.Load(), int64(3))
	assert.Greater(t, f.host.peak.Load(), int64(1), "checks run concurrently")
}

func TestCheckTimeoutIsIndeterminate(t *testing.T) {
	f := newFixture(t, Options{CheckTimeout: 20 * time.Millisecond})
	c1Example(t, f)
	f.host.block = true

	sum, err := f.rec.SyncOperations(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2, Synced: 0, Errors: 2}, sum)
	assert.Equal(t, operation.StatusRunning, f.statuses(t)["2"])
}

func TestCanceledPassKeepsCompletedTransitions(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 1})
	c1Example(t, f)

	sum, err := f.rec.SyncOperations(context.Background(), "C1")
	require.NoError(t, err)
	require.Equal(t, 1, sum.Synced)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.host.set(100, operation.Dead)
	f.host.block = true
	sum, err = f.rec.SyncOperations(ctx, "C1")
	if err == nil {
		assert.Equal(t, 0, sum.Synced)
	}
	assert.Equal(t, operation.StatusStopped, f.statuses(t)["2"], "earlier transition not rolled back")
	assert.Equal(t, operation.StatusRunning, f.statuses(t)["1"])
}

func TestPurge(t *testing.T) {
	f := newFixture(t, Options{})
	c1Example(t, f)

	n, err := f.rec.Purge(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	// now is base+2h; op 3 stopped at base-1h
	n, err = f.rec.Purge(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, map[string]operation.Status{"1": operation.StatusRunning, "2": operation.StatusRunning}, f.statuses(t))
}

func TestRunLoop(t *testing.T) {
	f := newFixture(t, Options{Retention: time.Hour})
	c1Example(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.rec.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s := f.statuses(t)
		_, kept := s["3"]
		return s["2"] == operation.StatusStopped && !kept
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	for _, e := range f.drain() {
		assert.NotEqual(t, events.TypeSynced, e.Type, "background passes do not publish synced events")
	}
}

func TestRunZeroIntervalReturns(t *testing.T) {
	f := newFixture(t, Options{})
	done := make(chan struct{})
	go func() {
		f.rec.Run(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval should return")
	}
}

func TestDefaults(t *testing.T) {
	r := New(nil, nil, nil, Options{})
	assert.Equal(t, DefaultConcurrency, r.opts.Concurrency)
	assert.Equal(t, DefaultCheckTimeout, r.opts.CheckTimeout)
}
