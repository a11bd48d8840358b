package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden/internal/observer/ports"
	"warden/internal/observer/sqlitestore"
)

func newTestManager(t *testing.T, idle time.Duration) (*Manager, *sqlitestore.Store) {
	t.Helper()
	store := newTestQueue(t)
	return NewManager(store, store, idle), store
}

// failingQueue wraps a real store but rejects enqueues on demand.
type failingQueue struct {
	ports.QueueStore
	failEnqueue atomic.Bool
}

func (f *failingQueue) Enqueue(ctx context.Context, item *ports.QueueItem) (int64, error) {
	if f.failEnqueue.Load() {
		return 0, errors.New("disk full")
	}
	return f.QueueStore.Enqueue(ctx, item)
}

func TestInitializeIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	first, err := m.Initialize(ctx, 42, "build the parser", 3)
	require.NoError(t, err)
	require.Equal(t, "build the parser", first.Prompt)
	require.Equal(t, 3, first.PromptNumber)
	require.NotEmpty(t, first.ContentSessionID)

	second, err := m.Initialize(ctx, 42, "", 0)
	require.NoError(t, err)
	require.Same(t, first, second, "expected the same in-memory session object")
	require.Equal(t, "build the parser", second.Prompt, "empty refresh must not clobber fields")

	third, err := m.Initialize(ctx, 42, "now add tests", 5)
	require.NoError(t, err)
	require.Same(t, first, third)
	require.Equal(t, "now add tests", third.Prompt)
	require.Equal(t, 5, third.PromptNumber)

	require.Equal(t, 1, m.ActiveSessionCount())
}

func TestQueueObservationPersistFailureNeverNotifies(t *testing.T) {
	store := newTestQueue(t)
	fq := &failingQueue{QueueStore: store}
	m := NewManager(fq, store, time.Minute)
	ctx := context.Background()

	sess, err := m.Initialize(ctx, 42, "", 0)
	require.NoError(t, err)

	fq.failEnqueue.Store(true)
	err = m.QueueObservation(ctx, 42, ports.ObservationPayload{ToolName: "Read"})
	require.Error(t, err, "storage failure must propagate to the producer")

	select {
	case <-sess.wake.Wait():
		t.Fatal("notification fired despite persistence failure")
	default:
	}

	// And after the store recovers, the normal path notifies.
	fq.failEnqueue.Store(false)
	require.NoError(t, m.QueueObservation(ctx, 42, ports.ObservationPayload{ToolName: "Read"}))
	select {
	case <-sess.wake.Wait():
	default:
		t.Fatal("successful enqueue did not notify")
	}
}

// Spec scenario: two observations queued with no consumer running, then a
// single-item iterator yields them in order, each needing an explicit
// mark-processed before depth decrements.
func TestOrderedConsumptionWithExplicitConfirm(t *testing.T) {
	m, store := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.QueueObservation(ctx, 42, ports.ObservationPayload{ToolName: "Read"}))
	require.NoError(t, m.QueueObservation(ctx, 42, ports.ObservationPayload{ToolName: "Edit"}))

	items, err := m.MessageIterator(42)
	require.NoError(t, err)

	first := recvItem(t, items)
	require.Equal(t, "Read", first.Observation.ToolName)

	depth, err := store.PendingCount(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 2, depth, "depth must not drop before explicit confirm")

	require.NoError(t, store.MarkProcessed(ctx, first.ID))
	depth, err = store.PendingCount(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	second := recvItem(t, items)
	require.Equal(t, "Edit", second.Observation.ToolName)
	require.NoError(t, store.MarkProcessed(ctx, second.ID))

	depth, err = store.PendingCount(ctx, 42)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestSingleConsumerPerSession(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)

	_, err := m.MessageIterator(42)
	require.NoError(t, err)

	_, err = m.MessageIterator(42)
	require.Error(t, err, "re-entrant iteration must be rejected")
}

func TestConsumerRestartAfterIdleTimeout(t *testing.T) {
	m, _ := newTestManager(t, 40*time.Millisecond)
	ctx := context.Background()

	items, err := m.MessageIterator(42)
	require.NoError(t, err)

	select {
	case _, ok := <-items:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout did not terminate the stream")
	}

	// The next inbound event re-initializes and a fresh consumer resumes.
	require.NoError(t, m.QueueObservation(ctx, 42, ports.ObservationPayload{ToolName: "Bash"}))
	items, err = m.MessageIterator(42)
	require.NoError(t, err)
	got := recvItem(t, items)
	require.Equal(t, "Bash", got.Observation.ToolName)

	sess, err := m.Initialize(ctx, 42, "", 0)
	require.NoError(t, err)
	require.Equal(t, 2, sess.Restarts)
}

func TestDeleteSessionPurgesAndFiresCallback(t *testing.T) {
	m, store := newTestManager(t, time.Minute)
	ctx := context.Background()

	var deleted atomic.Int64
	m.SetOnSessionDeleted(func(id int64) { deleted.Store(id) })

	require.NoError(t, m.QueueObservation(ctx, 42, ports.ObservationPayload{ToolName: "Read"}))
	require.NoError(t, m.QueueSummarize(ctx, 42, "done"))

	require.NoError(t, m.Delete(ctx, 42))

	depth, err := store.PendingCount(ctx, 42)
	require.NoError(t, err)
	require.Zero(t, depth, "durable rows must be purged")
	require.Zero(t, m.ActiveSessionCount())
	require.EqualValues(t, 42, deleted.Load())

	// Idempotent: deleting again is a no-op.
	require.NoError(t, m.Delete(ctx, 42))
}

func TestDeleteCancelsActiveConsumer(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	items, err := m.MessageIterator(42)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, 42))

	select {
	case _, ok := <-items:
		require.False(t, ok, "consumer stream must terminate on delete")
	case <-time.After(2 * time.Second):
		t.Fatal("consumer stream survived session deletion")
	}
}

func TestCleanupStaleThresholdAndForce(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	sess, err := m.Initialize(ctx, 42, "", 0)
	require.NoError(t, err)

	m.mu.Lock()
	sess.LastActivityAt = time.Now().Add(-2 * time.Second)
	m.mu.Unlock()

	cleaned, err := m.CleanupStale(ctx, time.Second, false)
	require.NoError(t, err)
	require.Equal(t, 1, cleaned)
	require.Zero(t, m.ActiveSessionCount())

	// Same staleness but with an outstanding consumer: skipped unless forced.
	sess, err = m.Initialize(ctx, 43, "", 0)
	require.NoError(t, err)
	_, err = m.MessageIterator(43)
	require.NoError(t, err)
	m.mu.Lock()
	sess.LastActivityAt = time.Now().Add(-2 * time.Second)
	m.mu.Unlock()

	cleaned, err = m.CleanupStale(ctx, time.Second, false)
	require.NoError(t, err)
	require.Zero(t, cleaned)
	require.Equal(t, 1, m.ActiveSessionCount())

	cleaned, err = m.CleanupStale(ctx, time.Second, true)
	require.NoError(t, err)
	require.Equal(t, 1, cleaned)
	require.Zero(t, m.ActiveSessionCount())
}

func TestShutdownAllDeletesEverything(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, m.QueueObservation(ctx, id, ports.ObservationPayload{ToolName: "Read"}))
	}
	require.Equal(t, 3, m.ActiveSessionCount())

	require.NoError(t, m.ShutdownAll(ctx))
	require.Zero(t, m.ActiveSessionCount())

	busy, err := m.IsProcessing(ctx)
	require.NoError(t, err)
	require.False(t, busy)
}

func TestBatchIteratorThroughRegistry(t *testing.T) {
	m, store := newTestManager(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.QueueObservation(ctx, 42, ports.ObservationPayload{ToolName: "Read"}))
	}

	batches, err := m.MessageBatchIterator(42, 3)
	require.NoError(t, err)

	select {
	case batch := <-batches:
		require.Len(t, batch, 3)
		for _, item := range batch {
			require.NoError(t, store.MarkProcessed(ctx, item.ID))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first batch")
	}

	select {
	case batch := <-batches:
		require.Len(t, batch, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second batch")
	}
}

func TestEarliestPendingTracksRunningMinimum(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	before := time.Now()
	require.NoError(t, m.QueueObservation(ctx, 42, ports.ObservationPayload{ToolName: "Read"}))

	items, err := m.MessageIterator(42)
	require.NoError(t, err)
	recvItem(t, items)

	sess, err := m.Initialize(ctx, 42, "", 0)
	require.NoError(t, err)
	m.mu.RLock()
	earliest := sess.EarliestPending
	m.mu.RUnlock()
	require.False(t, earliest.IsZero())
	require.False(t, earliest.Before(before.Add(-time.Second)))
}

func TestGetStatsSnapshot(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.QueueObservation(ctx, 1, ports.ObservationPayload{ToolName: "Read"}))
	require.NoError(t, m.QueueObservation(ctx, 2, ports.ObservationPayload{ToolName: "Edit"}))
	_, err := m.MessageIterator(1)
	require.NoError(t, err)

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.ActiveSessions)
	require.GreaterOrEqual(t, stats.TotalQueueDepth, 1)
	require.Equal(t, 1, stats.ActiveConsumers)
	require.Zero(t, stats.FailedItems)
}
