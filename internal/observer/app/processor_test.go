package app

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden/internal/observer/ports"
	"warden/internal/observer/sqlitestore"
)

func newTestQueue(t *testing.T) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func enqueue(t *testing.T, store *sqlitestore.Store, sessionID int64, tool string) int64 {
	t.Helper()
	id, err := store.Enqueue(context.Background(), &ports.QueueItem{
		SessionID:   sessionID,
		Kind:        ports.KindObservation,
		Observation: &ports.ObservationPayload{ToolName: tool},
	})
	require.NoError(t, err)
	return id
}

func recvItem(t *testing.T, ch <-chan ports.QueueItem) ports.QueueItem {
	t.Helper()
	select {
	case item, ok := <-ch:
		require.True(t, ok, "stream closed unexpectedly")
		return item
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for item")
		return ports.QueueItem{}
	}
}

func requireClosed(t *testing.T, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if done() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stream did not terminate in time")
}

func TestItemsYieldInEnqueueOrder(t *testing.T) {
	store := newTestQueue(t)
	first := enqueue(t, store, 42, "Read")
	second := enqueue(t, store, 42, "Edit")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := NewProcessor(store, 42, newWakeSignal(), time.Minute)
	items := proc.Items(ctx, nil)

	got := recvItem(t, items)
	require.Equal(t, first, got.ID)
	require.Equal(t, "Read", got.Observation.ToolName)

	got = recvItem(t, items)
	require.Equal(t, second, got.ID)
}

func TestItemsWakeOnNotification(t *testing.T) {
	store := newTestQueue(t)
	wake := newWakeSignal()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := NewProcessor(store, 42, wake, time.Minute)
	items := proc.Items(ctx, nil)

	// Let the consumer reach its wait before producing.
	time.Sleep(50 * time.Millisecond)
	id := enqueue(t, store, 42, "Bash")
	wake.Notify()

	got := recvItem(t, items)
	require.Equal(t, id, got.ID)
}

// A notification that lands between the empty claim attempt and the wait
// entry must not strand the consumer: the signal latches.
func TestNotificationDuringClaimIsNotLost(t *testing.T) {
	store := newTestQueue(t)
	wake := newWakeSignal()

	// Producer runs before the consumer ever waits.
	id := enqueue(t, store, 42, "Write")
	consumed := recvItem(t, NewProcessor(store, 42, wake, time.Minute).
		Items(contextWithCleanup(t), nil))
	require.Equal(t, id, consumed.ID)

	// And a latched signal from an earlier burst wakes the next wait cycle.
	wake.Notify()
	wake.Notify()
	id = enqueue(t, store, 42, "Grep")
	got := recvItem(t, NewProcessor(store, 42, wake, time.Minute).
		Items(contextWithCleanup(t), nil))
	require.Equal(t, id, got.ID)
}

func contextWithCleanup(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestCancellationTerminatesCleanly(t *testing.T) {
	store := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	proc := NewProcessor(store, 42, newWakeSignal(), time.Minute)
	items := proc.Items(ctx, nil)

	cancel()

	closed := false
	requireClosed(t, func() bool {
		select {
		case _, ok := <-items:
			if !ok {
				closed = true
			}
		default:
		}
		return closed
	})
}

func TestIdleTimeoutFiresExactlyOnce(t *testing.T) {
	store := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var idleCalls atomic.Int32
	proc := NewProcessor(store, 42, newWakeSignal(), 40*time.Millisecond)
	items := proc.Items(ctx, func() { idleCalls.Add(1) })

	select {
	case _, ok := <-items:
		require.False(t, ok, "expected closed stream, got item")
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never terminated the stream")
	}
	require.EqualValues(t, 1, idleCalls.Load())

	// Nothing fires again after termination.
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, idleCalls.Load())
}

func TestBatchesDrainUpToMax(t *testing.T) {
	store := newTestQueue(t)
	for i := 0; i < 5; i++ {
		enqueue(t, store, 42, "Read")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := NewProcessor(store, 42, newWakeSignal(), time.Minute)
	batches := proc.Batches(ctx, 3, nil)

	select {
	case batch := <-batches:
		require.Len(t, batch, 3)
		require.Less(t, batch[0].ID, batch[1].ID)
		require.Less(t, batch[1].ID, batch[2].ID)
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

// An empty drain never yields an empty batch; the stream keeps waiting.
func TestBatchesNeverYieldEmpty(t *testing.T) {
	store := newTestQueue(t)
	wake := newWakeSignal()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := NewProcessor(store, 42, wake, time.Minute)
	batches := proc.Batches(ctx, 3, nil)

	// Spurious wakeups with no pending work must not produce a yield.
	wake.Notify()
	select {
	case batch := <-batches:
		t.Fatalf("unexpected batch of %d items", len(batch))
	case <-time.After(150 * time.Millisecond):
	}

	enqueue(t, store, 42, "Edit")
	wake.Notify()
	select {
	case batch := <-batches:
		require.Len(t, batch, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch after real work arrived")
	}
}
