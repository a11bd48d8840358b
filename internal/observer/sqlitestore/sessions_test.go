package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden/internal/observer/ports"
)

func TestEnsureSessionRecordIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.EnsureSessionRecord(ctx, 42, "content-42")
	require.NoError(t, err)
	require.EqualValues(t, 42, record.ID)
	require.Equal(t, "content-42", record.ContentSessionID)

	// Second ensure keeps the original content session id.
	again, err := store.EnsureSessionRecord(ctx, 42, "different")
	require.NoError(t, err)
	require.Equal(t, "content-42", again.ContentSessionID)
	require.True(t, again.CreatedAt.Equal(record.CreatedAt))
}

func TestGetSessionByIDUnknown(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSessionByID(context.Background(), 999)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTouchSessionAdvancesActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.EnsureSessionRecord(ctx, 1, "c1")
	require.NoError(t, err)

	later := record.LastActivityAt.Add(5 * time.Minute)
	require.NoError(t, store.TouchSession(ctx, 1, later))

	record, err = store.GetSessionByID(ctx, 1)
	require.NoError(t, err)
	require.True(t, record.LastActivityAt.Equal(later))
}

func TestUpdateSessionPromptKeepsHighestNumber(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureSessionRecord(ctx, 1, "c1")
	require.NoError(t, err)

	require.NoError(t, store.UpdateSessionPrompt(ctx, 1, "fix the tests", 4))
	require.NoError(t, store.UpdateSessionPrompt(ctx, 1, "", 2))

	record, err := store.GetSessionByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "fix the tests", record.Prompt)
	require.Equal(t, 4, record.PromptNumber)
}

func TestLatestPromptNumberSpansQueueAndSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureSessionRecord(ctx, 1, "c1")
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionPrompt(ctx, 1, "start", 2))

	_, err = store.Enqueue(ctx, &ports.QueueItem{
		SessionID:        1,
		ContentSessionID: "c1",
		Kind:             ports.KindObservation,
		Observation:      &ports.ObservationPayload{ToolName: "Read", PromptNumber: 6},
	})
	require.NoError(t, err)

	latest, err := store.LatestPromptNumber(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 6, latest)

	latest, err = store.LatestPromptNumber(ctx, "unknown")
	require.NoError(t, err)
	require.Zero(t, latest)
}
