package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	observer "warden/internal/observer/app"
	"warden/internal/observer/sqlitestore"
)

func TestSweeperDeletesIdleSessions(t *testing.T) {
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	defer store.Close()

	manager := observer.NewManager(store, store, time.Minute)
	sess, err := manager.Initialize(context.Background(), 42, "", 0)
	require.NoError(t, err)
	sess.LastActivityAt = time.Now().Add(-time.Hour)

	s := New(manager, 50*time.Millisecond, time.Second)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if manager.ActiveSessionCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("sweeper never removed the stale session (still %d active)", manager.ActiveSessionCount())
}

func TestSweeperStopIsPrompt(t *testing.T) {
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	defer store.Close()

	s := New(observer.NewManager(store, store, time.Minute), time.Hour, time.Hour)
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	require.NoError(t, ctx.Err())
}
