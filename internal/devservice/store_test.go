package devservice

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.CreateSession(context.Background(), "a", nil))
	require.NoError(t, store.Close())

	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	var versions int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	require.Equal(t, len(migrations), versions)

	_, err = store.Session(context.Background(), "a")
	require.NoError(t, err)
}

func TestStoreRecordsSessionLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.CreateSession(ctx, "s1", json.RawMessage(`{"domain":"grid"}`)))
	require.NoError(t, store.Record(ctx, "s1", "take-action", map[string]any{"action": "up"}))
	require.NoError(t, store.Record(ctx, "s1", "integrate", nil))

	rec, err := store.Session(ctx, "s1")
	require.NoError(t, err)
	require.JSONEq(t, `{"domain":"grid"}`, string(rec.Condition))
	require.Equal(t, 2, rec.Events)
	require.Nil(t, rec.EndedAt)

	events, err := store.Events(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "take-action", events[0].Type)
	require.JSONEq(t, `{"action":"up"}`, string(events[0].Payload))
	require.JSONEq(t, `{}`, string(events[1].Payload))
	require.LessOrEqual(t, events[0].Timestamp, events[1].Timestamp)

	require.NoError(t, store.EndSession(ctx, "s1", "complete"))
	require.NoError(t, store.EndSession(ctx, "s1", "disconnected"))
	rec, err = store.Session(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec.EndedAt)
	require.Equal(t, "complete", rec.EndReason)
}

func TestStoreUnknownSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)

	_, err := store.Session(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownSession)
	_, err = store.Events(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownSession)
	require.ErrorIs(t, store.EndSession(ctx, "nope", "complete"), ErrUnknownSession)

	// Events need a session row.
	require.Error(t, store.Record(ctx, "nope", "log", nil))
}

func TestStoreListsNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	for _, id := range []string{"first", "second"} {
		require.NoError(t, store.CreateSession(ctx, id, nil))
	}

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "second", sessions[0].ID)
	require.JSONEq(t, `{}`, string(sessions[1].Condition))
}
