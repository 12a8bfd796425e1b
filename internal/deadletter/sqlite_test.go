package deadletter

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webhook-bridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "dead.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("", nil)
	require.Error(t, err)
}

func TestSQLiteStore_RecordListDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 0, 0, 123, time.UTC)

	first := domain.Task{Tenant: "faster", Payload: []byte(`{"a":1}`), Direction: domain.DirectionIncoming, Kind: domain.KindMessage, ReceivedAt: at}
	second := domain.Task{Tenant: "vip", Payload: []byte(`{"b":2}`), Kind: domain.KindLifecycle, ReceivedAt: at.Add(time.Second)}
	require.NoError(t, s.Record(ctx, first, "BREAKER_OPEN"))
	require.NoError(t, s.Record(ctx, second, "STORE_TIMEOUT"))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	entries, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, first, entries[0].Task)
	require.Equal(t, "BREAKER_OPEN", entries[0].Reason)
	require.Equal(t, second, entries[1].Task)
	require.False(t, entries[1].CreatedAt.IsZero())

	require.NoError(t, s.Delete(ctx, entries[0].ID))
	entries, err = s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "vip", entries[0].Task.Tenant)
}

func TestSQLiteStore_ListLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for n := 0; n < 5; n++ {
		require.NoError(t, s.Record(ctx, domain.Task{Tenant: "faster", Kind: domain.KindMessage}, "STORE_UNAVAILABLE"))
	}
	entries, err := s.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestSQLiteStore_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.db")
	s, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), domain.Task{Tenant: "faster", Kind: domain.KindMessage}, "BREAKER_OPEN"))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
