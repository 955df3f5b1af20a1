package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netmonhq/netmon-go/pkg/record"
)

func newExchange(ts int64, url string) *record.Exchange {
	return &record.Exchange{
		Timestamp:      ts,
		URL:            url,
		Method:         "GET",
		RequestHeaders: map[string]string{"Accept": "application/json"},
		Properties:     map[string]string{},
		Duration:       12,
	}
}

func sinks(t *testing.T) map[string]Sink {
	t.Helper()
	sq, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "netmon.db")})
	require.NoError(t, err)
	return map[string]Sink{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func Test_Sink(t *testing.T) {
	ctx := context.Background()

	for name, sink := range sinks(t) {
		sink := sink
		t.Run(name, func(t *testing.T) {
			defer sink.Close()

			t.Run("insert assigns ids and round trips fields", func(t *testing.T) {
				rec := newExchange(1000, "https://api.example.com/a")
				rec.RequestBody = `{"q":1}`
				rec.ResponseCode = 201
				rec.ResponseHeaders = map[string]string{"Content-Type": "application/json"}
				rec.ResponseBody = `{"ok":true}`
				rec.UserID = "user-1"
				rec.Properties = map[string]string{"screen": "home"}

				id, err := sink.Insert(ctx, rec)
				require.NoError(t, err)
				require.NotZero(t, id)
				require.Equal(t, id, rec.ID)

				failed := newExchange(1000, "https://api.example.com/b")
				_, err = sink.Insert(ctx, failed)
				require.NoError(t, err)

				pending, err := sink.FetchPending(ctx, 10)
				require.NoError(t, err)
				require.Len(t, pending, 2)
				require.Equal(t, rec.ID, pending[0].ID)
				require.Equal(t, rec.RequestBody, pending[0].RequestBody)
				require.Equal(t, 201, pending[0].ResponseCode)
				require.Equal(t, rec.ResponseHeaders, pending[0].ResponseHeaders)
				require.Equal(t, rec.ResponseBody, pending[0].ResponseBody)
				require.Equal(t, "user-1", pending[0].UserID)
				require.Equal(t, rec.Properties, pending[0].Properties)
				require.Equal(t, record.Pending, pending[0].State)

				require.True(t, pending[1].Failed())
				require.Nil(t, pending[1].ResponseHeaders)
				require.Empty(t, pending[1].ResponseBody)

				_, err = sink.DeleteByIDs(ctx, record.IDs(pending))
				require.NoError(t, err)
			})

			t.Run("pending records come back oldest first", func(t *testing.T) {
				for _, ts := range []int64{300, 100, 200} {
					_, err := sink.Insert(ctx, newExchange(ts, "https://x.test"))
					require.NoError(t, err)
				}
				pending, err := sink.FetchPending(ctx, 2)
				require.NoError(t, err)
				require.Len(t, pending, 2)
				require.Equal(t, int64(100), pending[0].Timestamp)
				require.Equal(t, int64(200), pending[1].Timestamp)

				count, err := sink.CountPending(ctx)
				require.NoError(t, err)
				require.Equal(t, 3, count)

				require.NoError(t, sink.MarkDelivered(ctx, record.IDs(pending)))
				count, err = sink.CountPending(ctx)
				require.NoError(t, err)
				require.Equal(t, 1, count)

				rest, err := sink.FetchPending(ctx, 100)
				require.NoError(t, err)
				require.Len(t, rest, 1)
				require.Equal(t, int64(300), rest[0].Timestamp)

				deleted, err := sink.DeleteDelivered(ctx, time.UnixMilli(150))
				require.NoError(t, err)
				require.Equal(t, 1, deleted)

				deleted, err = sink.DeleteDelivered(ctx, time.UnixMilli(10_000))
				require.NoError(t, err)
				require.Equal(t, 1, deleted)

				deleted, err = sink.DeleteByIDs(ctx, record.IDs(rest))
				require.NoError(t, err)
				require.Equal(t, 1, deleted)

				count, err = sink.CountPending(ctx)
				require.NoError(t, err)
				require.Zero(t, count)
			})

			t.Run("stream all emits snapshots newest first", func(t *testing.T) {
				sctx, cancel := context.WithCancel(ctx)
				defer cancel()

				ch := sink.StreamAll(sctx)
				first := <-ch
				require.Empty(t, first)

				_, err := sink.Insert(ctx, newExchange(10, "https://old.test"))
				require.NoError(t, err)
				_, err = sink.Insert(ctx, newExchange(20, "https://new.test"))
				require.NoError(t, err)

				require.Eventually(t, func() bool {
					select {
					case snap := <-ch:
						return len(snap) == 2 && snap[0].URL == "https://new.test"
					default:
						return false
					}
				}, 2*time.Second, 10*time.Millisecond)

				cancel()
				require.Eventually(t, func() bool {
					select {
					case _, ok := <-ch:
						return !ok
					default:
						return false
					}
				}, 2*time.Second, 10*time.Millisecond)
			})

			t.Run("operations fail after close", func(t *testing.T) {
				require.NoError(t, sink.Close())
				_, err := sink.Insert(ctx, newExchange(1, "https://x.test"))
				require.ErrorIs(t, err, ErrClosed)
				_, err = sink.CountPending(ctx)
				require.ErrorIs(t, err, ErrClosed)
			})
		})
	}
}

func Test_SQLite(t *testing.T) {
	t.Run("path is required", func(t *testing.T) {
		_, err := OpenSQLite(SQLiteConfig{})
		require.Error(t, err)
	})

	t.Run("records survive reopening", func(t *testing.T) {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "netmon.db")

		s, err := OpenSQLite(SQLiteConfig{Path: path, PoolSize: 2})
		require.NoError(t, err)
		_, err = s.Insert(ctx, newExchange(42, "https://persist.test"))
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s, err = OpenSQLite(SQLiteConfig{Path: path})
		require.NoError(t, err)
		defer s.Close()
		pending, err := s.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "https://persist.test", pending[0].URL)
	})

	t.Run("mark delivered is all or nothing", func(t *testing.T) {
		ctx := context.Background()
		s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "netmon.db")})
		require.NoError(t, err)
		defer s.Close()

		_, err = s.Insert(ctx, newExchange(1, "https://a.test"))
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		require.Error(t, s.MarkDelivered(cctx, []int64{1}))

		count, err := s.CountPending(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})
}
