package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Pool(t *testing.T) {
	t.Run("runs every submitted task before close returns", func(t *testing.T) {
		p := New(Config{Workers: 3, QueueSize: 100})
		var n atomic.Int32
		for i := 0; i < 50; i++ {
			require.True(t, p.Submit(func(context.Context) error {
				n.Add(1)
				return nil
			}))
		}
		p.Close()
		require.Equal(t, int32(50), n.Load())
	})

	t.Run("full queue rejects without blocking", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		p := New(Config{Workers: 1, QueueSize: 1})

		require.True(t, p.Submit(func(context.Context) error {
			close(started)
			<-release
			return nil
		}))
		<-started
		require.True(t, p.Submit(func(context.Context) error { return nil }))
		require.False(t, p.Submit(func(context.Context) error { return nil }))
		require.Equal(t, 1, p.Len())

		close(release)
		p.Close()
	})

	t.Run("errors and panics are isolated", func(t *testing.T) {
		var mu sync.Mutex
		var errs []error
		p := New(Config{Workers: 1, OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}})

		var ran atomic.Bool
		p.Submit(func(context.Context) error { return errors.New("insert failed") })
		p.Submit(func(context.Context) error { panic("boom") })
		p.Submit(func(context.Context) error {
			ran.Store(true)
			return nil
		})
		p.Close()

		require.True(t, ran.Load())
		require.Len(t, errs, 2)
		require.EqualError(t, errs[0], "insert failed")
		require.Contains(t, errs[1].Error(), "boom")
	})

	t.Run("submit after close is rejected", func(t *testing.T) {
		p := New(Config{})
		p.Close()
		p.Close()
		require.False(t, p.Submit(func(context.Context) error { return nil }))
	})
}
