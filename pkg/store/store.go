// Package store persists captured exchanges until the batch collector has
// accepted them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/netmonhq/netmon-go/pkg/record"
)

// ErrClosed is returned by every Sink operation after Close.
var ErrClosed = errors.New("netmon: store closed")

// Sink is the durable store shared by the capture path, the batch uploader
// and the command line tool. Implementations must be safe for concurrent use.
type Sink interface {
	// Insert stores rec as pending and returns its new id. rec.ID is set.
	Insert(ctx context.Context, rec *record.Exchange) (int64, error)
	// FetchPending returns at most limit pending records, oldest first.
	FetchPending(ctx context.Context, limit int) ([]*record.Exchange, error)
	// MarkDelivered flags every id as delivered, atomically.
	MarkDelivered(ctx context.Context, ids []int64) error
	// DeleteDelivered removes delivered records captured before olderThan.
	DeleteDelivered(ctx context.Context, olderThan time.Time) (int, error)
	// DeleteByIDs removes the given records regardless of state.
	DeleteByIDs(ctx context.Context, ids []int64) (int, error)
	CountPending(ctx context.Context) (int, error)
	// StreamAll emits a snapshot of every record, newest first, on subscribe
	// and again after each change. The channel is closed when ctx ends or
	// the store is closed.
	StreamAll(ctx context.Context) <-chan []*record.Exchange
	Close() error
}
