// Package upload delivers pending exchanges to the batch collector.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netmonhq/netmon-go/pkg/record"
)

// DefaultPageSize is the number of records sent per cycle.
const DefaultPageSize = 100

// ErrUploadInProgress is returned when a cycle is requested while another is
// still running.
var ErrUploadInProgress = errors.New("netmon: upload already in progress")

// errDiscarded marks a cycle whose result was dropped by a concurrent stop.
var errDiscarded = errors.New("netmon: upload result discarded")

// Source yields pending records and records their delivery. store.Sink
// satisfies it.
type Source interface {
	FetchPending(ctx context.Context, limit int) ([]*record.Exchange, error)
	MarkDelivered(ctx context.Context, ids []int64) error
}

// Transport sends one page of records. Any error means the whole page must
// be retried later.
type Transport interface {
	UploadBatch(ctx context.Context, batch []*record.Exchange) error
}

// Uploader runs upload cycles. Cycles never overlap.
type Uploader struct {
	source    Source
	transport Transport
	pageSize  int
	log       zerolog.Logger

	mu sync.Mutex
}

func NewUploader(source Source, transport Transport, pageSize int, log zerolog.Logger) *Uploader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Uploader{
		source:    source,
		transport: transport,
		pageSize:  pageSize,
		log:       log,
	}
}

// UploadPending sends the oldest page of pending records and marks them
// delivered when the collector accepts the page. It returns the number of
// records delivered. On any failure nothing is marked.
func (u *Uploader) UploadPending(ctx context.Context) (int, error) {
	return u.upload(ctx, nil)
}

// upload is UploadPending with a commit check consulted after the transport
// succeeded; a false result leaves the page pending.
func (u *Uploader) upload(ctx context.Context, commit func() bool) (int, error) {
	if !u.mu.TryLock() {
		return 0, ErrUploadInProgress
	}
	defer u.mu.Unlock()

	batch, err := u.source.FetchPending(ctx, u.pageSize)
	if err != nil {
		return 0, fmt.Errorf("netmon: fetching pending records: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := u.transport.UploadBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("netmon: uploading %d records: %w", len(batch), err)
	}
	if commit != nil && !commit() {
		return 0, errDiscarded
	}

	ids := record.IDs(batch)
	if err := u.source.MarkDelivered(ctx, ids); err != nil {
		return 0, fmt.Errorf("netmon: marking %d records delivered: %w", len(ids), err)
	}
	u.log.Debug().Int("records", len(ids)).Msg("batch delivered")
	return len(ids), nil
}
