package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netmonhq/netmon-go/pkg/record"
)

// Memory is a Sink that keeps records in process memory. It is used when no
// database path is configured and in tests.
type Memory struct {
	mu     sync.Mutex
	recs   []*record.Exchange
	nextID int64
	closed bool
	hub    *hub
	log    zerolog.Logger
}

var _ Sink = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{hub: newHub(), log: zerolog.Nop()}
}

func (m *Memory) Insert(_ context.Context, rec *record.Exchange) (int64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	m.nextID++
	rec.ID = m.nextID
	m.recs = append(m.recs, rec.Clone())
	m.mu.Unlock()

	m.hub.notify()
	return rec.ID, nil
}

func (m *Memory) FetchPending(_ context.Context, limit int) ([]*record.Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var ret []*record.Exchange
	for _, r := range m.recs {
		if r.State == record.Pending {
			ret = append(ret, r.Clone())
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].Timestamp != ret[j].Timestamp {
			return ret[i].Timestamp < ret[j].Timestamp
		}
		return ret[i].ID < ret[j].ID
	})
	if limit >= 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

func (m *Memory) MarkDelivered(_ context.Context, ids []int64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	want := idSet(ids)
	for _, r := range m.recs {
		if want[r.ID] {
			r.State = record.Delivered
		}
	}
	m.mu.Unlock()

	m.hub.notify()
	return nil
}

func (m *Memory) DeleteDelivered(_ context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixMilli()
	return m.deleteWhere(func(r *record.Exchange) bool {
		return r.State == record.Delivered && r.Timestamp < cutoff
	})
}

func (m *Memory) DeleteByIDs(_ context.Context, ids []int64) (int, error) {
	want := idSet(ids)
	return m.deleteWhere(func(r *record.Exchange) bool { return want[r.ID] })
}

func (m *Memory) CountPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, r := range m.recs {
		if r.State == record.Pending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) StreamAll(ctx context.Context) <-chan []*record.Exchange {
	return m.hub.stream(ctx, m.log, func(context.Context) ([]*record.Exchange, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return nil, ErrClosed
		}
		ret := make([]*record.Exchange, 0, len(m.recs))
		for _, r := range m.recs {
			ret = append(ret, r.Clone())
		}
		sort.SliceStable(ret, func(i, j int) bool {
			if ret[i].Timestamp != ret[j].Timestamp {
				return ret[i].Timestamp > ret[j].Timestamp
			}
			return ret[i].ID > ret[j].ID
		})
		return ret, nil
	})
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.close()
	return nil
}

func (m *Memory) deleteWhere(match func(*record.Exchange) bool) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	kept := m.recs[:0]
	n := 0
	for _, r := range m.recs {
		if match(r) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(m.recs); i++ {
		m.recs[i] = nil
	}
	m.recs = kept
	m.mu.Unlock()

	if n > 0 {
		m.hub.notify()
	}
	return n, nil
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
