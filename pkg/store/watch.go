package store

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netmonhq/netmon-go/pkg/record"
)

// hub wakes StreamAll subscribers after a mutation.
type hub struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
	done chan struct{}
	once sync.Once
}

func newHub() *hub {
	return &hub{
		subs: make(map[chan struct{}]struct{}),
		done: make(chan struct{}),
	}
}

func (h *hub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub <- struct{}{}:
		default:
		}
	}
}

func (h *hub) subscribe() (chan struct{}, func()) {
	sub := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}
}

func (h *hub) close() {
	h.once.Do(func() { close(h.done) })
}

// stream feeds snapshots produced by load to the returned channel until ctx
// ends or the hub is closed. Slow readers only ever see the latest snapshot.
func (h *hub) stream(ctx context.Context, log zerolog.Logger, load func(context.Context) ([]*record.Exchange, error)) <-chan []*record.Exchange {
	out := make(chan []*record.Exchange, 1)
	sig, unsubscribe := h.subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			recs, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("store snapshot failed")
			} else {
				select {
				case <-out:
				default:
				}
				select {
				case out <- recs:
				case <-ctx.Done():
					return
				case <-h.done:
					return
				}
			}

			select {
			case <-sig:
			case <-ctx.Done():
				return
			case <-h.done:
				return
			}
		}
	}()
	return out
}
