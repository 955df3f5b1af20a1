package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper removes delivered records older than a cutoff.
type Sweeper interface {
	DeleteDelivered(ctx context.Context, olderThan time.Time) (int, error)
}

type SchedulerConfig struct {
	// Interval between cycles, measured from the end of the previous one.
	Interval time.Duration
	// Retention of delivered records. Zero or negative disables the sweep.
	Retention time.Duration
	Sweeper   Sweeper
	Logger    zerolog.Logger
	// OnCycle observes every finished cycle that was not discarded.
	OnCycle func(delivered int, err error)
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Scheduler triggers upload cycles periodically until stopped.
type Scheduler struct {
	uploader *Uploader
	cfg      SchedulerConfig

	mu  sync.Mutex
	run *run
}

type run struct {
	close   chan chan struct{}
	stopped atomic.Bool
}

func NewScheduler(uploader *Uploader, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{uploader: uploader, cfg: cfg}
}

// Start begins periodic uploads. Calling Start on a running scheduler does
// nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return
	}
	r := &run{close: make(chan chan struct{})}
	s.run = r
	go s.loop(r)
}

// Stop cancels future cycles and waits for an in-flight one to finish. The
// in-flight transport call is never aborted, but its result is discarded so
// the page stays pending.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r == nil {
		return
	}

	r.stopped.Store(true)
	done := make(chan struct{})
	r.close <- done
	<-done
}

// Running reports whether periodic uploads are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

func (s *Scheduler) loop(r *run) {
	for {
		select {
		case done := <-r.close:
			close(done)
			return
		case <-time.After(s.cfg.Interval):
			s.cycle(r)
		}
	}
}

// cycle runs on a context Stop does not cancel; a stop only discards.
func (s *Scheduler) cycle(r *run) {
	ctx := context.Background()
	n, err := s.uploader.upload(ctx, func() bool { return !r.stopped.Load() })
	if r.stopped.Load() || errors.Is(err, errDiscarded) {
		s.cfg.Logger.Debug().Msg("upload cycle discarded by stop")
		return
	}
	if errors.Is(err, ErrUploadInProgress) {
		s.cfg.Logger.Debug().Msg("upload cycle skipped, previous cycle still running")
		return
	}
	if s.cfg.OnCycle != nil {
		s.cfg.OnCycle(n, err)
	}
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("upload cycle failed")
		return
	}
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	if s.cfg.Retention <= 0 || s.cfg.Sweeper == nil {
		return
	}
	cutoff := s.cfg.Clock().Add(-s.cfg.Retention)
	n, err := s.cfg.Sweeper.DeleteDelivered(ctx, cutoff)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("retention sweep failed")
		return
	}
	if n > 0 {
		s.cfg.Logger.Debug().Int("records", n).Time("cutoff", cutoff).Msg("retention sweep")
	}
}
