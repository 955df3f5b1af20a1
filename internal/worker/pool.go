// Package worker runs fire-and-forget tasks on a fixed set of goroutines fed
// by a bounded queue.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Task is one unit of background work. The context is cancelled once the
// pool has been closed and drained.
type Task func(ctx context.Context) error

type Config struct {
	// Workers defaults to 2.
	Workers int
	// QueueSize defaults to 1024.
	QueueSize int
	Logger    zerolog.Logger
	// OnError receives task errors and recovered panics.
	OnError func(error)
}

// Pool executes submitted tasks. A failing or panicking task never affects
// the others.
type Pool struct {
	tasks   chan Task
	onError func(error)
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:   make(chan Task, cfg.QueueSize),
		onError: cfg.OnError,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues task without blocking. It returns false when the queue is
// full or the pool is closed; the task is then dropped.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Len is the number of queued tasks not yet picked up by a worker.
func (p *Pool) Len() int {
	return len(p.tasks)
}

// Close stops accepting tasks and waits for the queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		if err := p.run(task); err != nil {
			p.report(err)
		}
	}
}

func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("netmon: background task panicked: %v", r)
		}
	}()
	return task(p.ctx)
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
		return
	}
	p.log.Error().Err(err).Msg("background task failed")
}
