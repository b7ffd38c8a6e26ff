// Package workerpool runs work on a fixed set of goroutines where all work
// for one key lands on the same goroutine, in submission order.
package workerpool

import (
	"context"
	"errors"
	"hash/crc32"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/metrics"
)

// ErrPoolStopped is returned when submitting to a stopped pool
var ErrPoolStopped = errors.New("worker pool stopped")

type job struct {
	fn   func()
	done func()
}

// KeyedPool is a worker pool with per-key ordering
type KeyedPool struct {
	name    string
	queues  []chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	log     zerolog.Logger
}

// NewKeyedPool creates a pool of workers, each with its own queue
func NewKeyedPool(name string, workers, queueSize int) *KeyedPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}

	p := &KeyedPool{
		name:   name,
		queues: make([]chan job, workers),
		log:    logger.WithComponent("worker_pool").With().Str("pool", name).Logger(),
	}
	for i := range p.queues {
		p.queues[i] = make(chan job, queueSize)
	}
	return p
}

// Start launches the workers
func (p *KeyedPool) Start() {
	p.log.Info().Int("workers", len(p.queues)).Msg("starting worker pool")
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(i, q)
	}
}

// Stop drains queued work and waits for the workers to exit
func (p *KeyedPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

// Size returns the number of workers
func (p *KeyedPool) Size() int {
	return len(p.queues)
}

// Slot returns the worker index that owns key
func (p *KeyedPool) Slot(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(len(p.queues)))
}

// Submit queues fn on the worker owning key. It blocks while that
// worker's queue is full, until ctx is done.
func (p *KeyedPool) Submit(ctx context.Context, key string, fn func()) error {
	return p.submit(ctx, key, job{fn: fn})
}

func (p *KeyedPool) submit(ctx context.Context, key string, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queues[p.Slot(key)] <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run submits one job per key and waits for all of them to finish. Jobs
// that could not be queued are reported through the returned error and
// not run.
func (p *KeyedPool) Run(ctx context.Context, keys []string, fn func(i int)) error {
	var (
		wg       sync.WaitGroup
		firstErr error
	)
	for i, key := range keys {
		i := i
		wg.Add(1)
		err := p.submit(ctx, key, job{fn: func() { fn(i) }, done: wg.Done})
		if err != nil {
			wg.Done()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	wg.Wait()
	return firstErr
}

func (p *KeyedPool) worker(id int, queue <-chan job) {
	defer p.wg.Done()
	for j := range queue {
		p.execute(id, j)
	}
}

func (p *KeyedPool) execute(id int, j job) {
	if j.done != nil {
		defer j.done()
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Int("worker_id", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues(p.name).Inc()
		}
	}()
	j.fn()
}
