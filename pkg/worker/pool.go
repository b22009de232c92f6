package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/metrics"
)

// ErrClosed is returned by Close when the pool was already closed.
var ErrClosed = errors.New("worker: pool closed")

// Task is a unit of background work.
type Task func()

// Config sizes the pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// Pool runs tasks on a fixed set of goroutines fed by a bounded queue.
// When the queue is full the newest task is dropped; Submit never blocks.
type Pool struct {
	name    string
	queue   chan Task
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	logger  *zap.Logger
}

func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:   cfg.Name,
		queue:  make(chan Task, cfg.QueueSize),
		logger: cfg.Logger,
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.run()
	}
	return p
}

// Submit enqueues t. It returns false if the pool is closed or saturated.
func (p *Pool) Submit(t Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.queue <- t:
		metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
		return true
	default:
		n := p.dropped.Add(1)
		metrics.PoolDropped.WithLabelValues(p.name).Inc()
		p.logger.Warn("background queue full, dropping task",
			zap.String("pool", p.name),
			zap.Int64("dropped_total", n),
		)
		return false
	}
}

// Dropped returns how many tasks were rejected because the queue was full.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

func (p *Pool) run() {
	defer p.wg.Done()
	for t := range p.queue {
		metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
		p.exec(t)
	}
}

func (p *Pool) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked",
				zap.String("pool", p.name),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	t()
}

// Close stops accepting tasks and waits for queued ones to finish or ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: drain %s: %w", p.name, ctx.Err())
	}
}
