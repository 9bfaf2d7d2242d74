package messaging

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/pocat-io/messagebus/contracts"
)

// Executor runs delivery tasks
type Executor interface {
	// Execute schedules task. It may block while the executor is saturated.
	Execute(task func()) error

	// Shutdown stops accepting tasks and waits for running ones
	Shutdown(ctx context.Context) error
}

// WorkerPool is a fixed-size Executor
type WorkerPool struct {
	tasks  chan func()
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *slog.Logger
}

// WorkerPoolOption configures a worker pool
type WorkerPoolOption func(*workerPoolConfig)

type workerPoolConfig struct {
	queueSize int
	logger    *slog.Logger
}

// WithQueueSize sets how many tasks may wait for a worker
func WithQueueSize(size int) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		if size >= 0 {
			c.queueSize = size
		}
	}
}

// WithWorkerLogger sets the logger used for task panics
func WithWorkerLogger(logger *slog.Logger) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewWorkerPool starts size workers. A size below one uses the CPU count.
func NewWorkerPool(size int, opts ...WorkerPoolOption) *WorkerPool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	cfg := &workerPoolConfig{
		queueSize: size * 4,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	p := &WorkerPool{
		tasks:  make(chan func(), cfg.queueSize),
		quit:   make(chan struct{}),
		logger: cfg.logger,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.quit:
			return
		}
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in executor task", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Execute queues task, blocking while the queue is full
func (p *WorkerPool) Execute(task func()) error {
	select {
	case <-p.quit:
		return contracts.ErrAlreadyClosed
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return contracts.ErrAlreadyClosed
	}
}

// Shutdown stops the workers. Queued tasks that have not started are dropped.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		close(p.quit)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
