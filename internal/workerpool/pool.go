// Package workerpool implements a fixed-size pool of *request.Request
// instances, each permanently owned by one worker goroutine, plus a
// separate supervisor goroutine that calls CheckTimeout on every worker's
// request out-of-band. A per-worker select-on-ticker design would starve:
// the ticker case never fires while the worker goroutine is blocked
// inside Run, which is exactly when a timeout needs to be noticed. A
// dedicated supervisor that never blocks on job dispatch is the fix.
package workerpool

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/objectfs/s3corefs/internal/fsctx"
	"github.com/objectfs/s3corefs/internal/request"
)

// Job is one unit of work dispatched to a worker's Request.
type Job func(ctx context.Context, req *request.Request) error

type job struct {
	fn   Job
	done chan error
}

// Pool is a fixed-size worker pool of reusable, individually owned
// requests.
type Pool struct {
	ctx    *fsctx.Context
	client *http.Client

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	workers []*request.Request

	supervisorInterval time.Duration
	requestOpts        []request.Option
	logger             *slog.Logger
}

// Option configures optional collaborators on a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for pool-level events (currently just
// sticky-cancel worker replacement) and is forwarded to every worker's
// *request.Request. Nil-safe: falls back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
		p.requestOpts = append(p.requestOpts, request.WithLogger(logger))
	}
}

// WithMetrics forwards m to every worker's *request.Request so Run calls
// are recorded.
func WithMetrics(m request.MetricsRecorder) Option {
	return func(p *Pool) { p.requestOpts = append(p.requestOpts, request.WithMetrics(m)) }
}

// New starts a pool of n workers, each backed by its own *request.Request
// against client. supervisorInterval controls how often CheckTimeout is
// polled across all workers; a sensible default is a fraction of
// ctx.RequestTimeout.
func New(ctx *fsctx.Context, client *http.Client, n int, supervisorInterval time.Duration, opts ...Option) *Pool {
	if n <= 0 {
		n = 1
	}
	if supervisorInterval <= 0 {
		supervisorInterval = 500 * time.Millisecond
	}

	p := &Pool{
		ctx:                ctx,
		client:             client,
		jobs:               make(chan job),
		quit:               make(chan struct{}),
		supervisorInterval: supervisorInterval,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.workers = make([]*request.Request, n)
	for i := range p.workers {
		p.workers[i] = request.New(ctx, client, p.requestOpts...)
	}

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.wg.Add(1)
	go p.supervise()

	return p
}

// Dispatch submits fn to the next available worker and blocks until it
// completes or the given context is done.
func (p *Pool) Dispatch(ctx context.Context, fn func(ctx context.Context, req *request.Request) error) error {
	j := job{fn: Job(fn), done: make(chan error, 1)}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return context.Canceled
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runWorker(idx int) {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			req := p.workerRequest(idx)
			err := j.fn(context.Background(), req)
			if req.Canceled() {
				// Sticky-cancel: this worker's request is now
				// terminal and must be replaced before its next job.
				p.replaceWorker(idx)
			}
			j.done <- err
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) workerRequest(idx int) *request.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[idx]
}

func (p *Pool) replaceWorker(idx int) {
	p.logger.Warn("replacing sticky-canceled worker request", "worker", idx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[idx] = request.New(p.ctx, p.client, p.requestOpts...)
}

// supervise periodically calls CheckTimeout on every worker's request,
// independent of whether that worker is currently busy running a job.
func (p *Pool) supervise() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.supervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			workers := make([]*request.Request, len(p.workers))
			copy(workers, p.workers)
			p.mu.Unlock()
			for _, w := range workers {
				w.CheckTimeout()
			}
		case <-p.quit:
			return
		}
	}
}

// Close stops all workers and the supervisor and waits for them to exit.
func (p *Pool) Close() {
	close(p.quit)
	p.wg.Wait()
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
