package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/sandrun/internal/domain"
)

// reportTimeout bounds broadcasting and acknowledging a finished job.
const reportTimeout = 10 * time.Second

// Pool implements a fixed-size worker pool.
// It throttles how many jobs (and therefore environments) run at once.
type Pool struct {
	// workerCount determines how many jobs can run concurrently.
	workerCount int
	// tasksCh is the queue for incoming jobs.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg       sync.WaitGroup
	executor domain.Executor
	queue    domain.JobQueue
}

// NewPool initializes the worker pool with a fixed concurrency limit.
// Results are broadcast and acknowledged through queue.
func NewPool(concurrency int, executor domain.Executor, queue domain.JobQueue) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh:  make(chan domain.Job, concurrency),
		executor: executor,
		queue:    queue,
	}
}

// Start spawns the fixed number of worker goroutines and returns immediately.
// Running jobs inherit ctx, so cancelling it aborts them.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop closes the jobs channel, lets every worker finish its current task,
// and blocks until all of them have exited.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Submit adds a job to the pool.
// It blocks if the buffer and workers are saturated, or until ctx is done.
func (p *Pool) Submit(ctx context.Context, job domain.Job) bool {
	select {
	case p.tasksCh <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	slog.Debug("Worker started", "workerID", id)

	// Ranging reads jobs until the channel is closed.
	for job := range p.tasksCh {
		p.process(ctx, id, job)
	}

	slog.Debug("Worker stopped", "workerID", id)
}

func (p *Pool) process(ctx context.Context, id int, job domain.Job) {
	log := slog.With("workerID", id, "jobID", job.ID)
	log.Debug("Processing job")

	req := job.Request
	if req.JobID == "" {
		req.JobID = job.ID
	}
	res := p.executor.Dispatch(ctx, req)

	// Report even when ctx is already cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := p.queue.Broadcast(rctx, domain.NewJobResult(job.ID, res)); err != nil {
		log.Error("Failed to broadcast result", "error", err)
	}
	if job.RawID == "" {
		return
	}
	if err := p.queue.Acknowledge(rctx, job.RawID); err != nil {
		log.Error("Failed to acknowledge job", "msgID", job.RawID, "error", err)
	}
}
