package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/xiaolu219/banana-slides/model"
)

// StageResult is what a job's remote call produced. Ref is recorded in the
// register; Persist stores the domain payload and is executed under the
// register's generation-checked commit, so a superseded job never writes.
type StageResult struct {
	Ref     string
	Persist func(ctx context.Context) error
}

// Job is one remote call bound to a register generation. OnComplete fires
// only after the completion was committed with a fresh generation, typically
// to fan out the next stage. OnFailure fires once, after retries are
// exhausted and the failure was recorded for a still-current generation.
type Job struct {
	EntityID   string
	Stage      model.Stage
	Generation uint64
	Run        func(ctx context.Context) (*StageResult, error)
	OnComplete func(ctx context.Context, result *StageResult)
	OnFailure  func(ctx context.Context, err error)
}

// Handle is returned by Submit; Done closes when the job has resolved.
type Handle struct {
	done chan struct{}
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// WorkerPool runs jobs on a fixed number of slots. Submission never blocks
// the caller; each job acquires a slot inside its own goroutine. A job's
// failure updates only its own register entry and never aborts siblings.
type WorkerPool struct {
	sem      *semaphore.Weighted
	retry    *RetryPolicy
	register *StatusRegister
	wg       sync.WaitGroup
}

func NewWorkerPool(slots int, retry *RetryPolicy, register *StatusRegister) *WorkerPool {
	if slots <= 0 {
		slots = 4
	}
	return &WorkerPool{
		sem:      semaphore.NewWeighted(int64(slots)),
		retry:    retry,
		register: register,
	}
}

// Submit dispatches a job and returns immediately. The job transitions its
// register entry to running once it holds a slot, runs the remote call under
// the retry policy, and commits the terminal status. A job whose generation
// was superseded before it started is skipped without running.
func (p *WorkerPool) Submit(ctx context.Context, job Job) *Handle {
	handle := &Handle{done: make(chan struct{})}
	p.wg.Add(1)

	// Jobs outlive the triggering request: keep its values (request id for
	// logging) but drop its cancellation, otherwise the job dies the moment
	// the handler writes its 202.
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer p.wg.Done()
		defer close(handle.done)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("job panicked",
					"entity_id", job.EntityID, "stage", job.Stage, "panic", r)
				p.register.Transition(ctx, job.EntityID, job.Stage, job.Generation,
					model.StatusFailed, fmt.Sprintf("internal panic: %v", r))
			}
		}()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.register.Transition(ctx, job.EntityID, job.Stage, job.Generation,
				model.StatusFailed, err.Error())
			return
		}
		defer p.sem.Release(1)

		// A false return means a newer generation took over while this job
		// waited for a slot; its work is unwanted, so skip the remote call.
		if !p.register.Transition(ctx, job.EntityID, job.Stage, job.Generation,
			model.StatusRunning, "") {
			slog.Debug("job superseded before start",
				"entity_id", job.EntityID, "stage", job.Stage, "generation", job.Generation)
			return
		}

		var result *StageResult
		err := p.retry.Do(ctx, func(ctx context.Context) error {
			var runErr error
			result, runErr = job.Run(ctx)
			return runErr
		})
		if err != nil {
			slog.Warn("job failed",
				"entity_id", job.EntityID, "stage", job.Stage, "error", err)
			if p.register.Transition(ctx, job.EntityID, job.Stage, job.Generation,
				model.StatusFailed, err.Error()) && job.OnFailure != nil {
				job.OnFailure(ctx, err)
			}
			return
		}

		// Stale completions are discarded here: the commit is a no-op when a
		// newer generation has been registered since, and the persist step
		// does not run.
		if !p.register.CommitResult(ctx, job.EntityID, job.Stage, job.Generation,
			result.Ref, result.Persist) {
			slog.Debug("stale completion discarded",
				"entity_id", job.EntityID, "stage", job.Stage, "generation", job.Generation)
			return
		}

		if job.OnComplete != nil {
			job.OnComplete(ctx, result)
		}
	}()

	return handle
}

// Shutdown waits for in-flight jobs to finish or the context to expire.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
