// Package runner implements the outer scheduling loop: it pulls ready
// tasks from the Flow Graph, dispatches each to the Executor under a
// bounded concurrency limit, and records results in the Data Store until
// every task has terminated or the run is aborted.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nikaeng/nika/internal/binding"
	"github.com/nikaeng/nika/internal/datastore"
	"github.com/nikaeng/nika/internal/eventlog"
	"github.com/nikaeng/nika/internal/executor"
	"github.com/nikaeng/nika/internal/flow"
	"github.com/nikaeng/nika/internal/graph"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

const defaultConcurrency = 8

// Status is the overall state of a workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Config controls scheduling policy.
type Config struct {
	// Concurrency bounds the number of tasks running at once. Defaults to 8.
	Concurrency int

	// ContinueOnFailure lets independent branches keep running after a task
	// fails. The zero value matches the spec's fail_fast default: as soon
	// as one task fails, scheduling of new tasks stops and the run drains
	// whatever is already in flight before reporting failed.
	ContinueOnFailure bool
}

// Runner drives one workflow execution to completion.
type Runner struct {
	workflow *flow.Workflow
	graph    *graph.Graph
	store    *datastore.Store
	events   *eventlog.Log
	exec     *executor.Executor
	resolver *binding.Resolver
	cfg      Config

	mu       sync.Mutex
	status   Status
	cancel   context.CancelFunc
	resumeCh chan struct{} // non-nil while paused; closed on Resume
	sem      chan struct{} // lazily created, bounds concurrent task dispatch
}

// New builds a Runner for wf. It builds and validates the flow graph (cycle
// detection) up front so a malformed workflow never reaches scheduling.
func New(wf *flow.Workflow, store *datastore.Store, events *eventlog.Log, exec *executor.Executor, cfg Config) (*Runner, error) {
	g, err := wf.Graph()
	if err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Runner{
		workflow: wf,
		graph:    g,
		store:    store,
		events:   events,
		exec:     exec,
		resolver: binding.New(store),
		cfg:      cfg,
		status:   StatusPending,
	}, nil
}

// Status reports the run's current status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Pause prevents new tasks from being scheduled; tasks already running
// continue to completion. A no-op if not currently running.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning {
		return
	}
	r.status = StatusPaused
	r.resumeCh = make(chan struct{})
	r.events.Append(eventlog.WorkflowPaused, "", nil)
}

// Resume releases a paused run. A no-op if not currently paused.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPaused {
		return
	}
	r.status = StatusRunning
	close(r.resumeCh)
	r.resumeCh = nil
	r.events.Append(eventlog.WorkflowResumed, "", nil)
}

// Abort cancels the run. In-flight tasks are given their own context
// cancellation signal; the Runner finishes once they return.
func (r *Runner) Abort() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) waitIfPaused(ctx context.Context) error {
	r.mu.Lock()
	ch := r.resumeCh
	r.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes every task to completion (or abort), returning the recorded
// result of every task in the workflow. It always reports a terminal
// WorkflowCompleted/WorkflowFailed/WorkflowAborted event, even when it
// returns early due to context cancellation.
func (r *Runner) Run(ctx context.Context) (map[string]datastore.TaskResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.status = StatusRunning
	r.cancel = cancel
	r.mu.Unlock()

	r.events.Append(eventlog.WorkflowStarted, "", map[string]any{"tasks": len(r.workflow.Tasks)})

	launched := make(map[string]bool)
	completions := make(chan string, len(r.workflow.Tasks))
	var wg sync.WaitGroup
	var anyFailed atomic.Bool

	for {
		if err := r.waitIfPaused(runCtx); err != nil {
			return r.finish(StatusAborted, nikaerrors.CodeRunCancelled, err)
		}
		if runCtx.Err() != nil {
			wg.Wait()
			return r.finish(StatusAborted, nikaerrors.CodeRunCancelled, runCtx.Err())
		}

		done := r.store.DoneSet()
		if r.graph.Done(done) {
			break
		}

		inFlight := make(map[string]bool, len(launched))
		for id := range launched {
			if !done[id] {
				inFlight[id] = true
			}
		}

		// A task downstream of a failed predecessor can never become ready;
		// record it as skipped rather than leaving it stuck, in both
		// scheduling modes. This can cascade across iterations: skipping b
		// here makes c (which depends on b) skippable on the next pass.
		succeeded := r.store.SucceededSet()
		for _, id := range r.graph.SkippedSet(done, inFlight, succeeded) {
			r.skipTask(id)
			done[id] = true
		}

		ready := r.graph.ReadySet(done, inFlight, succeeded)
		if !r.cfg.ContinueOnFailure && anyFailed.Load() {
			ready = nil
		}

		if len(ready) == 0 {
			if len(inFlight) == 0 {
				// Nothing ready, nothing in flight, yet not every task is
				// done: either fail_fast halted scheduling with work still
				// pending, or upstream failures left descendants stuck.
				break
			}
			select {
			case <-completions:
			case <-runCtx.Done():
				wg.Wait()
				return r.finish(StatusAborted, nikaerrors.CodeRunCancelled, runCtx.Err())
			}
			continue
		}

		for _, id := range ready {
			task, _ := r.workflow.TaskByID(id)
			launched[id] = true
			wg.Add(1)
			r.events.Append(eventlog.TaskScheduled, id, nil)
			go func(task flow.Task) {
				defer wg.Done()
				r.runOne(runCtx, task, &anyFailed)
				completions <- task.ID
			}(task)
		}
	}

	wg.Wait()

	// fail_fast halts scheduling as soon as any task fails, which can leave
	// independent, never-failure-adjacent tasks without a result. Every
	// declared task must have one at exit (success, failure, or skip), so
	// sweep whatever is left.
	for _, task := range r.workflow.Tasks {
		if !r.store.Done(task.ID) {
			r.skipTask(task.ID)
		}
	}

	if anyFailed.Load() {
		return r.finish(StatusFailed, nikaerrors.CodeTaskFailed, fmt.Errorf("one or more tasks failed"))
	}
	return r.finish(StatusCompleted, "", nil)
}

// runOne dispatches a single task through the Executor under the shared
// concurrency semaphore and records its result.
func (r *Runner) runOne(ctx context.Context, task flow.Task, anyFailed *atomic.Bool) {
	sem := r.semaphore()
	sem <- struct{}{}
	defer func() { <-sem }()

	start := time.Now()
	r.events.Append(eventlog.TaskStarted, task.ID, nil)

	result := r.exec.Run(ctx, task, r.resolver)

	finished := time.Now()
	r.store.Put(datastore.TaskResult{
		TaskID:     task.ID,
		Success:    result.Success,
		Output:     result.Output,
		Error:      result.Error,
		StartedAt:  start,
		FinishedAt: finished,
		DurationMs: finished.Sub(start).Milliseconds(),
		Provider:   result.Provider,
		Model:      result.Model,
		TokensIn:   result.TokensIn,
		TokensOut:  result.TokensOut,
	})

	if result.Success {
		r.events.Append(eventlog.TaskCompleted, task.ID, map[string]any{"duration_ms": finished.Sub(start).Milliseconds()})
		return
	}
	anyFailed.Store(true)
	r.events.Append(eventlog.TaskFailed, task.ID, map[string]any{"error": result.Error})
}

// skipTask records a terminal skip result for a task that will never run
// because an upstream dependency didn't succeed, or because fail_fast
// halted scheduling before the task was reached. It does not touch
// anyFailed: a skip is only ever reached once some task has already failed,
// which already set it.
func (r *Runner) skipTask(taskID string) {
	now := time.Now()
	msg := fmt.Sprintf("task %q was not run: an upstream dependency did not succeed", taskID)
	r.store.Put(datastore.TaskResult{
		TaskID:     taskID,
		Success:    false,
		Error:      (&nikaerrors.ValidationError{Code: nikaerrors.CodeTaskSkippedUpstream, Field: "task", Message: msg}).Error(),
		StartedAt:  now,
		FinishedAt: now,
	})
	r.events.Append(eventlog.TaskSkipped, taskID, map[string]any{"error": msg})
}

// semaphore is created lazily and memoized on the Runner so every task
// dispatch shares the same bounded pool for this run.
func (r *Runner) semaphore() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sem == nil {
		r.sem = make(chan struct{}, r.cfg.Concurrency)
	}
	return r.sem
}

func (r *Runner) finish(status Status, code string, cause error) (map[string]datastore.TaskResult, error) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()

	switch status {
	case StatusCompleted:
		r.events.Append(eventlog.WorkflowCompleted, "", nil)
	case StatusFailed:
		r.events.Append(eventlog.WorkflowFailed, "", map[string]any{"error": cause.Error()})
	case StatusAborted:
		r.events.Append(eventlog.WorkflowAborted, "", map[string]any{"error": cause.Error()})
	}

	results := r.store.All()
	if cause == nil {
		return results, nil
	}
	return results, &nikaerrors.ValidationError{Code: code, Field: "workflow", Message: cause.Error()}
}
