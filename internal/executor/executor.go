// Package executor dispatches a single task to its verb handler (infer,
// exec, fetch, invoke, agent), resolving templates against the task's
// bindings first and handling for_each iteration and retry policy around
// the dispatch.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"net/http"

	"github.com/expr-lang/expr"

	"github.com/nikaeng/nika/internal/binding"
	"github.com/nikaeng/nika/internal/eventlog"
	"github.com/nikaeng/nika/internal/flow"
	nikalog "github.com/nikaeng/nika/internal/log"
	"github.com/nikaeng/nika/internal/mcp"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
	"github.com/nikaeng/nika/pkg/llm"
)

const (
	defaultExecTimeout    = 60 * time.Second
	defaultFetchTimeout   = 30 * time.Second
	defaultDialTimeout    = 10 * time.Second
	maxBodyBytes          = 10 * 1024 * 1024
	defaultMCPCallTimeout = 30 * time.Second
	backoffBase           = 100 * time.Millisecond
)

// ProviderResolver picks a concrete llm.Provider given an explicit name
// (possibly empty, meaning "auto-select").
type ProviderResolver interface {
	Resolve(name string) (llm.Provider, error)
}

// MCPClients get-or-creates MCP clients by server name, caching one
// connection per server for the lifetime of the run. It returns the
// teacher's own mcp.ClientProvider seam rather than the concrete *mcp.Client
// type, so tests can substitute a fake client without spawning a subprocess.
type MCPClients interface {
	Get(ctx context.Context, name string) (mcp.ClientProvider, error)
}

// Executor owns the shared, cross-task resources a verb handler needs: the
// provider resolver, the MCP client cache, an HTTP client for fetch, an
// SSRF guard, and the event log to report into.
type Executor struct {
	Providers ProviderResolver
	MCP       MCPClients
	HTTP      *http.Client
	SSRF      *SSRFGuard
	Events    *eventlog.Log
	Workflow  *flow.Workflow
	// Logger receives structured debug/warn logging for each task dispatch
	// and retry, separate from the Event Log (which records the run's
	// semantic history, not operator diagnostics). Defaults to a logger
	// built from the process environment (NIKA_LOG_LEVEL etc.) if nil.
	Logger *slog.Logger
}

var defaultLogger = nikalog.WithComponent(nikalog.New(nikalog.FromEnv()), "executor")

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return defaultLogger
}

// Result is a task's terminal outcome as seen by the Runner.
type Result struct {
	Success    bool
	Output     any
	Error      string
	Provider   string
	Model      string
	TokensIn   int
	TokensOut  int
}

// Run dispatches one task: resolves its use_block, renders its templated
// fields, invokes the verb handler, retrying transient failures with
// exponential backoff, and handles for_each fan-out.
func (e *Executor) Run(ctx context.Context, task flow.Task, resolver *binding.Resolver) Result {
	bindings, err := resolver.Resolve(task.Use)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	tpl := binding.NewTemplate(resolver, bindings, task.Use)

	if task.ForEach != nil {
		return e.runForEach(ctx, task, resolver, tpl)
	}

	return e.runWithRetry(ctx, task, tpl)
}

func (e *Executor) runWithRetry(ctx context.Context, task flow.Task, tpl *binding.Template) Result {
	log := nikalog.WithStepContext(e.logger(), "", task.ID)
	attempts := task.Retries + 1
	var last Result
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempt-1)))
			log.Warn("retrying task", nikalog.String("verb", string(task.Verb)), nikalog.Int("attempt", attempt), nikalog.Error(fmt.Errorf("%s", last.Error)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Result{Success: false, Error: ctx.Err().Error()}
			}
			if e.Events != nil {
				e.Events.Append(eventlog.TaskScheduled, task.ID, map[string]any{"retry_attempt": attempt})
			}
		}

		last = e.dispatch(ctx, task, tpl)
		if last.Success || !isTransient(last.Error) {
			if !last.Success {
				log.Debug("task failed, not retrying", nikalog.String("verb", string(task.Verb)), nikalog.Error(fmt.Errorf("%s", last.Error)))
			}
			return last
		}
	}
	return last
}

func (e *Executor) dispatch(ctx context.Context, task flow.Task, tpl *binding.Template) Result {
	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	switch task.Verb {
	case flow.VerbInfer:
		return e.runInfer(ctx, task, tpl)
	case flow.VerbExec:
		if timeout == 0 {
			timeout = defaultExecTimeout
		}
		return e.runExec(ctx, task, tpl, timeout)
	case flow.VerbFetch:
		return e.runFetch(ctx, task, tpl)
	case flow.VerbInvoke:
		return e.runInvoke(ctx, task, tpl)
	case flow.VerbAgent:
		return e.runAgent(ctx, task, tpl)
	default:
		return Result{Success: false, Error: fmt.Sprintf("unknown verb %q", task.Verb)}
	}
}

// runForEach iterates the resolved items list (bound via for_each.items,
// an alias reference) and runs one child instance per item under a local
// semaphore of for_each.concurrency, aggregating results into a list in
// item order.
func (e *Executor) runForEach(ctx context.Context, task flow.Task, resolver *binding.Resolver, tpl *binding.Template) Result {
	itemsVal, err := tpl.ResolveValue(task.ForEach.Items)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	items, ok := itemsVal.([]any)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("for_each.items did not resolve to a list (got %T)", itemsVal)}
	}

	if task.ForEach.Filter != "" {
		filtered, err := filterItems(items, task.ForEach.Filter)
		if err != nil {
			return Result{Success: false, Error: (&nikaerrors.ValidationError{
				Code: nikaerrors.CodeFlowMissingRef, Field: "for_each.filter",
				Message: err.Error(),
			}).Error()}
		}
		items = filtered
	}

	concurrency := task.ForEach.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	childTask := task
	childTask.ForEach = nil

	outputs := make([]any, len(items))
	errs := make([]string, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var failed atomic.Bool

	for i, item := range items {
		if task.ForEach.FailFast && failed.Load() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()

			itemBindings := binding.Bindings{task.ForEach.As: item}
			for k, v := range tpl.Bindings() {
				if _, exists := itemBindings[k]; !exists {
					itemBindings[k] = v
				}
			}
			itemTpl := binding.NewTemplate(resolver, itemBindings, task.Use)

			r := e.runWithRetry(ctx, childTask, itemTpl)
			outputs[i] = r.Output
			if !r.Success {
				errs[i] = r.Error
				failed.Store(true)
			}
		}(i, item)
	}
	wg.Wait()

	for _, msg := range errs {
		if msg != "" && task.ForEach.FailFast {
			return Result{Success: false, Output: outputs, Error: msg}
		}
	}
	return Result{Success: !failed.Load(), Output: outputs}
}

// filterItems evaluates an expr-lang boolean expression (the item bound as
// "item") against each element, keeping only those for which it's true.
// Used for for_each.filter, which the Template Resolver's dotted-path walk
// can't express on its own.
func filterItems(items []any, filterExpr string) ([]any, error) {
	program, err := expr.Compile(filterExpr, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling for_each.filter: %w", err)
	}

	kept := make([]any, 0, len(items))
	for _, item := range items {
		out, err := expr.Run(program, map[string]any{"item": item})
		if err != nil {
			return nil, fmt.Errorf("evaluating for_each.filter: %w", err)
		}
		if keep, _ := out.(bool); keep {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func isTransient(errMsg string) bool {
	for _, code := range []string{
		nikaerrors.CodeFetchTimeout, nikaerrors.CodeProviderRateLimit,
		nikaerrors.CodeMCPTimeout, nikaerrors.CodeMCPConnectionLost,
		nikaerrors.CodeExecTimeout,
	} {
		if len(errMsg) >= len(code) && contains(errMsg, code) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
