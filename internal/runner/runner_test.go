package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/nikaeng/nika/internal/datastore"
	"github.com/nikaeng/nika/internal/eventlog"
	"github.com/nikaeng/nika/internal/executor"
	"github.com/nikaeng/nika/internal/flow"
	"github.com/nikaeng/nika/internal/runner"
)

const execDiamondYAML = `
schema: "nika/workflow@0.7"
tasks:
  - id: a
    exec: "echo start"
  - id: b
    exec: "echo b"
    use:
      prev: a
  - id: c
    exec: "echo c"
    use:
      prev: a
  - id: d
    exec: "echo d"
    use:
      left: b
      right: c
flows:
  - source: a
    target: [b, c]
  - source: [b, c]
    target: d
`

func newTestRunner(t *testing.T, yamlSrc string, cfg runner.Config) (*runner.Runner, *datastore.Store, *eventlog.Log) {
	t.Helper()
	wf, err := flow.Parse([]byte(yamlSrc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	store := datastore.New()
	events := eventlog.New(true)
	exec := &executor.Executor{Events: events, Workflow: wf}
	r, err := runner.New(wf, store, events, exec, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, store, events
}

func TestRun_DiamondCompletesAllTasks(t *testing.T) {
	r, store, _ := newTestRunner(t, execDiamondYAML, runner.Config{Concurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		res, ok := results[id]
		if !ok {
			t.Fatalf("task %q never ran", id)
		}
		if !res.Success {
			t.Errorf("task %q failed: %s", id, res.Error)
		}
	}
	if !store.Done("d") {
		t.Error("expected d to be recorded in the store")
	}
	if r.Status() != runner.StatusCompleted {
		t.Errorf("Status() = %v, want %v", r.Status(), runner.StatusCompleted)
	}
}

func TestRun_EmitsWorkflowLifecycleEvents(t *testing.T) {
	r, _, events := newTestRunner(t, execDiamondYAML, runner.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawStart, sawComplete bool
	for _, ev := range events.All() {
		switch ev.Kind {
		case eventlog.WorkflowStarted:
			sawStart = true
		case eventlog.WorkflowCompleted:
			sawComplete = true
		}
	}
	if !sawStart || !sawComplete {
		t.Errorf("sawStart=%v sawComplete=%v, want both true", sawStart, sawComplete)
	}
}

const failFastYAML = `
schema: "nika/workflow@0.7"
tasks:
  - id: a
    exec: "exit 1"
  - id: b
    exec: "echo b"
    use:
      prev: a
flows:
  - source: a
    target: b
`

func TestRun_FailFastStopsSchedulingDownstream(t *testing.T) {
	r, _, _ := newTestRunner(t, failFastYAML, runner.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := r.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to report an error when a task fails")
	}
	if results["a"].Success {
		t.Error("expected task a to fail")
	}
	b, ok := results["b"]
	if !ok {
		t.Fatal("expected task b to have a recorded result (skipped), not be absent entirely")
	}
	if b.Success {
		t.Error("expected task b to be recorded as not successful: its only predecessor failed")
	}
	if r.Status() != runner.StatusFailed {
		t.Errorf("Status() = %v, want %v", r.Status(), runner.StatusFailed)
	}
}

const continueOnFailureYAML = `
schema: "nika/workflow@0.7"
tasks:
  - id: a
    exec: "exit 1"
  - id: b
    exec: "echo b"
    use:
      prev: a
  - id: c
    exec: "echo c"
flows:
  - source: a
    target: b
`

func TestRun_ContinueOnFailureSkipsDownstreamButRunsIndependentTasks(t *testing.T) {
	r, _, events := newTestRunner(t, continueOnFailureYAML, runner.Config{ContinueOnFailure: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := r.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to report an error when a task fails")
	}
	if results["a"].Success {
		t.Error("expected task a to fail")
	}
	b, ok := results["b"]
	if !ok {
		t.Fatal("expected task b to have a recorded result")
	}
	if b.Success {
		t.Error("expected task b to be skipped, not run, since its only predecessor failed")
	}
	c, ok := results["c"]
	if !ok {
		t.Fatal("expected task c (independent of the failure) to have run to completion")
	}
	if !c.Success {
		t.Errorf("expected independent task c to succeed, got error: %s", c.Error)
	}

	var sawSkip bool
	for _, ev := range events.All() {
		if ev.Kind == eventlog.TaskSkipped && ev.TaskID == "b" {
			sawSkip = true
		}
	}
	if !sawSkip {
		t.Error("expected a TaskSkipped event for task b")
	}
}

func TestPause_BeforeRunIsNoOp(t *testing.T) {
	r, _, _ := newTestRunner(t, execDiamondYAML, runner.Config{})
	r.Pause()
	if r.Status() != runner.StatusPending {
		// Pause before Run starts is a no-op (status only flips from Running).
		t.Errorf("Status() = %v after Pause before Run, want %v", r.Status(), runner.StatusPending)
	}
}
