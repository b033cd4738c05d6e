package agent

import (
	"context"
	"testing"

	"github.com/nikaeng/nika/pkg/llm"
)

// countingProvider records how many times Complete was called and always
// returns a plain, tool-free stop response.
type countingProvider struct {
	completions int
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Capabilities() llm.Capabilities { return llm.Capabilities{} }

func (p *countingProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.completions++
	return &llm.CompletionResponse{Content: "done", FinishReason: llm.FinishReasonStop}, nil
}

func (p *countingProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

// TestRun_ZeroMaxIterationsSkipsTheProvider verifies the max_turns: 0
// boundary case: AgentStart fires, no provider call happens, and the result
// reports hit_turn_limit.
func TestRun_ZeroMaxIterationsSkipsTheProvider(t *testing.T) {
	provider := &countingProvider{}
	var events []Event
	a := New(provider, nil, Config{MaxIterations: 0}, func(ev Event) { events = append(events, ev) }, nil)

	result, err := a.Run(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if provider.completions != 0 {
		t.Fatalf("provider.completions = %d, want 0", provider.completions)
	}
	if result.StopReason != "hit_turn_limit" {
		t.Fatalf("StopReason = %q, want hit_turn_limit", result.StopReason)
	}
	if result.Iterations != 0 {
		t.Fatalf("Iterations = %d, want 0", result.Iterations)
	}
	if len(events) == 0 || events[0].Kind != "agent_start" {
		t.Fatalf("events[0] = %+v, want the first event to be agent_start", events)
	}
	for _, ev := range events {
		if ev.Kind == "agent_turn_started" {
			t.Fatalf("unexpected agent_turn_started event with MaxIterations=0: %+v", ev)
		}
	}
}

// TestRun_PositiveMaxIterationsEmitsAgentStartFirst guards against
// regressing agent_start back into a side effect of the first turn.
func TestRun_PositiveMaxIterationsEmitsAgentStartFirst(t *testing.T) {
	provider := &countingProvider{}
	var events []Event
	a := New(provider, nil, Config{MaxIterations: 3}, func(ev Event) { events = append(events, ev) }, nil)

	result, err := a.Run(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if provider.completions != 1 {
		t.Fatalf("provider.completions = %d, want 1 (stops after the first non-tool-call turn)", provider.completions)
	}
	if result.StopReason != "stop" {
		t.Fatalf("StopReason = %q, want stop", result.StopReason)
	}
	if events[0].Kind != "agent_start" {
		t.Fatalf("events[0].Kind = %q, want agent_start", events[0].Kind)
	}
}
