// Package agent implements the ReAct-style agent loop used by the "agent"
// task verb: an LLM converses with itself across turns, invoking MCP tools
// between turns, until it stops, hits a stop condition, exhausts its turn
// budget, or the caller's context is cancelled.
//
// Tool calls from a single turn are dispatched in parallel, the tool catalog
// is sourced from connected MCP servers rather than an in-process registry,
// and nested agent spawning is supported with an absolute depth budget
// shared by the whole spawn tree.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	nikaerrors "github.com/nikaeng/nika/pkg/errors"
	"github.com/nikaeng/nika/pkg/llm"
)

// ToolCatalog exposes the tools an agent may call. Implementations source
// their catalog from one or more connected MCP servers, qualifying each tool
// name as "server:tool" when more than one server exposes a tool by the same
// name.
type ToolCatalog interface {
	// Tools returns the tool definitions to advertise to the LLM.
	Tools(ctx context.Context) ([]llm.Tool, error)

	// Call invokes a tool by its (possibly qualified) name and returns its
	// textual result. isError reports a tool-level failure reported by the
	// tool itself, as distinct from err, which reports a transport failure.
	Call(ctx context.Context, name string, args map[string]any) (output string, isError bool, err error)
}

// SpawnRequest describes a nested agent invocation requested via the
// "spawn_agent" pseudo-tool.
type SpawnRequest struct {
	SystemPrompt string
	UserPrompt   string
	StopConditions []string
	MaxIterations  int
}

// SpawnFunc creates and runs a nested agent. The returned Result's
// FinalResponse becomes the spawn_agent tool's output.
type SpawnFunc func(ctx context.Context, depth int, req SpawnRequest) (*Result, error)

// Event is emitted for every notable occurrence in the agent loop, destined
// for the event log (see internal/eventlog).
type Event struct {
	Kind      string
	Iteration int
	Detail    map[string]any
}

// EventFunc receives agent loop events. May be nil.
type EventFunc func(Event)

// Config configures a single agent invocation.
type Config struct {
	// MaxIterations bounds the number of LLM turns before hit_turn_limit.
	// Zero is meaningful: the loop runs no turns at all, immediately
	// reporting hit_turn_limit. Callers that want a default budget must
	// resolve it themselves before constructing Config; New does not
	// substitute one.
	MaxIterations int

	// TokenLimit is a cumulative input+output token budget across all turns.
	// Zero means unbounded.
	TokenLimit int

	// StopConditions are substrings; the loop stops as soon as one appears
	// in an assistant turn's text content, even if the turn also requested
	// tool calls.
	StopConditions []string

	// Depth is this agent's nesting level; 0 for a root-level agent task.
	Depth int

	// MaxDepth is the absolute ceiling on nesting depth shared by the whole
	// spawn tree: spawn_agent is refused once Depth+1 would exceed it. This
	// is deliberately NOT a per-level subtractive budget - every agent in
	// the tree is compared against the same root-supplied ceiling.
	MaxDepth int

	// Model, if set, is passed through to the provider for every turn.
	Model string

	// ExtendedThinking requests the provider's extended reasoning mode for
	// every turn, where supported.
	ExtendedThinking bool
}

// Agent runs the ReAct loop: LLM turn, tool dispatch, repeat.
type Agent struct {
	provider llm.Provider
	catalog  ToolCatalog
	cfg      Config
	ctxMgr   *ContextManager
	events   EventFunc
	spawn    SpawnFunc
}

// New creates an agent ready to run. catalog and spawn may be nil if the
// system prompt guarantees no tool use or nesting is required. cfg.MaxIterations
// is used as given, including zero: a `max_turns: 0` agent task is expected
// to run no provider calls at all.
func New(provider llm.Provider, catalog ToolCatalog, cfg Config, events EventFunc, spawn SpawnFunc) *Agent {
	return &Agent{
		provider: provider,
		catalog:  catalog,
		cfg:      cfg,
		ctxMgr:   NewContextManager(100000),
		events:   events,
		spawn:    spawn,
	}
}

// Result is the outcome of a full agent run.
type Result struct {
	FinalResponse  string
	StopReason     string // "stop" | "stop_condition" | "hit_turn_limit" | "error"
	Iterations     int
	ToolExecutions []ToolExecution
	Usage          llm.TokenUsage
	Duration       time.Duration
	Err            error
}

// ToolExecution records one tool invocation within the loop.
type ToolExecution struct {
	ToolName string
	Args     map[string]any
	Output   string
	IsError  bool
	Err      error
	Duration time.Duration
}

func (a *Agent) emit(kind string, iter int, detail map[string]any) {
	if a.events == nil {
		return
	}
	a.events(Event{Kind: kind, Iteration: iter, Detail: detail})
}

// Run executes the agent loop to completion. A non-nil error is returned
// only for transport/provider failures; exhausting the turn budget is a
// normal, non-error outcome reported via Result.StopReason.
func (a *Agent) Run(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	start := time.Now()
	res := &Result{}

	a.emit("agent_start", 0, nil)

	messages := []llm.Message{
		{Role: llm.MessageRoleSystem, Content: systemPrompt},
		{Role: llm.MessageRoleUser, Content: userPrompt},
	}

	var tools []llm.Tool
	if a.catalog != nil {
		var err error
		tools, err = a.catalog.Tools(ctx)
		if err != nil {
			res.Err = err
			res.Duration = time.Since(start)
			return res, fmt.Errorf("listing agent tools: %w", err)
		}
	}
	if a.spawn != nil && a.cfg.Depth+1 <= a.cfg.MaxDepth {
		tools = append(tools, spawnAgentTool)
	}

	for iteration := 1; iteration <= a.cfg.MaxIterations; iteration++ {
		res.Iterations = iteration
		a.emit("agent_turn_started", iteration, nil)

		req := llm.CompletionRequest{
			Messages:         messages,
			Model:            a.cfg.Model,
			Tools:            tools,
			ExtendedThinking: a.cfg.ExtendedThinking,
		}
		resp, err := a.provider.Complete(ctx, req)
		if err != nil {
			res.Err = err
			res.StopReason = "error"
			res.Duration = time.Since(start)
			a.emit("agent_turn_failed", iteration, map[string]any{"error": err.Error()})
			return res, &nikaerrors.ProviderError{
				Code:     nikaerrors.CodeProvider,
				Provider: a.provider.Name(),
				Message:  err.Error(),
				Cause:    err,
			}
		}

		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		res.Usage.TotalTokens += resp.Usage.TotalTokens

		assistantMsg := llm.Message{Role: llm.MessageRoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		a.emit("agent_turn_completed", iteration, map[string]any{"tool_calls": len(resp.ToolCalls)})

		if reason := a.matchedStopCondition(resp.Content); reason != "" {
			res.FinalResponse = resp.Content
			res.StopReason = "stop_condition"
			res.Duration = time.Since(start)
			a.emit("agent_stop_condition_matched", iteration, map[string]any{"matched": reason})
			return res, nil
		}

		if resp.FinishReason != llm.FinishReasonToolCalls && len(resp.ToolCalls) == 0 {
			res.FinalResponse = resp.Content
			res.StopReason = "stop"
			res.Duration = time.Since(start)
			return res, nil
		}

		if len(resp.ToolCalls) > 0 {
			executions := a.dispatchToolCalls(ctx, iteration, resp.ToolCalls)
			res.ToolExecutions = append(res.ToolExecutions, executions...)
			for i, toolCall := range resp.ToolCalls {
				messages = append(messages, llm.Message{
					Role:       llm.MessageRoleTool,
					Content:    formatToolResult(executions[i]),
					ToolCallID: toolCall.ID,
					Name:       toolCall.Name,
				})
			}
		}

		if a.cfg.TokenLimit > 0 && res.Usage.TotalTokens >= a.cfg.TokenLimit {
			res.FinalResponse = resp.Content
			res.StopReason = "hit_turn_limit"
			res.Duration = time.Since(start)
			a.emit("agent_token_limit_reached", iteration, map[string]any{"tokens": res.Usage.TotalTokens})
			return res, nil
		}

		if a.ctxMgr != nil && a.ctxMgr.ShouldPrune(messages) {
			messages = a.ctxMgr.Prune(messages)
		}
	}

	res.StopReason = "hit_turn_limit"
	res.Duration = time.Since(start)
	a.emit("agent_turn_limit_reached", a.cfg.MaxIterations, nil)
	return res, nil
}

// dispatchToolCalls runs every tool call requested in a single turn
// concurrently; the calls are independent of one another (they share only
// the prior conversation state, which is read-only at dispatch time) so
// there is no reason to serialize them.
func (a *Agent) dispatchToolCalls(ctx context.Context, iteration int, calls []llm.ToolCall) []ToolExecution {
	executions := make([]ToolExecution, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			executions[i] = a.executeTool(ctx, iteration, call)
		}(i, call)
	}
	wg.Wait()
	return executions
}

func (a *Agent) executeTool(ctx context.Context, iteration int, call llm.ToolCall) ToolExecution {
	start := time.Now()
	exec := ToolExecution{ToolName: call.Name}

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			exec.Err = fmt.Errorf("invalid tool arguments: %w", err)
			exec.IsError = true
			exec.Duration = time.Since(start)
			return exec
		}
	}
	exec.Args = args
	a.emit("agent_tool_call_started", iteration, map[string]any{"tool": call.Name})

	if call.Name == "spawn_agent" {
		return a.executeSpawn(ctx, iteration, args, start)
	}

	if a.catalog == nil {
		exec.Err = fmt.Errorf("no tools available")
		exec.IsError = true
		exec.Duration = time.Since(start)
		return exec
	}

	output, isErr, err := a.catalog.Call(ctx, call.Name, args)
	exec.Duration = time.Since(start)
	exec.Output = output
	exec.IsError = isErr
	exec.Err = err
	a.emit("agent_tool_call_completed", iteration, map[string]any{"tool": call.Name, "is_error": isErr || err != nil})
	return exec
}

func (a *Agent) executeSpawn(ctx context.Context, iteration int, args map[string]any, start time.Time) ToolExecution {
	exec := ToolExecution{ToolName: "spawn_agent", Args: args}

	if a.spawn == nil {
		exec.Err = fmt.Errorf("spawn_agent not available in this context")
		exec.IsError = true
		exec.Duration = time.Since(start)
		return exec
	}
	if a.cfg.Depth+1 > a.cfg.MaxDepth {
		exec.Err = &nikaerrors.ValidationError{
			Code:    nikaerrors.CodeAgentDepthLimit,
			Field:   "spawn_agent",
			Message: fmt.Sprintf("nested agent depth %d would exceed max depth %d", a.cfg.Depth+1, a.cfg.MaxDepth),
		}
		exec.IsError = true
		exec.Duration = time.Since(start)
		return exec
	}

	req := SpawnRequest{}
	if v, ok := args["system_prompt"].(string); ok {
		req.SystemPrompt = v
	}
	if v, ok := args["prompt"].(string); ok {
		req.UserPrompt = v
	}

	childResult, err := a.spawn(ctx, a.cfg.Depth+1, req)
	exec.Duration = time.Since(start)
	if err != nil {
		exec.Err = err
		exec.IsError = true
		return exec
	}
	exec.Output = childResult.FinalResponse
	return exec
}

// spawnAgentTool is the synthetic tool definition advertised to the LLM when
// the depth budget allows nesting a child agent. It is handled specially in
// executeTool rather than dispatched through the MCP tool catalog.
var spawnAgentTool = llm.Tool{
	Name:        "spawn_agent",
	Description: "Delegate a sub-task to a nested agent with its own conversation, returning its final response.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"system_prompt": map[string]any{"type": "string", "description": "System prompt for the nested agent"},
			"prompt":        map[string]any{"type": "string", "description": "Task prompt for the nested agent"},
		},
		"required": []string{"prompt"},
	},
}

// matchedStopCondition returns the first configured stop condition found as
// a substring of content, or "" if none matched.
func (a *Agent) matchedStopCondition(content string) string {
	for _, cond := range a.cfg.StopConditions {
		if cond != "" && strings.Contains(content, cond) {
			return cond
		}
	}
	return ""
}

func formatToolResult(exec ToolExecution) string {
	if exec.Err != nil {
		return fmt.Sprintf("error calling %s: %v", exec.ToolName, exec.Err)
	}
	if exec.IsError {
		return fmt.Sprintf("tool %s reported an error: %s", exec.ToolName, exec.Output)
	}
	return exec.Output
}
