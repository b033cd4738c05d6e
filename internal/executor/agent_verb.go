package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nikaeng/nika/internal/agent"
	"github.com/nikaeng/nika/internal/binding"
	"github.com/nikaeng/nika/internal/eventlog"
	"github.com/nikaeng/nika/internal/flow"
	"github.com/nikaeng/nika/internal/mcp"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
	"github.com/nikaeng/nika/pkg/llm"
)

// defaultAgentMaxDepth is the spawn-tree depth ceiling used when a task
// doesn't set agent.depth_limit explicitly.
const defaultAgentMaxDepth = 3

// defaultSpawnMaxTurns bounds a spawn_agent child when the parent didn't
// request a specific turn budget for it. Unlike a root agent task, a
// spawned child has no workflow-yaml max_turns to resolve against (the
// spawn_agent tool schema exposes no such argument to the LLM), so there is
// no explicit-zero to preserve here: zero always means "unrequested."
const defaultSpawnMaxTurns = 20

// runAgent resolves the agent's prompt, assembles a tool catalog from the
// listed MCP servers, and runs the ReAct loop to completion.
func (e *Executor) runAgent(ctx context.Context, task flow.Task, tpl *binding.Template) Result {
	action := task.Agent

	prompt, err := tpl.Resolve(action.Prompt)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	providerName := action.Provider
	if providerName == "" {
		providerName = e.Workflow.DefaultProvider
	}
	provider, err := e.Providers.Resolve(providerName)
	if err != nil {
		return Result{Success: false, Error: (&nikaerrors.ProviderError{
			Code: nikaerrors.CodeProviderAuthMissing, Provider: providerName, Message: err.Error(), Cause: err,
		}).Error()}
	}

	catalog, err := newMCPToolCatalog(ctx, e.MCP, action.MCP)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	maxDepth := action.DepthLimit
	if maxDepth <= 0 {
		maxDepth = defaultAgentMaxDepth
	}

	taskID := task.ID
	cfg := agent.Config{
		MaxIterations:    action.MaxTurns,
		StopConditions:   action.StopConditions,
		Depth:            0,
		MaxDepth:         maxDepth,
		Model:            action.Model,
		ExtendedThinking: action.ExtendedThinking,
	}

	eventFn := func(ev agent.Event) {
		if e.Events == nil {
			return
		}
		data := map[string]any{"iteration": ev.Iteration}
		for k, v := range ev.Detail {
			data[k] = v
		}
		switch {
		case ev.Kind == "agent_start":
			e.Events.Append(eventlog.AgentStart, taskID, data)
		case strings.HasPrefix(ev.Kind, "agent_turn"):
			e.Events.Append(eventlog.AgentTurn, taskID, data)
		default:
			e.Events.Append(eventlog.AgentTurn, taskID, data)
		}
	}

	spawnFn := e.makeSpawnFunc(ctx, taskID, provider, catalog, maxDepth, action.Model)

	a := agent.New(provider, catalog, cfg, eventFn, spawnFn)
	result, err := a.Run(ctx, systemPromptFor(task), prompt)
	if err != nil {
		return Result{Success: false, Provider: provider.Name(), Model: action.Model, Error: err.Error()}
	}

	if e.Events != nil {
		e.Events.Append(eventlog.AgentComplete, taskID, map[string]any{
			"stop_reason": result.StopReason, "iterations": result.Iterations,
			"tokens_in": result.Usage.InputTokens, "tokens_out": result.Usage.OutputTokens,
		})
	}

	return Result{
		Success:   true,
		Output:    map[string]any{"text": result.FinalResponse, "stop_reason": result.StopReason, "iterations": result.Iterations, "hit_turn_limit": result.StopReason == "hit_turn_limit"},
		Provider:  provider.Name(),
		Model:     action.Model,
		TokensIn:  result.Usage.InputTokens,
		TokensOut: result.Usage.OutputTokens,
	}
}

func systemPromptFor(task flow.Task) string {
	return fmt.Sprintf("You are the agent for workflow task %q. Use the available tools as needed and respond with your final answer when done.", task.ID)
}

// makeSpawnFunc builds a SpawnFunc that runs a nested agent sharing the
// same provider, tool catalog, and absolute depth ceiling as the parent.
func (e *Executor) makeSpawnFunc(ctx context.Context, taskID string, provider llm.Provider, catalog agent.ToolCatalog, maxDepth int, model string) agent.SpawnFunc {
	return func(spawnCtx context.Context, depth int, req agent.SpawnRequest) (*agent.Result, error) {
		if e.Events != nil {
			e.Events.Append(eventlog.AgentSpawned, taskID, map[string]any{"depth": depth})
		}
		maxIterations := req.MaxIterations
		if maxIterations <= 0 {
			maxIterations = defaultSpawnMaxTurns
		}
		cfg := agent.Config{
			MaxIterations:  maxIterations,
			StopConditions: req.StopConditions,
			Depth:          depth,
			MaxDepth:       maxDepth,
			Model:          model,
		}
		child := agent.New(provider, catalog, cfg, nil, e.makeSpawnFunc(ctx, taskID, provider, catalog, maxDepth, model))
		return child.Run(spawnCtx, req.SystemPrompt, req.UserPrompt)
	}
}

// mcpToolCatalog sources tools from the union of the named MCP servers,
// taken in server-name order. When a server advertises a tool name already
// taken by an earlier server, its copy is exposed as "server:tool"; the
// first server's copy keeps the bare name.
type mcpToolCatalog struct {
	clients map[string]mcp.ClientProvider
	// qualified maps the name advertised to the LLM back to (server, tool).
	qualified map[string]struct{ server, tool string }
}

func newMCPToolCatalog(ctx context.Context, clients MCPClients, servers []string) (*mcpToolCatalog, error) {
	cat := &mcpToolCatalog{clients: map[string]mcp.ClientProvider{}, qualified: map[string]struct{ server, tool string }{}}
	for _, name := range servers {
		c, err := clients.Get(ctx, name)
		if err != nil {
			return nil, &nikaerrors.ValidationError{Code: nikaerrors.CodeMCPSpawnFailure, Field: "agent.mcp", Message: fmt.Sprintf("server %q: %v", name, err)}
		}
		cat.clients[name] = c
	}
	return cat, nil
}

func (c *mcpToolCatalog) Tools(ctx context.Context) ([]llm.Tool, error) {
	seen := map[string]string{} // tool name -> owning server
	var names []string
	for name := range c.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var tools []llm.Tool
	for _, name := range names {
		defs, err := c.clients[name].ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing tools from %q: %w", name, err)
		}
		for _, def := range defs {
			qualifiedName := def.Name
			if owner, collides := seen[def.Name]; collides && owner != name {
				qualifiedName = name + ":" + def.Name
			}
			seen[def.Name] = name
			c.qualified[qualifiedName] = struct{ server, tool string }{server: name, tool: def.Name}

			schema := map[string]any{}
			if len(def.InputSchema) > 0 {
				_ = json.Unmarshal(def.InputSchema, &schema)
			}
			tools = append(tools, llm.Tool{Name: qualifiedName, Description: def.Description, InputSchema: schema})
		}
	}
	return tools, nil
}

func (c *mcpToolCatalog) Call(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	ref, ok := c.qualified[name]
	if !ok {
		if idx := strings.Index(name, ":"); idx > 0 {
			ref = struct{ server, tool string }{server: name[:idx], tool: name[idx+1:]}
		} else {
			return "", false, fmt.Errorf("unknown tool %q", name)
		}
	}
	client, ok := c.clients[ref.server]
	if !ok {
		return "", false, fmt.Errorf("unknown MCP server %q for tool %q", ref.server, name)
	}

	resp, err := client.CallTool(ctx, mcp.ToolCallRequest{Name: ref.tool, Arguments: args})
	if err != nil {
		return "", false, err
	}
	return formatContent(resp.Content), resp.IsError, nil
}

func formatContent(items []mcp.ContentItem) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		if item.Text != "" {
			b.WriteString(item.Text)
		} else if item.Data != "" {
			b.WriteString(fmt.Sprintf("[%s content, %d bytes]", item.MimeType, len(item.Data)))
		}
	}
	return b.String()
}
