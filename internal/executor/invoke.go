package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/nikaeng/nika/internal/binding"
	"github.com/nikaeng/nika/internal/eventlog"
	"github.com/nikaeng/nika/internal/flow"
	"github.com/nikaeng/nika/internal/mcp"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

// exprParamPrefix marks a params string leaf as an expr-lang expression
// (evaluated against the task's resolved use_block bindings) rather than a
// plain {{use.}} template string, for param values that need computation
// beyond simple substitution (arithmetic, string ops, conditionals).
const exprParamPrefix = "expr:"

// runInvoke looks up the named MCP server, get-or-initializes its client,
// and calls either tools/call or resources/read depending on which of
// tool/resource is set.
func (e *Executor) runInvoke(ctx context.Context, task flow.Task, tpl *binding.Template) Result {
	action := task.Invoke

	client, err := e.MCP.Get(ctx, action.Server)
	if err != nil {
		return Result{Success: false, Error: (&nikaerrors.ValidationError{
			Code: nikaerrors.CodeMCPSpawnFailure, Field: "invoke.server",
			Message: fmt.Sprintf("server %q: %v", action.Server, err),
		}).Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultMCPCallTimeout)
	defer cancel()

	callID := task.ID

	if action.Tool != "" {
		params, err := resolveParamsTree(tpl, action.Params)
		if err != nil {
			return Result{Success: false, Error: err.Error()}
		}
		if e.Events != nil {
			e.Events.Append(eventlog.McpInvoke, task.ID, map[string]any{"server": action.Server, "tool": action.Tool, "call_id": callID})
		}
		resp, err := client.CallTool(ctx, mcp.ToolCallRequest{Name: action.Tool, Arguments: params})
		if err != nil {
			code, msg := nikaerrors.CodeMCPToolError, err.Error()
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
				code, msg = nikaerrors.CodeMCPTimeout, fmt.Sprintf("server %q operation tools/call timed out after %ds: %v", action.Server, int(defaultMCPCallTimeout.Seconds()), err)
			}
			return Result{Success: false, Error: (&nikaerrors.ValidationError{
				Code: code, Field: "invoke.tool", Message: msg,
			}).Error()}
		}
		if e.Events != nil {
			e.Events.Append(eventlog.McpResponse, task.ID, map[string]any{"server": action.Server, "tool": action.Tool, "call_id": callID, "is_error": resp.IsError})
		}
		if resp.IsError {
			return Result{Success: false, Output: resp.Content, Error: fmt.Sprintf("tool %q reported an error", action.Tool)}
		}
		return Result{Success: true, Output: resp.Content}
	}

	resourceURI, err := tpl.Resolve(action.Resource)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if e.Events != nil {
		e.Events.Append(eventlog.McpInvoke, task.ID, map[string]any{"server": action.Server, "resource": resourceURI, "call_id": callID})
	}
	resp, err := client.ReadResource(ctx, mcp.ResourceReadRequest{URI: resourceURI})
	if err != nil {
		code, msg := nikaerrors.CodeMCPResourceNotFound, err.Error()
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			code, msg = nikaerrors.CodeMCPTimeout, fmt.Sprintf("server %q operation resources/read timed out after %ds: %v", action.Server, int(defaultMCPCallTimeout.Seconds()), err)
		}
		return Result{Success: false, Error: (&nikaerrors.ValidationError{
			Code: code, Field: "invoke.resource", Message: msg,
		}).Error()}
	}
	if e.Events != nil {
		e.Events.Append(eventlog.McpResponse, task.ID, map[string]any{"server": action.Server, "resource": resourceURI, "call_id": callID})
	}
	return Result{Success: true, Output: resp.Contents}
}

// resolveParamsTree runs template resolution recursively over every string
// leaf of the JSON-shaped params tree.
func resolveParamsTree(tpl *binding.Template, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := resolveValueTree(tpl, v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValueTree(tpl *binding.Template, v any) (any, error) {
	switch x := v.(type) {
	case string:
		if rest, ok := strings.CutPrefix(x, exprParamPrefix); ok {
			return evalExprParam(tpl, rest)
		}
		return tpl.Resolve(x)
	case map[string]any:
		return resolveParamsTree(tpl, x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			resolved, err := resolveValueTree(tpl, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// evalExprParam evaluates an expr-lang expression against the task's
// resolved bindings, exposed under their alias names.
func evalExprParam(tpl *binding.Template, exprSrc string) (any, error) {
	program, err := expr.Compile(exprSrc)
	if err != nil {
		return nil, fmt.Errorf("compiling invoke param expression: %w", err)
	}
	out, err := expr.Run(program, map[string]any(tpl.Bindings()))
	if err != nil {
		return nil, fmt.Errorf("evaluating invoke param expression: %w", err)
	}
	return out, nil
}
