package executor

import (
	"context"

	"github.com/nikaeng/nika/internal/binding"
	"github.com/nikaeng/nika/internal/eventlog"
	"github.com/nikaeng/nika/internal/flow"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
	"github.com/nikaeng/nika/pkg/llm"
)

// runInfer resolves the prompt through the template resolver, picks a
// provider/model, and issues a one-shot completion.
func (e *Executor) runInfer(ctx context.Context, task flow.Task, tpl *binding.Template) Result {
	action := task.Infer

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
			Code:     nikaerrors.CodeProviderAuthMissing,
			Provider: providerName,
			Message:  err.Error(),
			Cause:    err,
		}).Error()}
	}

	req := llm.CompletionRequest{
		Messages:         []llm.Message{{Role: llm.MessageRoleUser, Content: prompt}},
		Model:            action.Model,
		ExtendedThinking: action.ExtendedThinking,
	}
	if action.MaxTokens > 0 {
		req.MaxTokens = &action.MaxTokens
	}
	if action.Temperature != 0 {
		t := action.Temperature
		req.Temperature = &t
	}

	if e.Events != nil {
		e.Events.Append(eventlog.ProviderCalled, task.ID, map[string]any{
			"provider": provider.Name(), "model": action.Model,
		})
	}

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return Result{Success: false, Provider: provider.Name(), Model: action.Model, Error: (&nikaerrors.ProviderError{
			Code:     nikaerrors.CodeProviderAPIError,
			Provider: provider.Name(),
			Message:  err.Error(),
			Cause:    err,
		}).Error()}
	}

	if e.Events != nil {
		e.Events.Append(eventlog.ProviderResponded, task.ID, map[string]any{
			"provider": provider.Name(), "model": resp.Model,
			"tokens_in": resp.Usage.InputTokens, "tokens_out": resp.Usage.OutputTokens,
		})
	}

	return Result{
		Success:   true,
		Output:    map[string]any{"text": resp.Content, "tokens_in": resp.Usage.InputTokens, "tokens_out": resp.Usage.OutputTokens, "model": resp.Model, "provider": provider.Name()},
		Provider:  provider.Name(),
		Model:     resp.Model,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
	}
}
