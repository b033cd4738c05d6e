package providers

import (
	"testing"

	"github.com/nikaeng/nika/pkg/llm"
)

func TestNewOpenAIProvider(t *testing.T) {
	_, err := NewOpenAIProvider("")
	if err == nil {
		t.Error("expected error for missing API key, got nil")
	}

	p, err := NewOpenAIProvider("test-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("expected name 'openai', got %q", p.Name())
	}
}

func TestOpenAIProvider_Capabilities(t *testing.T) {
	p, err := NewOpenAIProvider("test-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	caps := p.Capabilities()
	if !caps.Streaming || !caps.Tools {
		t.Error("expected streaming and tool support")
	}
	if len(caps.Models) == 0 {
		t.Error("expected at least one OpenAI model")
	}

	hasFast, hasBalanced, hasStrategic := false, false, false
	for _, model := range caps.Models {
		switch model.Tier {
		case llm.ModelTierFast:
			hasFast = true
		case llm.ModelTierBalanced:
			hasBalanced = true
		case llm.ModelTierStrategic:
			hasStrategic = true
		}
	}
	if !hasFast || !hasBalanced || !hasStrategic {
		t.Error("not all model tiers are represented in OpenAI models")
	}
}

func TestOpenAIModels(t *testing.T) {
	for _, model := range openAIModels {
		if model.ID == "" {
			t.Error("found model with empty ID")
		}
		if model.Name == "" {
			t.Error("found model with empty Name")
		}
		if model.MaxTokens <= 0 {
			t.Errorf("model %s has invalid MaxTokens: %d", model.ID, model.MaxTokens)
		}
	}
}
