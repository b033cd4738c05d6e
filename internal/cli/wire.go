// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"fmt"

	"github.com/nikaeng/nika/internal/config"
	"github.com/nikaeng/nika/pkg/llm"

	// Registers the built-in provider factories (claude-code, anthropic)
	// with the global llm registry as a side effect of import.
	_ "github.com/nikaeng/nika/pkg/llm/providers"
)

// buildRegistry activates one llm.Provider per configured provider entry
// and picks a default, so the Runner's ProviderAdapter can resolve both
// explicit task-level provider names and the workflow's default.
func buildRegistry(cfg *config.Config, defaultProvider string) (*llm.Registry, error) {
	registry := llm.NewRegistry()

	for name, pc := range cfg.Providers {
		creds, err := credentialsFor(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		if !registry.HasFactory(pc.Type) {
			return nil, fmt.Errorf("provider %q: unknown provider type %q", name, pc.Type)
		}
		if err := registry.Activate(pc.Type, creds); err != nil {
			return nil, fmt.Errorf("activating provider %q: %w", name, err)
		}
	}

	if defaultProvider == "" {
		defaultProvider = cfg.GetPrimaryProvider()
	}
	if defaultProvider != "" {
		if pc, ok := cfg.Providers[defaultProvider]; ok {
			_ = registry.SetDefault(pc.Type)
		} else {
			_ = registry.SetDefault(defaultProvider)
		}
	}

	return registry, nil
}

func credentialsFor(pc config.ProviderConfig) (llm.Credentials, error) {
	switch pc.Type {
	case "claude-code":
		return llm.CLIAuthCredentials{CLIPath: pc.ConfigPath}, nil
	case "ollama":
		return llm.OllamaCredentials{BaseURL: pc.BaseURL}, nil
	default:
		return llm.APIKeyCredentials{APIKey: pc.APIKey, BaseURL: pc.BaseURL}, nil
	}
}
