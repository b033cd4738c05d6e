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

	survey "github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/nikaeng/nika/internal/cli/format"
	"github.com/nikaeng/nika/internal/config"
	"github.com/nikaeng/nika/internal/credentials"
)

// vendorChoices mirrors the Provider auto-selection priority order.
var vendorChoices = []string{"anthropic", "openai", "mistral", "groq", "deepseek", "ollama"}

// newProviderCommand groups "provider add"/"provider list" for interactive
// credential setup, an alternative to hand-editing config.yaml or exporting
// an *_API_KEY environment variable.
func newProviderCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage configured LLM provider credentials",
	}
	cmd.AddCommand(newProviderAddCommand(configPath))
	cmd.AddCommand(newProviderListCommand(configPath))
	return cmd
}

func newProviderAddCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Interactively add a provider's API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var vendor string
			if err := survey.AskOne(&survey.Select{
				Message: "Provider to add:",
				Options: vendorChoices,
			}, &vendor); err != nil {
				return fmt.Errorf("prompting for provider: %w", err)
			}

			apiKey, err := format.PromptAPIKey(vendor)
			if err != nil {
				return err
			}

			key := "providers/" + vendor + "/api_key"
			resolver := credentials.NewResolver(
				credentials.NewKeychainBackend(),
				mustFileBackend(),
			)
			if err := resolver.Set(cmd.Context(), key, apiKey, ""); err != nil {
				return fmt.Errorf("storing credential: %w", err)
			}

			path := *configPath
			if path == "" {
				path, err = config.ConfigPath()
				if err != nil {
					return err
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cfg.Providers == nil {
				cfg.Providers = config.ProvidersMap{}
			}
			cfg.Providers[vendor] = config.ProviderConfig{Type: vendor, APIKey: "$secret:" + key}
			if err := config.Save(path, cfg); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), format.RenderOK(fmt.Sprintf("stored credential for %s and updated %s", vendor, path)))
			return nil
		},
	}
}

func newProviderListCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadWithSecrets(*configPath)
			if err != nil {
				return err
			}
			if len(cfg.Providers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), format.RenderLabel("no providers configured"))
				return nil
			}
			for name, p := range cfg.Providers {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", name, p.Type)
			}
			return nil
		},
	}
}

func mustFileBackend() credentials.Backend {
	b, err := credentials.NewFileBackend("", "")
	if err != nil {
		return credentials.NewEnvBackend()
	}
	return b
}
