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

package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	// EnvPriority is the highest backend priority so an environment
	// variable always overrides a stored credential.
	EnvPriority = 100

	envSecretPrefix = "NIKA_SECRET_"
)

// EnvBackend resolves credentials from environment variables. It checks
// both the normalized NIKA_SECRET_* form and, for provider API keys, the
// provider's own conventional variable name (e.g. ANTHROPIC_API_KEY).
type EnvBackend struct{}

// NewEnvBackend returns an EnvBackend. It has no setup cost and is always
// available.
func NewEnvBackend() *EnvBackend { return &EnvBackend{} }

func (e *EnvBackend) Name() string { return "env" }

func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if v := os.Getenv(e.normalize(key)); v != "" {
		return v, nil
	}
	if alias := e.providerAlias(key); alias != "" {
		if v := os.Getenv(alias); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: environment variable not set", ErrNotFound)
}

func (e *EnvBackend) Set(ctx context.Context, key, value string) error { return ErrReadOnly }
func (e *EnvBackend) Delete(ctx context.Context, key string) error     { return ErrReadOnly }

func (e *EnvBackend) List(ctx context.Context) ([]string, error) {
	var keys []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, envSecretPrefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 && parts[1] != "" {
			keys = append(keys, e.denormalize(parts[0]))
		}
	}
	return keys, nil
}

func (e *EnvBackend) Available() bool { return true }
func (e *EnvBackend) Priority() int   { return EnvPriority }
func (e *EnvBackend) ReadOnly() bool  { return true }

// normalize turns "providers/anthropic/api_key" into
// "NIKA_SECRET_PROVIDERS_ANTHROPIC_API_KEY".
func (e *EnvBackend) normalize(key string) string {
	return envSecretPrefix + strings.ToUpper(strings.ReplaceAll(key, "/", "_"))
}

// denormalize is the best-effort inverse of normalize, assuming the
// "providers/<name>/<rest>" shape most credential keys use.
func (e *EnvBackend) denormalize(envVar string) string {
	key := strings.ToLower(strings.TrimPrefix(envVar, envSecretPrefix))
	parts := strings.Split(key, "_")
	if len(parts) >= 3 {
		return parts[0] + "/" + parts[1] + "/" + strings.Join(parts[2:], "_")
	}
	return strings.ReplaceAll(key, "_", "/")
}

// providerAlias maps "providers/<name>/api_key" to "<NAME>_API_KEY".
func (e *EnvBackend) providerAlias(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) >= 3 && parts[0] == "providers" && parts[2] == "api_key" {
		return strings.ToUpper(parts[1]) + "_API_KEY"
	}
	return ""
}
