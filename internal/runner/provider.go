package runner

import "github.com/nikaeng/nika/pkg/llm"

// ProviderAdapter satisfies executor.ProviderResolver over an llm.Registry:
// an explicit name resolves to that provider, an empty name auto-selects
// the registry's default (the first active provider in vendor priority
// order per pkg/llm/discovery.go).
type ProviderAdapter struct {
	Registry *llm.Registry
}

// Resolve returns the named provider, or the registry's default when name
// is empty.
func (a *ProviderAdapter) Resolve(name string) (llm.Provider, error) {
	if name == "" {
		return a.Registry.GetDefault()
	}
	return a.Registry.Get(name)
}
