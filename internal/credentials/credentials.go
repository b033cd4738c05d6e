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

// Package credentials resolves provider API keys and other runtime secrets
// a workflow needs (spec §4.3's provider credential resolution) from a
// priority-ordered chain of backends: environment variables, the OS
// keychain, and an encrypted file on disk. Backends are tried in priority
// order and the first hit wins, so an environment variable always
// overrides a stored secret without needing to touch the store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors backends use to signal well-known conditions. Resolver
// treats ErrNotFound specially: it keeps trying the remaining backends
// instead of surfacing the error immediately.
var (
	ErrNotFound    = errors.New("credentials: not found")
	ErrUnavailable = errors.New("credentials: backend unavailable")
	ErrReadOnly    = errors.New("credentials: backend is read-only")
)

// Backend stores and retrieves credentials addressed by a slash-separated
// key, e.g. "providers/anthropic/api_key".
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)

	// Available reports whether the backend can currently serve requests.
	// A Resolver skips unavailable backends entirely rather than failing
	// every lookup through them.
	Available() bool

	// Priority ranks this backend against others; higher wins ties.
	Priority() int
}

// ReadOnly is implemented by backends Resolver.Set/Delete must skip.
type ReadOnly interface {
	ReadOnly() bool
}

// Metadata describes one resolvable key for listing/inspection.
type Metadata struct {
	Key      string
	Backend  string
	ReadOnly bool
}

// Resolver queries a chain of Backends in priority order (highest first)
// and returns the first successful result.
type Resolver struct {
	backends []Backend
}

// NewResolver builds a Resolver over backends, dropping any that report
// themselves unavailable and sorting the rest by descending priority.
func NewResolver(backends ...Backend) *Resolver {
	available := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Available() {
			available = append(available, b)
		}
	}
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Priority() > available[j].Priority()
	})
	return &Resolver{backends: available}
}

// Get resolves key by trying each backend in priority order, returning the
// first value found. ErrNotFound propagates only once every backend has
// missed; any other error from a backend is remembered and surfaced if no
// later backend succeeds.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	if len(r.backends) == 0 {
		return "", fmt.Errorf("%w: no available backends", ErrUnavailable)
	}

	var lastErr error
	for _, backend := range r.backends {
		value, err := backend.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("resolving credential %q: %w", key, lastErr)
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, key)
}

// Set stores value in the named backend, or in the first writable backend
// in priority order when backendName is empty.
func (r *Resolver) Set(ctx context.Context, key, value, backendName string) error {
	if len(r.backends) == 0 {
		return fmt.Errorf("%w: no available backends", ErrUnavailable)
	}
	if backendName != "" {
		for _, b := range r.backends {
			if b.Name() == backendName {
				return b.Set(ctx, key, value)
			}
		}
		return fmt.Errorf("backend %q not found or unavailable", backendName)
	}
	for _, b := range r.backends {
		if isReadOnly(b) {
			continue
		}
		if err := b.Set(ctx, key, value); err != nil {
			if errors.Is(err, ErrReadOnly) {
				continue
			}
			return fmt.Errorf("writing credential to %s: %w", b.Name(), err)
		}
		return nil
	}
	return fmt.Errorf("no writable credential backend available")
}

// Delete removes key from the named backend, or from every writable
// backend that has it when backendName is empty.
func (r *Resolver) Delete(ctx context.Context, key, backendName string) error {
	if len(r.backends) == 0 {
		return fmt.Errorf("%w: no available backends", ErrUnavailable)
	}
	if backendName != "" {
		for _, b := range r.backends {
			if b.Name() == backendName {
				return b.Delete(ctx, key)
			}
		}
		return fmt.Errorf("backend %q not found or unavailable", backendName)
	}
	deleted := false
	for _, b := range r.backends {
		if isReadOnly(b) {
			continue
		}
		if err := b.Delete(ctx, key); err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrReadOnly) {
				continue
			}
			return fmt.Errorf("deleting credential from %s: %w", b.Name(), err)
		}
		deleted = true
	}
	if !deleted {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return nil
}

// List merges the keys known to every backend; a key already seen from a
// higher-priority backend is not reported again.
func (r *Resolver) List(ctx context.Context) ([]Metadata, error) {
	if len(r.backends) == 0 {
		return nil, fmt.Errorf("%w: no available backends", ErrUnavailable)
	}
	seen := make(map[string]Metadata)
	for _, b := range r.backends {
		keys, err := b.List(ctx)
		if err != nil {
			continue
		}
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = Metadata{Key: key, Backend: b.Name(), ReadOnly: isReadOnly(b)}
		}
	}
	out := make([]Metadata, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Backends returns the resolver's backends in priority order.
func (r *Resolver) Backends() []Backend {
	return r.backends
}

func isReadOnly(b Backend) bool {
	ro, ok := b.(ReadOnly)
	return ok && ro.ReadOnly()
}
