// Package binding resolves a task's use_block against the data store and
// substitutes {{use.<alias>[.path]}} references inside task parameter
// strings.
//
// The two halves are separate passes by design: the Binding Resolver turns
// a use_block declaration into a concrete upstream value (following eager
// or lazy resolution mode), and the Template Resolver does a single,
// left-to-right scan over a string substituting every reference it finds
// against the bindings already resolved for that task. Substitution is not
// recursive: a value that itself contains "{{...}}" is inserted verbatim,
// never re-expanded.
package binding

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nikaeng/nika/internal/datastore"
	"github.com/nikaeng/nika/internal/jq"
	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

// Mode controls when an aliased upstream reference is evaluated.
type Mode string

const (
	// Eager resolves every declared alias before the task body runs
	// (the default).
	Eager Mode = "eager"
	// Lazy defers resolution until the alias is first referenced in a
	// template string, so a task can declare an alias it only sometimes
	// uses without forcing its predecessor to finish first in cases where
	// the reference is never taken (e.g. inside a conditional exec script).
	Lazy Mode = "lazy"
)

// Use is one use_block entry: an alias bound to an upstream task, with an
// optional dotted/indexed path into that task's output, or a literal value
// in place of a task reference.
type Use struct {
	Alias   string
	Task    string // upstream task id; empty if Literal is set
	Path    string // dotted path, e.g. "result.items[0].name"
	Literal any    // present when this alias isn't a task reference
	Mode    Mode
}

// Resolver resolves a task's use_block against a DataStore.
type Resolver struct {
	store *datastore.Store
	jq    *jq.Executor
}

// New creates a Resolver over store.
func New(store *datastore.Store) *Resolver {
	return &Resolver{store: store, jq: jq.NewExecutor(0, 0)}
}

// Bindings is the resolved alias -> value map for one task invocation.
type Bindings map[string]any

// Resolve resolves every Eager-mode use in uses immediately, and records
// Lazy-mode ones for on-demand resolution via ResolveAlias. The returned
// Bindings only contains aliases resolved during this call.
func (r *Resolver) Resolve(uses []Use) (Bindings, error) {
	bindings := make(Bindings, len(uses))
	for _, u := range uses {
		if u.Mode == Lazy {
			continue
		}
		v, err := r.resolveOne(u)
		if err != nil {
			return nil, err
		}
		bindings[u.Alias] = v
	}
	return bindings, nil
}

// ResolveAlias resolves a single use declaration on demand, used for Lazy
// mode aliases the first time a template actually references them.
func (r *Resolver) ResolveAlias(u Use) (any, error) {
	return r.resolveOne(u)
}

func (r *Resolver) resolveOne(u Use) (any, error) {
	if u.Task == "" {
		return u.Literal, nil
	}

	result, ok := r.store.Get(u.Task)
	if !ok {
		return nil, &nikaerrors.ValidationError{
			Code:    nikaerrors.CodeBindingUpstreamMissing,
			Field:   "use." + u.Alias,
			Message: fmt.Sprintf("upstream task %q has not produced a result", u.Task),
		}
	}
	if !result.Success {
		return nil, &nikaerrors.ValidationError{
			Code:    nikaerrors.CodeBindingUpstreamMissing,
			Field:   "use." + u.Alias,
			Message: fmt.Sprintf("upstream task %q failed: %s", u.Task, result.Error),
		}
	}

	if u.Path == "" {
		return result.Output, nil
	}

	if isJQFilter(u.Path) {
		v, err := r.jq.Execute(context.Background(), u.Path, result.Output)
		if err != nil {
			return nil, &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeBindingPathNotFound,
				Field:   "use." + u.Alias,
				Message: fmt.Sprintf("jq filter %q failed against output of %q: %v", u.Path, u.Task, err),
			}
		}
		return v, nil
	}

	v, err := navigatePath(result.Output, u.Path)
	if err != nil {
		return nil, &nikaerrors.ValidationError{
			Code:    nikaerrors.CodeBindingPathNotFound,
			Field:   "use." + u.Alias,
			Message: fmt.Sprintf("path %q not found in output of %q: %v", u.Path, u.Task, err),
		}
	}
	return v, nil
}

// isJQFilter reports whether path uses jq-filter syntax (pipes, function
// calls, parens) beyond the plain dot/index grammar navigatePath handles.
func isJQFilter(path string) bool {
	return strings.ContainsAny(path, "|()")
}

// pathSegmentRe matches either a bare key ("foo") or an indexed key
// ("foo[3]"); navigatePath splits a dotted path into such segments.
var pathSegmentRe = regexp.MustCompile(`^([^\[\]]*)((?:\[\d+\])*)$`)

func navigatePath(value any, path string) (any, error) {
	cur := value
	for _, segment := range strings.Split(path, ".") {
		m := pathSegmentRe.FindStringSubmatch(segment)
		if m == nil {
			return nil, fmt.Errorf("malformed path segment %q", segment)
		}
		key, indices := m[1], m[2]

		if key != "" {
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cannot index key %q into non-object value", key)
			}
			v, ok := obj[key]
			if !ok {
				return nil, fmt.Errorf("key %q not present", key)
			}
			cur = v
		}

		for _, idxStr := range regexp.MustCompile(`\[(\d+)\]`).FindAllStringSubmatch(indices, -1) {
			idx, _ := strconv.Atoi(idxStr[1])
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("cannot index [%d] into non-array value", idx)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(arr))
			}
			cur = arr[idx]
		}
	}
	return cur, nil
}
