package binding

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

// referencePattern matches {{use.<alias>[.path]}}. The alias and path are
// captured separately; whitespace around the expression is tolerated.
var referencePattern = regexp.MustCompile(`\{\{\s*use\.([A-Za-z0-9_-]+)((?:\.[^}]+)?)\s*\}\}`)

// Template resolves {{use.<alias>[.path]}} references inside strings
// against a fixed set of bindings, resolving Lazy aliases on first
// reference.
type Template struct {
	resolver *Resolver
	bindings Bindings
	lazy     map[string]Use // aliases declared Lazy, keyed by alias
}

// NewTemplate builds a Template over bindings already resolved eagerly,
// plus the original use declarations (needed to resolve Lazy aliases on
// first reference).
func NewTemplate(resolver *Resolver, bindings Bindings, uses []Use) *Template {
	lazy := make(map[string]Use)
	for _, u := range uses {
		if u.Mode == Lazy {
			lazy[u.Alias] = u
		}
	}
	return &Template{resolver: resolver, bindings: bindings, lazy: lazy}
}

// ResolveValue resolves s as a single reference and returns the underlying
// value without stringifying it, for fields (like for_each.items) that need
// the actual list/object rather than interpolated text. If s is not
// exactly one {{use...}} reference, it falls back to Resolve and returns
// the resulting string.
func (t *Template) ResolveValue(s string) (any, error) {
	m := referencePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || m[0] != strings.TrimSpace(s) {
		return t.Resolve(s)
	}
	alias, path := m[1], strings.TrimPrefix(m[2], ".")

	value, err := t.valueFor(alias)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return value, nil
	}
	return navigatePath(value, path)
}

// Bindings returns the alias -> value map resolved so far (eager bindings
// plus any lazy ones resolved on demand up to this point).
func (t *Template) Bindings() Bindings { return t.bindings }

// Resolve performs a single left-to-right pass over s, substituting every
// {{use.<alias>[.path]}} reference found. It does not re-scan substituted
// text: a resolved value containing "{{" is inserted verbatim. A string
// without "{{" is returned unchanged, with no regex pass.
func (t *Template) Resolve(s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	var firstErr error
	out := referencePattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := referencePattern.FindStringSubmatch(match)
		alias, path := sub[1], strings.TrimPrefix(sub[2], ".")

		value, err := t.valueFor(alias)
		if err != nil {
			firstErr = err
			return match
		}
		if path != "" {
			value, err = navigatePath(value, path)
			if err != nil {
				firstErr = &nikaerrors.ValidationError{
					Code:    nikaerrors.CodeTemplateUnresolvedAlias,
					Field:   "use." + alias,
					Message: fmt.Sprintf("path %q not found: %v", path, err),
				}
				return match
			}
		}
		return stringify(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (t *Template) valueFor(alias string) (any, error) {
	if v, ok := t.bindings[alias]; ok {
		return v, nil
	}
	if u, ok := t.lazy[alias]; ok {
		v, err := t.resolver.ResolveAlias(u)
		if err != nil {
			return nil, err
		}
		t.bindings[alias] = v
		return v, nil
	}
	return nil, &nikaerrors.ValidationError{
		Code:    nikaerrors.CodeTemplateUnresolvedAlias,
		Field:   "use." + alias,
		Message: fmt.Sprintf("alias %q was not declared in this task's use block", alias),
	}
}

// stringify produces a deterministic textual form of a resolved value for
// substitution into a template string. Objects, arrays and other composite
// values are rendered as JSON.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case fmt.Stringer:
		return x.String()
	default:
		if b, err := json.Marshal(x); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", x)
	}
}

// ValidateRefs performs the static validate_refs pass: checks that every
// {{use.<alias>...}} reference in s names an alias present in declared
// (the task's own use_block aliases), without resolving any value. It does
// not check whether a dotted path exists, since that requires the upstream
// output at hand.
func ValidateRefs(s string, declared map[string]bool) error {
	for _, m := range referencePattern.FindAllStringSubmatch(s, -1) {
		alias := m[1]
		if !declared[alias] {
			return &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeTemplateUnresolvedAlias,
				Field:   "use." + alias,
				Message: fmt.Sprintf("template references undeclared alias %q", alias),
			}
		}
	}
	return nil
}
