package runctx

import (
	"fmt"
	"strings"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// LookupFn resolves a variable name to its value.
type LookupFn func(name string) (any, bool)

// Interpolate substitutes every {{name}} reference in s using lookup.
// It is a pure function, deliberately isolated from the context's locking:
// callers pass a lookup closure and the function never touches shared state.
// An unresolvable reference is an explicit error, never silently dropped.
func Interpolate(s string, lookup LookupFn) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ reference")
		}
		end += start

		name := strings.TrimSpace(s[start:end])
		if name == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: {{ }}")
		}
		if strings.Contains(name, "{{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: {{...}} cannot contain {{")
		}

		val, ok := lookup(name)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation,
				"unresolved variable %q", name).
				WithDetails(map[string]any{"variable": name})
		}

		result.WriteString(stringify(val))
		i = end + 2
	}

	return result.String(), nil
}

// ResolveValue is like Interpolate but preserves the native type when s is
// exactly one {{name}} reference, so structured values survive the template
// layer. Mixed text always stringifies.
func ResolveValue(s string, lookup LookupFn) (any, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if inner != "" && !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			val, ok := lookup(inner)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"unresolved variable %q", inner).
					WithDetails(map[string]any{"variable": inner})
			}
			return val, nil
		}
	}
	return Interpolate(s, lookup)
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
