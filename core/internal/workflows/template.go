package workflows

import (
	"strings"

	"assistant-orchestrator/core/internal/models"
)

const (
	refPrev  = "$prev"
	refInput = "$input"
)

// BuildStepInput derives a step's input: a copy of the previous step's output (the
// workflow input for the first step) overlaid with the step template. Template string
// values "$prev", "$prev.key", "$input" and "$input.key" are replaced by the referenced
// value; references nested in maps and lists are resolved too.
func BuildStepInput(template map[string]any, prev map[string]any, initial map[string]any) map[string]any {
	if prev == nil {
		prev = initial
	}
	out := models.CloneMap(prev)
	for k, v := range template {
		out[k] = resolve(v, prev, initial)
	}
	return out
}

func resolve(v any, prev map[string]any, initial map[string]any) any {
	switch t := v.(type) {
	case string:
		if val, ok := lookupRef(t, prev, initial); ok {
			return val
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = resolve(vv, prev, initial)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = resolve(vv, prev, initial)
		}
		return out
	default:
		return v
	}
}

func lookupRef(s string, prev map[string]any, initial map[string]any) (any, bool) {
	var root map[string]any
	var rest string
	switch {
	case s == refPrev || strings.HasPrefix(s, refPrev+"."):
		root, rest = prev, strings.TrimPrefix(s, refPrev)
	case s == refInput || strings.HasPrefix(s, refInput+"."):
		root, rest = initial, strings.TrimPrefix(s, refInput)
	default:
		return nil, false
	}
	if rest == "" {
		return models.CloneMap(root), true
	}
	var cur any = root
	for _, part := range strings.Split(strings.TrimPrefix(rest, "."), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, true
		}
		cur = m[part]
	}
	return cur, true
}
