package sagaengine

import (
	"fmt"
	"strconv"
	"strings"
)

// RenderEnvelope is the data a template may reference: {input, context, run}.
// Rendering never performs I/O and never reads anything outside this value.
type RenderEnvelope struct {
	Input   map[string]any
	Context map[string]any
	Run     map[string]any
}

func (e RenderEnvelope) asMap() map[string]any {
	return map[string]any{
		"input":   e.Input,
		"context": e.Context,
		"run":     e.Run,
	}
}

// Render recursively walks value (string, []any, map[string]any, or a
// scalar) and returns a structurally identical value in which every
// "{{path.to.value}}" occurring inside a string is substituted with the
// stringified result of resolving that dotted path against env. A value
// containing no "{{" is returned unchanged (by identity for non-string
// scalars, and untouched for strings). Missing path segments resolve to the
// empty string; this never errors.
func Render(value any, env RenderEnvelope) any {
	data := env.asMap()
	return renderValue(value, data)
}

func renderValue(value any, data map[string]any) any {
	switch v := value.(type) {
	case string:
		return renderString(v, data)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = renderValue(item, data)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = renderValue(item, data)
		}
		return out
	default:
		return v
	}
}

// renderString substitutes every {{path}} placeholder in s. A string with
// no "{{" is returned unchanged without scanning further.
func renderString(s string, data map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			// Unterminated placeholder: emit the rest verbatim.
			b.WriteString("{{")
			b.WriteString(rest)
			break
		}
		path := strings.TrimSpace(rest[:end])
		b.WriteString(stringify(resolvePath(path, data)))
		rest = rest[end+2:]
	}
	return b.String()
}

// resolvePath traverses a dotted path through nested maps. A missing
// segment, or a non-map encountered mid-path, resolves to nil (rendered as
// the empty string).
func resolvePath(path string, data map[string]any) any {
	if path == "" {
		return nil
	}
	segments := strings.Split(path, ".")
	var cur any = data
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[seg]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
