package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// Namespaces addressable as the first segment of a placeholder path.
const (
	NamespaceInput = "input"
	NamespaceSteps = "steps"
)

var namespaces = []string{NamespaceInput, NamespaceSteps}

// placeholder is one {dotted.path} token located inside a string.
type placeholder struct {
	start int // offset of '{'
	end   int // offset one past '}'
	path  string
}

// Resolve substitutes {input...} and {steps...} placeholders in raw.
//
// A string that is exactly one placeholder resolves to the referenced value with
// its type preserved. Placeholders embedded in a longer string are stringified
// and spliced in. Objects and arrays are resolved recursively. raw and scope are
// never modified; the returned value shares no memory with either.
func Resolve(raw any, scope *Scope) (any, error) {
	if scope == nil {
		scope = &Scope{}
	}
	switch v := raw.(type) {
	case string:
		return resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for _, k := range sortedKeys(v) {
			resolved, err := Resolve(v[k], scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return deepCopyAny(v), nil
	}
}

// HasPlaceholders reports whether raw contains at least one placeholder token.
func HasPlaceholders(raw any) bool {
	switch v := raw.(type) {
	case string:
		return len(findPlaceholders(v)) > 0
	case map[string]any:
		for _, item := range v {
			if HasPlaceholders(item) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if HasPlaceholders(item) {
				return true
			}
		}
	}
	return false
}

// References returns every placeholder path found in raw, in a stable order.
func References(raw any) []string {
	var refs []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, p := range findPlaceholders(val) {
				refs = append(refs, p.path)
			}
		case map[string]any:
			for _, k := range sortedKeys(val) {
				walk(val[k])
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(raw)
	return refs
}

func resolveString(s string, scope *Scope) (any, error) {
	tokens := findPlaceholders(s)
	if len(tokens) == 0 {
		return s, nil
	}

	if len(tokens) == 1 && tokens[0].start == 0 && tokens[0].end == len(s) {
		return Lookup(tokens[0].path, scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, tok := range tokens {
		b.WriteString(s[last:tok.start])
		val, err := Lookup(tok.path, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(val))
		last = tok.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// Lookup resolves a single dotted path such as "steps.extracted.priority".
func Lookup(path string, scope *Scope) (any, error) {
	if scope == nil {
		scope = &Scope{}
	}
	segments := strings.Split(path, ".")
	ns := segments[0]

	switch ns {
	case NamespaceInput:
		val, err := walkPath(scope.Input, segments[1:], ns, path)
		if err != nil {
			return nil, err
		}
		return deepCopyAny(val), nil

	case NamespaceSteps:
		if len(segments) == 1 {
			return deepCopyMap(scope.Steps), nil
		}
		key := segments[1]
		output, ok := scope.Steps[key]
		if !ok {
			return nil, resolutionError(ns, path,
				fmt.Sprintf("no prior step produced output %q", key), sortedKeys(scope.Steps))
		}
		val, err := walkPath(output, segments[2:], ns, path)
		if err != nil {
			return nil, err
		}
		return deepCopyAny(val), nil

	default:
		return nil, resolutionError(ns, path,
			fmt.Sprintf("unknown namespace %q", ns), append([]string(nil), namespaces...))
	}
}

// walkPath navigates objects by key and arrays by index.
func walkPath(root any, segments []string, ns, path string) (any, error) {
	current := root
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, resolutionError(ns, path,
					fmt.Sprintf("field %q not found", seg), sortedKeys(v))
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, resolutionError(ns, path,
					fmt.Sprintf("index %q out of range (length %d)", seg, len(v)), indexKeys(len(v)))
			}
			current = v[idx]
		default:
			return nil, resolutionError(ns, path,
				fmt.Sprintf("cannot access %q on %s value", seg, kindOf(current)), nil)
		}
	}
	return current, nil
}

func resolutionError(ns, path, reason string, available []string) *schema.FlowError {
	if available == nil {
		available = []string{}
	}
	return schema.NewErrorf(schema.ErrCodeResolution, "cannot resolve {%s}: %s", path, reason).
		WithDetails(map[string]any{
			"namespace": ns,
			"path":      path,
			"available": available,
		})
}

// findPlaceholders scans s for {dotted.path} tokens. Braces whose content is
// not a dotted path (JSON text, "{ }", "{a b}") are left as literal text.
func findPlaceholders(s string) []placeholder {
	var out []placeholder
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		closing := strings.IndexByte(s[i+1:], '}')
		if closing == -1 {
			break
		}
		content := s[i+1 : i+1+closing]
		if isDottedPath(content) {
			out = append(out, placeholder{start: i, end: i + closing + 2, path: content})
			i += closing + 1
		}
	}
	return out
}

func isDottedPath(s string) bool {
	if s == "" {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !isPathRune(r) {
				return false
			}
		}
	}
	return true
}

func isPathRune(r rune) bool {
	return r == '_' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Stringify renders a resolved value for embedding inside a larger string.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func indexKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = strconv.Itoa(i)
	}
	return keys
}
