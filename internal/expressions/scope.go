package expressions

import (
	"encoding/json"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// Scope is the read-only view a step's placeholders resolve against.
type Scope struct {
	Input any            // the run input
	Steps map[string]any // output key -> output of completed steps
}

// OutputSet accumulates the outputs of a single run. It enforces:
//   - Outputs are frozen (normalized and deep-copied) on insert.
//   - Append-only: an output key is written at most once.
//   - Snapshots handed to resolution share no memory with the set.
type OutputSet struct {
	mu    sync.RWMutex
	input any
	steps map[string]any
	order []string
}

// NewOutputSet creates an OutputSet for a run started with input.
func NewOutputSet(input any) (*OutputSet, error) {
	frozen, err := Normalize(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "run input is not JSON-compatible: %s", err.Error()).
			WithCause(err)
	}
	return &OutputSet{
		input: frozen,
		steps: make(map[string]any),
	}, nil
}

// Add registers a completed step's output under key.
func (o *OutputSet) Add(key string, output any) error {
	frozen, err := Normalize(output)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAction, "output %q is not JSON-compatible: %s", key, err.Error()).
			WithCause(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.steps[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"output %q already registered; outputs are immutable once written", key)
	}
	o.steps[key] = frozen
	o.order = append(o.order, key)
	return nil
}

// Scope returns a snapshot safe to hand to resolution or to another goroutine.
func (o *OutputSet) Scope() *Scope {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return &Scope{
		Input: deepCopyAny(o.input),
		Steps: deepCopyMap(o.steps),
	}
}

// Outputs returns a copy of every output registered so far.
func (o *OutputSet) Outputs() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return deepCopyMap(o.steps)
}

// Keys returns output keys in insertion order.
func (o *OutputSet) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

// Normalize converts v into plain JSON values (map[string]any, []any, string,
// float64, bool, nil). Already-plain values are deep-copied; anything else is
// round-tripped through encoding/json.
func Normalize(v any) (any, error) {
	if plain, ok := normalizePlain(v); ok {
		return plain, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizePlain(v any) (any, bool) {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val, true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case float32:
		return float64(val), true
	case json.RawMessage:
		if len(val) == 0 {
			return nil, true
		}
		var out any
		if err := json.Unmarshal(val, &out); err != nil {
			return nil, false
		}
		return out, true
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			n, ok := normalizePlain(item)
			if !ok {
				return nil, false
			}
			cp[k] = n
		}
		return cp, true
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			n, ok := normalizePlain(item)
			if !ok {
				return nil, false
			}
			cp[i] = n
		}
		return cp, true
	default:
		return nil, false
	}
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Primitives (string, float64, bool, nil) are value types and returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
