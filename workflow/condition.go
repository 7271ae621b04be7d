package workflow

import (
	"reflect"
	"strconv"
	"strings"
)

// EvaluateCondition evaluates c against the live state, dispatching to the
// typed form when c.Type is set and the legacy operator form otherwise.
// Evaluation never panics: condition_evaluation_error defaults to false
// rather than propagating.
func EvaluateCondition(c *Condition, st State) bool {
	if c == nil {
		return false
	}
	if c.Type != "" {
		return evaluateTyped(c, st)
	}
	return evaluateLegacy(c, st)
}

func evaluateLegacy(c *Condition, st State) bool {
	left := resolveOperand(c.Left, st)
	right := resolveOperand(c.Right, st)

	switch c.Operator {
	case "", "equals":
		return reflect.DeepEqual(left, right)
	case "not_equals":
		return !reflect.DeepEqual(left, right)
	case "greater_than":
		l, r, ok := bothFloats(left, right)
		return ok && l > r
	case "less_than":
		l, r, ok := bothFloats(left, right)
		return ok && l < r
	case "greater_equal":
		l, r, ok := bothFloats(left, right)
		return ok && l >= r
	case "less_equal":
		l, r, ok := bothFloats(left, right)
		return ok && l <= r
	case "contains":
		return strings.Contains(stringifyValue(left), stringifyValue(right))
	case "not_contains":
		return !strings.Contains(stringifyValue(left), stringifyValue(right))
	case "exists":
		return left != nil
	case "not_exists":
		return left == nil
	case "in":
		return containsAny(right, left)
	case "not_in":
		return !containsAny(right, left)
	default:
		return false
	}
}

func evaluateTyped(c *Condition, st State) bool {
	var value any
	if c.Variable != "" {
		value, _ = resolvePath(unionView(st), c.Variable)
	}

	switch c.Type {
	case "is_empty":
		return isEmpty(value)
	case "is_not_empty":
		return !isEmpty(value)
	case "count_greater_than":
		n, ok := toInt(c.Value)
		return ok && collectionLen(value) > n
	case "count_less_than":
		n, ok := toInt(c.Value)
		return ok && collectionLen(value) < n
	case "contains":
		return strings.Contains(stringifyValue(value), stringifyValue(c.Value))
	case "equals":
		return reflect.DeepEqual(value, c.Value)
	case "response_contains":
		last, _ := st.Variables["last_action_result"]
		return strings.Contains(strings.ToLower(stringifyValue(last)), strings.ToLower(stringifyValue(c.Value)))
	case "has_error":
		last, _ := st.Variables["last_action_result"]
		lower := strings.ToLower(stringifyValue(last))
		for _, indicator := range []string{"error", "failed", "exception", "traceback"} {
			if strings.Contains(lower, indicator) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// resolveOperand resolves a `$`-prefixed dotted path against the union
// view (variables, step_results, human_inputs, first match wins); any
// other value is returned unchanged.
func resolveOperand(v any, st State) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return v
	}
	value, _ := resolvePath(unionView(st), s[1:])
	return value
}

// unionView layers StepResults and HumanInputs under Variables so a single
// dotted-path lookup tries all three in a fixed precedence order: variables,
// then step_results, then human_inputs.
func unionView(st State) map[string]any {
	view := make(map[string]any, len(st.HumanInputs)+len(st.StepResults)+len(st.Variables))
	for k, v := range st.HumanInputs {
		view[k] = v
	}
	for k, v := range st.StepResults {
		view[k] = v
	}
	for k, v := range st.Variables {
		view[k] = v
	}
	return view
}

func bothFloats(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	return int(f), ok
}

func collectionLen(v any) int {
	switch c := v.(type) {
	case []any:
		return len(c)
	case map[string]any:
		return len(c)
	case string:
		return len(c)
	default:
		return 0
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch c := v.(type) {
	case []any:
		return len(c) == 0
	case map[string]any:
		return len(c) == 0
	case string:
		return len(c) == 0
	default:
		return false
	}
}

func containsAny(collection, target any) bool {
	items, ok := collection.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if reflect.DeepEqual(item, target) {
			return true
		}
	}
	return false
}
