package automation

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalConditions reports whether every condition passes against the run
// context. An empty condition list always passes.
func EvalConditions(conds []Condition, runCtx Context) bool {
	for _, c := range conds {
		if !evalCondition(c, runCtx) {
			return false
		}
	}
	return true
}

// evalCondition applies one operator with the reference coercions: numeric
// comparisons parse both sides as numbers, contains comparisons convert
// both sides to strings, equality compares numerically when both sides
// parse and as strings otherwise.
func evalCondition(c Condition, runCtx Context) bool {
	actual, present := runCtx[c.Field]

	switch c.Operator {
	case OpExists:
		return present && actual != nil
	case OpNotExists:
		return !present || actual == nil
	}

	switch c.Operator {
	case OpEquals:
		return looseEqual(actual, c.Value)
	case OpNotEquals:
		return !looseEqual(actual, c.Value)
	case OpContains:
		return strings.Contains(toString(actual), toString(c.Value))
	case OpNotContains:
		return !strings.Contains(toString(actual), toString(c.Value))
	case OpGreaterThan:
		a, aok := toNumber(actual)
		b, bok := toNumber(c.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toNumber(actual)
		b, bok := toNumber(c.Value)
		return aok && bok && a < b
	case OpIn:
		return inList(actual, c.Value)
	}
	// unknown operator never matches
	return false
}

func inList(actual, list any) bool {
	items, ok := toSlice(list)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	}
	return nil, false
}

func looseEqual(a, b any) bool {
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
	}
	return toString(a) == toString(b)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
