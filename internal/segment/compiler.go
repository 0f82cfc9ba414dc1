package segment

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Compile turns a segment definition into a Mongo filter. Attribute
// segments produce a filter against the Users collection; event segments
// produce a filter against userEvent (see Collection).
//
// If any element of the value list is an object carrying a "type" field the
// segment is typed/disjunctive: each {type, value} pair becomes a clause
// {type: trimmedValue} and the clauses are combined with $or. Otherwise the
// list is flat: {value: x} wrappers are unwrapped, falsy entries dropped,
// and the result is {field: {$in: [...]}}.
//
// An empty result after filtering is a *CompileError, never an empty
// filter.
func Compile(seg Segment) (bson.M, error) {
	field := strings.TrimSpace(seg.Attribute)
	if field == "" {
		if strings.TrimSpace(seg.Event) == "" {
			return nil, &CompileError{SegmentID: seg.ID, Reason: "neither attribute nor event is set"}
		}
		field = "event_name"
	}
	if len(seg.Value) == 0 {
		return nil, &CompileError{SegmentID: seg.ID, Reason: "value list is empty"}
	}

	if hasTypedValues(seg.Value) {
		return compileTyped(seg)
	}
	return compileFlat(seg, field)
}

// Collection names the collection the compiled filter runs against.
func Collection(seg Segment) string {
	if seg.IsEventBased() {
		return "userEvent"
	}
	return "Users"
}

func hasTypedValues(values []any) bool {
	for _, v := range values {
		if m := asMap(v); m != nil {
			if _, ok := m["type"]; ok {
				return true
			}
		}
	}
	return false
}

func compileTyped(seg Segment) (bson.M, error) {
	var clauses []bson.M
	for _, v := range seg.Value {
		m := asMap(v)
		if m == nil {
			continue
		}
		typ, ok := m["type"].(string)
		if !ok || strings.TrimSpace(typ) == "" {
			continue
		}
		val, ok := m["value"]
		if !ok || val == nil {
			continue
		}
		clauses = append(clauses, bson.M{strings.TrimSpace(typ): trimScalar(val)})
	}
	if len(clauses) == 0 {
		return nil, &CompileError{SegmentID: seg.ID, Reason: "no usable values"}
	}
	return bson.M{"$or": clauses}, nil
}

func compileFlat(seg Segment, field string) (bson.M, error) {
	var values []any
	for _, v := range seg.Value {
		if m := asMap(v); m != nil {
			v = m["value"]
		}
		if isFalsy(v) {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, &CompileError{SegmentID: seg.ID, Reason: "no usable values"}
	}
	return bson.M{field: bson.M{"$in": values}}, nil
}

// asMap normalizes the object shapes the driver and JSON decoding produce.
func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case bson.M:
		return m
	case bson.D:
		out := make(map[string]any, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out
	}
	return nil
}

func trimScalar(v any) any {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}

func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case int:
		return x == 0
	case int32:
		return x == 0
	case int64:
		return x == 0
	case float64:
		return x == 0
	case float32:
		return x == 0
	}
	return false
}
