package segment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCompileFlatAttribute(t *testing.T) {
	seg := Segment{
		ID:        "seg-1",
		Attribute: "city",
		Value:     []any{"Delhi", "Mumbai"},
	}

	filter, err := Compile(seg)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"city": bson.M{"$in": []any{"Delhi", "Mumbai"}}}, filter)
	assert.Equal(t, "Users", Collection(seg))
}

func TestCompileFlatUnwrapsValueWrappers(t *testing.T) {
	seg := Segment{
		Attribute: "plan",
		Value: []any{
			map[string]any{"value": "premium"},
			"basic",
		},
	}

	filter, err := Compile(seg)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"plan": bson.M{"$in": []any{"premium", "basic"}}}, filter)
}

func TestCompileFlatDropsFalsyEntries(t *testing.T) {
	seg := Segment{
		Attribute: "city",
		Value:     []any{"", nil, 0, false, "Pune"},
	}

	filter, err := Compile(seg)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"city": bson.M{"$in": []any{"Pune"}}}, filter)
}

func TestCompileTypedDisjunction(t *testing.T) {
	seg := Segment{
		Event: "x",
		Value: []any{
			map[string]any{"type": "event_name", "value": " purchased "},
			map[string]any{"type": "category", "value": "electronics"},
		},
	}

	filter, err := Compile(seg)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$or": []bson.M{
		{"event_name": "purchased"},
		{"category": "electronics"},
	}}, filter)
	assert.Equal(t, "userEvent", Collection(seg))
}

func TestCompileTypedSkipsIncompletePairs(t *testing.T) {
	seg := Segment{
		Attribute: "city",
		Value: []any{
			map[string]any{"type": "event_name"},
			map[string]any{"type": "event_name", "value": "signup"},
		},
	}

	filter, err := Compile(seg)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$or": []bson.M{{"event_name": "signup"}}}, filter)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		seg  Segment
	}{
		{"empty value list", Segment{Attribute: "city", Value: nil}},
		{"all falsy values", Segment{Attribute: "city", Value: []any{"", nil, 0}}},
		{"no attribute or event", Segment{Value: []any{"a"}}},
		{"typed with no usable pairs", Segment{Attribute: "x", Value: []any{map[string]any{"type": ""}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.seg)
			require.Error(t, err)
			var ce *CompileError
			assert.True(t, errors.As(err, &ce))
		})
	}
}

func TestCompileBsonDValues(t *testing.T) {
	// the driver decodes nested documents as bson.D by default
	seg := Segment{
		Event: "activity",
		Value: []any{
			bson.D{{Key: "type", Value: "event_name"}, {Key: "value", Value: "login"}},
		},
	}

	filter, err := Compile(seg)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$or": []bson.M{{"event_name": "login"}}}, filter)
}
