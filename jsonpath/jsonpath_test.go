package jsonpath

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(t *testing.T) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(`{
		"device": "dev-1",
		"sensors": [
			{"name": "temp", "value": 21.5},
			{"name": "hum", "value": 40},
			{"name": "door"}
		],
		"tags": ["a", "b"],
		"nested": {"deep": {"flag": true}}
	}`), &v))
	return v
}

func TestIsValidPath(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"$", true},
		{"$.device", true},
		{"$.sensors[0].name", true},
		{"$.sensors[*].value", true},
		{"$[0]", true},
		{"$.a.b.c", true},
		{"device", false},
		{".device", false},
		{"$.", false},
		{"$..a", false},
		{"$.a[", false},
		{"$.a[x]", false},
		{"$.a[-1]", false},
		{"$a", false},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.valid, IsValidPath(tc.path))
		})
	}
}

func TestExtract(t *testing.T) {
	data := sample(t)

	t.Run("root", func(t *testing.T) {
		v, ok := Extract(data, "$")
		require.True(t, ok)
		assert.Equal(t, data, v)
	})

	t.Run("name", func(t *testing.T) {
		v, ok := Extract(data, "$.device")
		require.True(t, ok)
		assert.Equal(t, "dev-1", v)
	})

	t.Run("index", func(t *testing.T) {
		v, ok := Extract(data, "$.sensors[1].value")
		require.True(t, ok)
		assert.Equal(t, float64(40), v)
	})

	t.Run("nested", func(t *testing.T) {
		v, ok := Extract(data, "$.nested.deep.flag")
		require.True(t, ok)
		assert.Equal(t, true, v)
	})

	t.Run("missing key", func(t *testing.T) {
		_, ok := Extract(data, "$.nope")
		assert.False(t, ok)
	})

	t.Run("out of range", func(t *testing.T) {
		_, ok := Extract(data, "$.sensors[9].value")
		assert.False(t, ok)
	})

	t.Run("missing short-circuits", func(t *testing.T) {
		_, ok := Extract(data, "$.nope.deeper[0]")
		assert.False(t, ok)
	})

	t.Run("wildcard omits missing", func(t *testing.T) {
		v, ok := Extract(data, "$.sensors[*].value")
		require.True(t, ok)
		assert.Equal(t, []any{21.5, float64(40)}, v)
	})

	t.Run("wildcard whole elements", func(t *testing.T) {
		v, ok := Extract(data, "$.tags[*]")
		require.True(t, ok)
		assert.Equal(t, []any{"a", "b"}, v)
	})

	t.Run("wildcard on non-array", func(t *testing.T) {
		_, ok := Extract(data, "$.device[*]")
		assert.False(t, ok)
	})

	t.Run("invalid path", func(t *testing.T) {
		_, ok := Extract(data, "device")
		assert.False(t, ok)
	})

	t.Run("typed slices", func(t *testing.T) {
		v, ok := Extract(map[string]any{"xs": []int{1, 2, 3}}, "$.xs[2]")
		require.True(t, ok)
		assert.Equal(t, 3, v)
	})
}

func TestField(t *testing.T) {
	ctx := map[string]any{
		"topic": "sensors/room1",
		"payload": map[string]any{
			"temp":  35,
			"items": []any{map[string]any{"id": "x"}},
			"a b":   "spaced",
		},
		"metadata": map[string]string{"direction": "incoming"},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"topic", "sensors/room1", true},
		{"payload.temp", 35, true},
		{"payload.items[0].id", "x", true},
		{"payload['a b']", "spaced", true},
		{"metadata.direction", "incoming", true},
		{"payload.missing", nil, false},
		{"payload.items[3]", nil, false},
		{"topic.deeper", nil, false},
		{"", nil, false},
		{"payload.", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			v, ok := Field(ctx, tc.path)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, v)
			}
		})
	}
}

func TestIsValidField(t *testing.T) {
	assert.True(t, IsValidField("payload.temp"))
	assert.True(t, IsValidField("a[0].b"))
	assert.False(t, IsValidField("a..b"))
	assert.False(t, IsValidField("a[x]"))
	assert.False(t, IsValidField(""))
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"string", "hello", "hello"},
		{"bool", true, "true"},
		{"whole float", float64(35), "35"},
		{"fraction", 21.5, "21.5"},
		{"int", 7, "7"},
		{"array", []any{1, "a"}, `[1,"a"]`},
		{"object", map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatValue(tc.in))
		})
	}
}
