package jsonpath

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Field navigates a dotted path such as "payload.items[0].name" into data.
// Bracketed segments may hold an index or a quoted key ("a['b c']").
// The second return value is false when any step of the path is missing.
func Field(data any, path string) (any, bool) {
	segs, err := parseFieldPath(path)
	if err != nil {
		return nil, false
	}
	current := data
	for _, s := range segs {
		var ok bool
		if s.kind == segIndex {
			current, ok = index(current, s.index)
		} else {
			current, ok = key(current, s.name)
		}
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// IsValidField reports whether path is a well-formed dotted field path.
func IsValidField(path string) bool {
	_, err := parseFieldPath(path)
	return err == nil
}

func parseFieldPath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty field path")
	}

	var segs []segment
	i := 0
	expectName := true
	for i < len(path) {
		switch c := path[i]; {
		case c == '.':
			if expectName {
				return nil, fmt.Errorf("empty segment at offset %d", i)
			}
			expectName = true
			i++
		case c == '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated '[' at offset %d", i)
			}
			inner := path[i+1 : i+end]
			seg, err := bracketSegment(inner)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			expectName = false
			i += end + 1
		default:
			if !expectName {
				return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
			}
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segs = append(segs, segment{kind: segName, name: path[i:j]})
			expectName = false
			i = j
		}
	}
	if expectName {
		return nil, fmt.Errorf("path ends with '.'")
	}
	return segs, nil
}

func bracketSegment(inner string) (segment, error) {
	if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
		return segment{kind: segName, name: inner[1 : len(inner)-1]}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return segment{}, fmt.Errorf("invalid index %q", inner)
	}
	return segment{kind: segIndex, index: n}, nil
}

// key looks up name in a string-keyed map.
func key(v any, name string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		val, ok := m[name]
		return val, ok
	case map[string]string:
		val, ok := m[name]
		return val, ok
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	val := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
	if !val.IsValid() {
		return nil, false
	}
	return val.Interface(), true
}

// index looks up position i in a slice or array.
func index(v any, i int) (any, bool) {
	if s, ok := v.([]any); ok {
		if i >= len(s) {
			return nil, false
		}
		return s[i], true
	}
	items, ok := elements(v)
	if !ok || i >= len(items) {
		return nil, false
	}
	return items[i], true
}

// elements returns the members of a slice or array value.
func elements(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	// []byte is a payload blob, not a list.
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
