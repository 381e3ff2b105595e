// Package jsonpath extracts values from decoded message payloads.
//
// Two path dialects are supported. JSON paths start at the root "$" and are
// followed by ".name", "[index]" or "[*]" segments:
//
//	$.sensors[0].temp
//	$.readings[*].value
//
// Field paths are the dotted form used inside rule expressions and select
// lists ("payload.sensors[0].temp"); see Field.
package jsonpath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type segmentKind int

const (
	segName segmentKind = iota
	segIndex
	segWildcard
)

type segment struct {
	kind  segmentKind
	name  string
	index int
}

// IsValidPath reports whether path is a syntactically valid JSON path.
func IsValidPath(path string) bool {
	_, err := parsePath(path)
	return err == nil
}

// Extract walks data along path. A "[*]" segment maps the rest of the path
// over every element of the current array and yields a []any; elements for
// which the rest of the path is missing are left out. Outside a fan-out any
// missing key or out-of-range index makes the whole result absent.
func Extract(data any, path string) (any, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	return walk(data, segs)
}

func walk(v any, segs []segment) (any, bool) {
	if len(segs) == 0 {
		return v, true
	}
	s, rest := segs[0], segs[1:]

	switch s.kind {
	case segName:
		next, ok := key(v, s.name)
		if !ok {
			return nil, false
		}
		return walk(next, rest)
	case segIndex:
		next, ok := index(v, s.index)
		if !ok {
			return nil, false
		}
		return walk(next, rest)
	default:
		items, ok := elements(v)
		if !ok {
			return nil, false
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			if r, ok := walk(item, rest); ok {
				out = append(out, r)
			}
		}
		return out, true
	}
}

func parsePath(path string) ([]segment, error) {
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("path must start with '$'")
	}

	var segs []segment
	i := 1
	for i < len(path) {
		switch path[i] {
		case '.':
			j := i + 1
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("empty name at offset %d", i)
			}
			segs = append(segs, segment{kind: segName, name: path[i+1 : j]})
			i = j
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated '[' at offset %d", i)
			}
			inner := path[i+1 : i+end]
			if inner == "*" {
				segs = append(segs, segment{kind: segWildcard})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 || strings.HasPrefix(inner, "+") {
					return nil, fmt.Errorf("invalid index %q at offset %d", inner, i)
				}
				segs = append(segs, segment{kind: segIndex, index: n})
			}
			i += end + 1
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", path[i], i)
		}
	}
	return segs, nil
}

// FormatValue renders v for display: scalars in their natural text form,
// arrays and objects as compact JSON.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	case []byte:
		return string(val)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
