package rule

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Field is one selected (key, value) pair.
type Field struct {
	Key   string
	Value any
}

// Result holds the fields a rule selected, in select order.
type Result []Field

// Get returns the value stored under key.
func (r Result) Get(key string) (any, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Keys returns the keys in order.
func (r Result) Keys() []string {
	keys := make([]string, len(r))
	for i, f := range r {
		keys[i] = f.Key
	}
	return keys
}

// Map returns the result as an unordered map.
func (r Result) Map() map[string]any {
	out := make(map[string]any, len(r))
	for _, f := range r {
		out[f.Key] = f.Value
	}
	return out
}

// MarshalJSON encodes the result as a JSON object whose keys keep select
// order.
func (r Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (r *Result) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("rule result: expected a JSON object")
	}
	out := Result{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var val any
		if err := dec.Decode(&val); err != nil {
			return err
		}
		out = append(out, Field{Key: key, Value: val})
	}
	*r = out
	return nil
}
