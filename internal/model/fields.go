package model

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

// Field is a single header/value pair from a source row.
type Field struct {
	Key   string
	Value string
}

// Fields is an ordered bag of source columns. Headers are kept verbatim, so
// "Email" and "email" may both be present, and so may exact duplicates.
type Fields []Field

// FoldKey returns the case-folded, trimmed form of a header used for
// case-insensitive lookups. A Caser is stateful, so one is built per call.
func FoldKey(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Get returns the first value whose key matches exactly.
func (f Fields) Get(key string) (string, bool) {
	for _, fl := range f {
		if fl.Key == key {
			return fl.Value, true
		}
	}
	return "", false
}

// Lookup returns the first non-blank value whose key matches any of the given
// names case-insensitively. Names are tried in priority order.
func (f Fields) Lookup(names ...string) string {
	for _, name := range names {
		want := FoldKey(name)
		for _, fl := range f {
			if FoldKey(fl.Key) == want && strings.TrimSpace(fl.Value) != "" {
				return strings.TrimSpace(fl.Value)
			}
		}
	}
	return ""
}

// NonEmpty counts fields holding a non-whitespace value.
func (f Fields) NonEmpty() int {
	n := 0
	for _, fl := range f {
		if strings.TrimSpace(fl.Value) != "" {
			n++
		}
	}
	return n
}

// Keys returns the headers in order, duplicates included.
func (f Fields) Keys() []string {
	keys := make([]string, len(f))
	for i, fl := range f {
		keys[i] = fl.Key
	}
	return keys
}

// Equal reports whether two bags hold the same pairs in the same order.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no backing array with f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	copy(out, f)
	return out
}

// MarshalJSON encodes the bag as a JSON object preserving key order. Exact
// duplicate keys are emitted as repeated members.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fl := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(fl.Key)
		if err != nil {
			return nil, eris.Wrap(err, "fields: marshal key")
		}
		v, err := json.Marshal(fl.Value)
		if err != nil {
			return nil, eris.Wrap(err, "fields: marshal value")
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object token by token so member order and
// duplicates survive.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "fields: read object start")
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return eris.Errorf("fields: expected object, got %v", tok)
	}

	out := Fields{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "fields: read key")
		}
		key, ok := kt.(string)
		if !ok {
			return eris.Errorf("fields: expected string key, got %v", kt)
		}
		var val string
		if err := dec.Decode(&val); err != nil {
			return eris.Wrapf(err, "fields: decode value for %q", key)
		}
		out = append(out, Field{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return eris.Wrap(err, "fields: read object end")
	}
	*f = out
	return nil
}
