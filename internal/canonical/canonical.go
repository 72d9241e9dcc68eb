// Package canonical produces stable byte representations of arbitrary values
// for hashing. Two values that decode to the same JSON document always yield
// identical bytes, regardless of map iteration or struct field order.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Marshal returns the canonical JSON encoding of v.
//
// Object keys are sorted, HTML characters are not escaped, strings are NFC
// normalized and numbers are re-encoded from their parsed value, so "1.0"
// and "1" canonicalize identically.
func Marshal(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return Normalize(raw)
}

// Normalize re-encodes an existing JSON document into canonical form.
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after document")
	}

	var buf bytes.Buffer
	if err := write(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func write(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case json.Number:
		return writeNumber(buf, val)
	case string:
		s, err := encode(norm.NFC.String(val))
		if err != nil {
			return fmt.Errorf("canonical: string: %w", err)
		}
		buf.Write(s)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := encode(norm.NFC.String(k))
			if err != nil {
				return fmt.Errorf("canonical: key %q: %w", k, err)
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := write(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical: number %q: %w", n.String(), err)
	}
	// Integral floats ("2.0", "1e3") collapse onto the integer form.
	if f >= -1<<53 && f <= 1<<53 && f == float64(int64(f)) {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	out, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("canonical: number %q: %w", n.String(), err)
	}
	buf.Write(out)
	return nil
}

// encode is json.Marshal without HTML escaping and without the trailing
// newline json.Encoder appends.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
