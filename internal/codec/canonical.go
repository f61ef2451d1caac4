// Package codec implements the canonical JSON encoding that is the
// signing contract shared by the server, the CLI, and the browser
// client: given a document's "signable view" (every field except the
// signature and any server-derived fields), it produces a
// deterministic byte string that is exactly what gets fed to Ed25519
// sign/verify.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SignableView marshals doc to JSON and back into a generic map,
// then deletes the named fields (typically "signature" plus any
// server-derived fields such as stored scores or timestamps). The
// result is suitable input to Canonical.
func SignableView(doc interface{}, exclude ...string) (map[string]interface{}, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal signable view: %w", err)
	}
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("codec: decode signable view: %w", err)
	}
	for _, k := range exclude {
		delete(m, k)
	}
	return m, nil
}

// Canonical encodes v deterministically: object keys with null values
// are dropped, remaining object keys are sorted lexicographically,
// array order is preserved, the output has no whitespace and no
// trailing newline, and any non-ASCII rune is escaped as a lowercase
// \uXXXX sequence. v must be JSON-representable (a struct, map,
// slice, or a tree of those produced by SignableView); cyclic or
// otherwise non-marshalable inputs return an error.
func Canonical(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: value is not JSON-representable: %w", err)
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("codec: decode intermediate form: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, val)
	case string:
		encodeString(buf, val)
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k, fv := range val {
			if fv == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encodeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("codec: non-JSON-representable value of type %T", v)
	}
}

// encodeNumber writes n in the shortest round-trippable form. Valid
// JSON number text has no redundant digits, so an integer-looking
// token is written through unchanged; anything with a fractional or
// exponent part is reformatted via strconv for determinism.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		buf.WriteString(s)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("codec: invalid number %q: %w", s, err)
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			fmt.Fprintf(buf, `\u%04x`, r)
		case r < 0x7f:
			buf.WriteByte(byte(r))
		case r <= 0xffff:
			fmt.Fprintf(buf, `\u%04x`, r)
		default:
			r -= 0x10000
			hi := 0xd800 + (r >> 10)
			lo := 0xdc00 + (r & 0x3ff)
			fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
		}
	}
	buf.WriteByte('"')
}
