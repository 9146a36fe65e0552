// Package c14n implements the canonical JSON encoding ("c14n v1") that every
// hashed or signed object in CDIL is serialized with.
//
// The encoder is the root of trust for the integrity chain and for every
// signature: the same value must produce the same bytes across runs, across
// processes, and across platforms. Any change to the rules below is a new
// canonicalization version and requires a coordinated migration of every
// stored signature.
//
// Rules (frozen):
//
//   - Value space: null, bool, integer, finite float64, string, []any,
//     []string, map[string]any. Anything else is a hard error.
//   - No whitespace outside strings.
//   - Object keys sort in code-point ascending order.
//   - Array order is preserved verbatim.
//   - Strings escape `"`, `\` and control characters only; all other Unicode
//     passes through as UTF-8. Invalid UTF-8 is a hard error.
//   - Integers emit minimal decimal form. json.Number literals are normalized:
//     int64/uint64 range emits the integer form, everything else parses as
//     float64 or fails. Integral float64 values emit as integers; other finite
//     floats emit strconv.FormatFloat(f, 'g', -1, 64). NaN and ±Inf are hard
//     errors.
package c14n

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

var (
	// ErrUnsupportedType reports a value outside the canonical value space.
	ErrUnsupportedType = errors.New("c14n: unsupported type")
	// ErrNonFiniteNumber reports NaN or ±Inf.
	ErrNonFiniteNumber = errors.New("c14n: non-finite number")
	// ErrInvalidNumber reports a json.Number literal that is not a valid
	// finite JSON number.
	ErrInvalidNumber = errors.New("c14n: invalid number literal")
	// ErrInvalidUTF8 reports a string that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("c14n: invalid UTF-8 string")
	// ErrTrailingData reports extra content after the first JSON value.
	ErrTrailingData = errors.New("c14n: trailing data after JSON value")
)

// Encode serializes v into its canonical byte form.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for values the caller guarantees are in the value
// space. It panics otherwise and is intended for static payloads in tests.
func MustEncode(v any) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// FromJSON parses external JSON text into the canonical value space. Number
// literals are retained for normalization by Encode; trailing content after
// the first value is rejected.
func FromJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("c14n: parse: %w", err)
	}
	if dec.More() {
		return nil, ErrTrailingData
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case string:
		return encodeString(buf, t)
	case json.Number:
		return encodeNumberLiteral(buf, t)
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case float64:
		return encodeFloat(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

// encodeString writes the JSON string form of s. Escaping is minimal: the
// two mandatory characters, the five short control escapes, and \u00xx for
// the remaining control range. Everything else is passed through as UTF-8.
func encodeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %.20q", ErrInvalidUTF8, s)
	}
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

// encodeNumberLiteral normalizes a parsed JSON number literal. Integer-valued
// literals ("7", "1.0", "1e2") all emit the minimal integer form so that
// Encode(FromJSON(Encode(v))) == Encode(v) holds.
func encodeNumberLiteral(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatUint(u, 10))
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return encodeFloat(buf, f)
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNonFiniteNumber
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
