package c14n

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestEncode_Sorting(t *testing.T) {
	in := map[string]any{"zebra": 1, "apple": 2, "mango": 3}
	got, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"apple":2,"mango":3,"zebra":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEncode_RecursiveSorting(t *testing.T) {
	in := map[string]any{
		"outer": map[string]any{"z": true, "a": false},
		"list":  []any{map[string]any{"y": 1, "x": 2}},
	}
	got, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"list":[{"x":2,"y":1}],"outer":{"a":false,"z":true}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEncode_SequenceOrderPreserved(t *testing.T) {
	in := []any{"c", "a", "b", 3, 1, 2}
	got, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `["c","a","b",3,1,2]`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEncode_NoHTMLEscaping(t *testing.T) {
	got, err := Encode(map[string]any{"k": "<a>&</a>"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"k":"<a>&</a>"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEncode_UnicodePassthrough(t *testing.T) {
	got, err := Encode("héllo 世界 ☃")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `"héllo 世界 ☃"`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if strings.Contains(string(got), `\u`) {
		t.Errorf("non-ASCII must not be \\u-folded: %s", got)
	}
}

func TestEncode_ControlEscapes(t *testing.T) {
	got, err := Encode("a\"b\\c\bd\fe\nf\rg\th\x01i")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `"a\"b\\c\bd\fe\nf\rg\th\u0001i"`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestEncode_NumberForms(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"int", 7, "7"},
		{"int64", int64(-9007199254740993), "-9007199254740993"},
		{"uint64 above int64", uint64(math.MaxInt64) + 1, "9223372036854775808"},
		{"integral float", 3.0, "3"},
		{"negative zero float", math.Copysign(0, -1), "0"},
		{"fraction", 0.5, "0.5"},
		{"number literal int", json.Number("42"), "42"},
		{"number literal normalized", json.Number("1.0"), "1"},
		{"number literal exponent", json.Number("1e2"), "100"},
		{"number literal big int kept exact", json.Number("9007199254740993"), "9007199254740993"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Encode(tc.in)
			if err != nil {
				t.Fatalf("Encode(%v): %v", tc.in, err)
			}
			if string(got) != tc.want {
				t.Errorf("Encode(%v) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestEncode_HardFailures(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want error
	}{
		{"nan", math.NaN(), ErrNonFiniteNumber},
		{"positive inf", math.Inf(1), ErrNonFiniteNumber},
		{"negative inf", math.Inf(-1), ErrNonFiniteNumber},
		{"nan in map", map[string]any{"x": math.NaN()}, ErrNonFiniteNumber},
		{"bad number literal", json.Number("not-a-number"), ErrInvalidNumber},
		{"struct", struct{ A int }{1}, ErrUnsupportedType},
		{"time", time.Now(), ErrUnsupportedType},
		{"float32", float32(1.5), ErrUnsupportedType},
		{"non-string keys", map[int]any{1: "x"}, ErrUnsupportedType},
		{"channel", make(chan int), ErrUnsupportedType},
		{"invalid utf8", string([]byte{0xff, 0xfe}), ErrInvalidUTF8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Encode(tc.in); !errors.Is(err, tc.want) {
				t.Errorf("Encode error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncode_Determinism(t *testing.T) {
	in := map[string]any{
		"b": []any{1, 2, 3},
		"a": map[string]any{"nested": "value", "another": true},
		"c": nil,
	}
	first, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := 0; i < 100; i++ {
		again, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("run %d diverged: %s vs %s", i, again, first)
		}
	}
}

func TestFromJSON_EncodeFixpoint(t *testing.T) {
	raws := []string{
		`{"z":1,"a":{"k":[1,2.5,"x",null,true]},"n":1e3}`,
		`[1.0, 2, "three", {"b":false,"a":null}]`,
		`"plain"`,
		`1.25`,
		`null`,
	}
	for _, raw := range raws {
		v, err := FromJSON([]byte(raw))
		if err != nil {
			t.Fatalf("FromJSON(%s): %v", raw, err)
		}
		once, err := Encode(v)
		if err != nil {
			t.Fatalf("Encode(%s): %v", raw, err)
		}
		v2, err := FromJSON(once)
		if err != nil {
			t.Fatalf("FromJSON(round): %v", err)
		}
		twice, err := Encode(v2)
		if err != nil {
			t.Fatalf("Encode(round): %v", err)
		}
		if string(once) != string(twice) {
			t.Errorf("fixpoint broken for %s: %s vs %s", raw, once, twice)
		}
	}
}

func TestFromJSON_TrailingData(t *testing.T) {
	if _, err := FromJSON([]byte(`{"a":1} {"b":2}`)); !errors.Is(err, ErrTrailingData) {
		t.Errorf("err = %v, want ErrTrailingData", err)
	}
}

func TestFromJSON_Invalid(t *testing.T) {
	if _, err := FromJSON([]byte(`{"a":`)); err == nil {
		t.Error("truncated JSON must fail")
	}
}

func TestHashValue_KnownVector(t *testing.T) {
	v := map[string]any{
		"c": map[string]any{"d": 0.5},
		"a": 1,
		"b": []any{true, nil, "x"},
	}
	got, err := HashValue(v)
	if err != nil {
		t.Fatalf("HashValue: %v", err)
	}
	// SHA-256 of {"a":1,"b":[true,null,"x"],"c":{"d":0.5}}
	want := "f3d5e979bf69a16afce0536340fdd52600ca9ce22e7acbfbc3f7b0090b77dace"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestHashBytes_KnownVector(t *testing.T) {
	got := HashBytes([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestPrefixHelpers(t *testing.T) {
	digest := HashBytes([]byte("x"))
	prefixed := WithPrefix(digest)
	if !strings.HasPrefix(prefixed, "sha256:") {
		t.Errorf("WithPrefix missing marker: %s", prefixed)
	}
	if StripPrefix(prefixed) != digest {
		t.Errorf("StripPrefix(%s) = %s", prefixed, StripPrefix(prefixed))
	}
	if got := Prefix16(prefixed); got != digest[:16] {
		t.Errorf("Prefix16 = %s, want %s", got, digest[:16])
	}
	if got := Prefix16("abc"); got != "abc" {
		t.Errorf("Prefix16 short input = %s", got)
	}
}

func TestCanonicalizeRawJSON_AgreesWithEncode(t *testing.T) {
	raw := []byte("{\n  \"z\": \"last\",\n  \"a\": 17,\n  \"m\": [true, null, \"<&>\"]\n}")
	viaJCS, err := CanonicalizeRawJSON(raw)
	if err != nil {
		t.Fatalf("CanonicalizeRawJSON: %v", err)
	}
	v, err := FromJSON(raw)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	viaEncode, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(viaJCS) != string(viaEncode) {
		t.Errorf("RFC 8785 and c14n v1 disagree:\n jcs: %s\nours: %s", viaJCS, viaEncode)
	}
}
