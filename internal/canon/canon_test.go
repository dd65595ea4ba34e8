package canon

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

func TestHash_EquivalentPayloadsMatch(t *testing.T) {
	a := map[string]any{
		"title":         "Café",
		"font_family":   "Arial",
		"heading_level": "h2",
		"lines":         []any{"  hello   world  "},
		"optional":      nil,
	}
	b := map[string]any{
		"lines":         []string{"hello world"},
		"heading_level": 2,
		"title":         "Café",
		"font_family":   "Times New Roman",
	}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHash_ReorderedNestedKeys(t *testing.T) {
	a := map[string]any{"b": 2, "a": map[string]any{"y": 2, "x": 1}}
	b := map[string]any{"a": map[string]any{"x": 1, "y": 2}, "b": 2}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHash_ChangesWhenContentChanges(t *testing.T) {
	ha, err := Hash(map[string]any{"a": 1})
	require.NoError(t, err)
	hb, err := Hash(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestHash_StyleKeysIgnoredAtAnyDepth(t *testing.T) {
	a := map[string]any{"blocks": []any{map[string]any{"text": "x", "color": "red", "font_size": 12}}}
	b := map[string]any{"blocks": []any{map[string]any{"text": "x", "color": "blue"}}}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestMarshal_ByteForm(t *testing.T) {
	got, err := Marshal(map[string]any{
		"z":    "a<b>&c",
		"a":    []any{1, 2.5, true, nil},
		"m":    map[string]any{"k": "v"},
		"skip": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2.5,true,null],"m":{"k":"v"},"z":"a<b>&c"}`, string(got))
}

func TestMarshal_NativeIntegralFloatsPrintAsIntegers(t *testing.T) {
	a, err := Marshal(map[string]any{"n": 2.0})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
	assert.Equal(t, `{"n":2}`, string(a))
}

func TestMarshal_NumberLiterals(t *testing.T) {
	tests := []struct {
		lit  string
		want string
	}{
		{"2", "2"},
		{"-0", "0"},
		{"2.0", "2.0"},
		{"2e0", "2.0"},
		{"2.5", "2.5"},
		{"0.1", "0.1"},
		{"-0.0", "-0.0"},
		{"1e15", "1000000000000000.0"},
		{"1e16", "1e+16"},
		{"0.0001", "0.0001"},
		{"0.00001", "1e-05"},
		{"1.5e300", "1.5e+300"},
		{"123456789.125", "123456789.125"},
		{"12345678901234567891", "12345678901234567891"},
		{"-98765432109876543210987", "-98765432109876543210987"},
	}
	for _, tc := range tests {
		t.Run(tc.lit, func(t *testing.T) {
			got, err := Marshal(map[string]any{"n": json.Number(tc.lit)})
			require.NoError(t, err)
			assert.Equal(t, `{"n":`+tc.want+`}`, string(got))
		})
	}
}

func TestHash_LargeIntegersStayDistinct(t *testing.T) {
	decode := func(raw string) any {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var v any
		require.NoError(t, dec.Decode(&v))
		return v
	}
	a, err := Hash(decode(`{"n":12345678901234567891}`))
	require.NoError(t, err)
	b, err := Hash(decode(`{"n":12345678901234567892}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMarshal_StringEscapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"line separators stay raw", "a\u2028b\u2029c", "\"a\u2028b\u2029c\""},
		{"html stays raw", "<a&b>", `"<a&b>"`},
		{"quote and backslash", `say "hi" \ bye`, `"say \"hi\" \\ bye"`},
		{"named controls", "a\bb\fc", `"a\bb\fc"`},
		{"other controls", "a\x01b\x1fc", `"a\u0001b\u001fc"`},
		{"delete stays raw", "a\x7fb", "\"a\x7fb\""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestMarshal_Structs(t *testing.T) {
	type doc struct {
		Title string `json:"title"`
		Color string `json:"color"`
	}
	got, err := Marshal(doc{Title: " Hello\t\tthere ", Color: "red"})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Hello there"}`, string(got))
}

func TestMarshal_RejectsNonFiniteNumbers(t *testing.T) {
	_, err := Marshal(map[string]any{"n": math.Inf(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNonCanonicalValue))
}

func TestHeadingLevel(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"lower alias", "h3", `{"heading_level":3}`},
		{"upper alias", "H1", `{"heading_level":1}`},
		{"integer", 4, `{"heading_level":4}`},
		{"not an alias", "header", `{"heading_level":"header"}`},
		{"bare h", "h", `{"heading_level":"h"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(map[string]any{"heading_level": tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "a\r\nb", "a\nb"},
		{"cr", "a\rb", "a\nb"},
		{"runs", "  a \t  b  ", "a b"},
		{"per line", " a  b \n  c\t d ", "a b\nc d"},
		{"nfc", "é", "é"},
		{"blank lines kept", "a\n\n b", "a\n\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.in))
		})
	}
}

func TestCanonicalize_DoesNotMutateInput(t *testing.T) {
	in := map[string]any{"title": "  x  ", "color": "red"}
	_, err := Canonicalize(in)
	require.NoError(t, err)
	assert.Equal(t, "  x  ", in["title"])
	assert.Equal(t, "red", in["color"])
}
