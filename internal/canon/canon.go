// Package canon turns nested records into a byte-stable form and hashes it.
//
// Equivalent inputs (reordered keys, whitespace runs, Unicode composition,
// ignorable style keys, null-valued keys, "hN" heading aliases) produce the
// same bytes. The byte form is compact JSON with keys sorted by code point,
// no insignificant whitespace and no HTML escaping.
//
// Numbers keep the form they arrived in. Integer literals print as exact
// decimal digits at any magnitude; literals with a fraction or exponent print
// like Python's float repr, so 2.0 stays "2.0". Native Go floats have no
// literal: integral ones come out as integers, which differs from a float
// on the Python side.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// styleKeys are presentation-only keys dropped from every mapping.
var styleKeys = map[string]bool{
	"font_family": true,
	"font_size":   true,
	"color":       true,
}

const headingKey = "heading_level"

// Canonicalize returns the normalized tree for v. Maps come back as
// map[string]any, sequences as []any, numbers as json.Number.
func Canonicalize(v any) (any, error) {
	tree, err := toTree(v)
	if err != nil {
		return nil, err
	}
	return normalize(tree), nil
}

// Marshal returns the canonical byte form of v.
func Marshal(v any) ([]byte, error) {
	tree, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex SHA-256 digest of v's canonical form.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeText applies NFC, folds CRLF and CR to LF, trims each line and
// collapses runs of tabs and spaces inside it to one space.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = collapseBlanks(strings.TrimSpace(line))
	}
	return strings.Join(lines, "\n")
}

func collapseBlanks(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	inRun := false
	for _, r := range line {
		if r == ' ' || r == '\t' {
			if !inRun {
				b.WriteByte(' ')
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

// toTree converts arbitrary Go values into the generic JSON tree so structs,
// typed maps and typed slices are treated like their decoded equivalents.
func toTree(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, json.Number, map[string]any, []any:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrNonCanonicalValue, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, domain.WrapEngineError(domain.ErrNonCanonicalValue, err)
	}
	return out, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return NormalizeText(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeNested(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if styleKeys[k] || item == nil {
				continue
			}
			if k == headingKey {
				if depth, ok := headingDepth(item); ok {
					out[k] = depth
					continue
				}
			}
			if val := normalizeNested(item); val != nil {
				out[k] = val
			}
		}
		return out
	default:
		return v
	}
}

// normalizeNested handles values nested in already-decoded trees that may
// still hold native Go scalars such as int or float64.
func normalizeNested(v any) any {
	switch v.(type) {
	case nil, string, bool, json.Number, map[string]any, []any:
		return normalize(v)
	}
	tree, err := toTree(v)
	if err != nil {
		return v
	}
	return normalize(tree)
}

func headingDepth(v any) (json.Number, bool) {
	s, ok := v.(string)
	if !ok || len(s) < 2 || (s[0] != 'h' && s[0] != 'H') {
		return "", false
	}
	digits := s[1:]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return "", false
	}
	return json.Number(strconv.Itoa(n)), true
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, t)
	case json.Number:
		s, err := canonicalNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
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
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return domain.Detail(domain.ErrNonCanonicalValue, "unsupported type %T", v)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// encodeString escapes only the quote, the backslash and C0 controls, the
// same set Python's json.dumps escapes with ensure_ascii=False. U+2028 and
// U+2029 are written raw.
func encodeString(buf *bytes.Buffer, s string) error {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
				continue
			}
			// Invalid UTF-8 decodes to RuneError and is written as U+FFFD.
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return nil
}

// canonicalNumber prints integer literals as exact digits and everything
// else as Python's float repr.
func canonicalNumber(n json.Number) (string, error) {
	lit := string(n)
	if isIntegerLiteral(lit) {
		var i big.Int
		if _, ok := i.SetString(lit, 10); ok {
			return i.String(), nil
		}
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", domain.Detail(domain.ErrNonCanonicalValue, "number %q", lit)
	}
	return floatRepr(f), nil
}

func isIntegerLiteral(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// floatRepr matches Python's repr(float): shortest round-trip digits, fixed
// notation while the decimal point sits in (-4, 16], otherwise exponent form
// with a signed two-digit-minimum exponent.
func floatRepr(f float64) string {
	exp := strconv.FormatFloat(f, 'e', -1, 64)
	e := strings.LastIndexByte(exp, 'e')
	decpt, _ := strconv.Atoi(exp[e+1:])
	decpt++
	if f == 0 || (decpt > -4 && decpt <= 16) {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.ContainsAny(s, ".") {
			s += ".0"
		}
		return s
	}
	return exp
}
