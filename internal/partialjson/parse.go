// Package partialjson parses truncated JSON documents. Providers stream
// tool-call arguments as incremental string fragments; this parser turns any
// prefix of the final document into a usable value for live display without
// waiting for the stream to finish.
package partialjson

import (
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Parse returns the best-effort value encoded by a possibly-truncated JSON
// document. Open objects and arrays are closed implicitly. A trailing token
// that could still grow (a number, or a literal like "tru") is dropped, as is
// an object member whose key or separator has not fully arrived. An
// unterminated string in value position keeps its content so far. The boolean
// is false when nothing interpretable has arrived yet.
//
// For any prefix of a valid document the result never invents structure: every
// field and element present also appears in the full parse, with string values
// possibly shortened.
func Parse(data string) (any, bool) {
	sc := &scanner{s: data}
	v, st := sc.value()
	if st == stateIncomplete {
		return nil, false
	}
	return v, true
}

// Object is Parse restricted to object documents, the shape of tool-call
// arguments. It returns nil until the opening brace has arrived.
func Object(data string) map[string]any {
	v, ok := Parse(data)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

type state int

const (
	// stateComplete means the value is fully terminated in the input.
	stateComplete state = iota
	// statePartial means the input ended inside the value but a usable
	// best-effort interpretation exists.
	statePartial
	// stateIncomplete means the value cannot be interpreted yet and the
	// caller should drop it.
	stateIncomplete
)

type scanner struct {
	s string
	i int
}

func (sc *scanner) eof() bool { return sc.i >= len(sc.s) }

func (sc *scanner) ws() {
	for !sc.eof() {
		switch sc.s[sc.i] {
		case ' ', '\t', '\n', '\r':
			sc.i++
		default:
			return
		}
	}
}

func (sc *scanner) value() (any, state) {
	sc.ws()
	if sc.eof() {
		return nil, stateIncomplete
	}
	switch c := sc.s[sc.i]; {
	case c == '{':
		return sc.object()
	case c == '[':
		return sc.array()
	case c == '"':
		s, st := sc.str()
		return s, st
	case c == 't':
		return sc.literal("true", true)
	case c == 'f':
		return sc.literal("false", false)
	case c == 'n':
		return sc.literal("null", nil)
	case c == '-' || (c >= '0' && c <= '9'):
		return sc.number()
	default:
		return nil, stateIncomplete
	}
}

func (sc *scanner) literal(word string, v any) (any, state) {
	rest := sc.s[sc.i:]
	if strings.HasPrefix(rest, word) {
		sc.i += len(word)
		return v, stateComplete
	}
	sc.i = len(sc.s)
	return nil, stateIncomplete
}

func isNumberChar(c byte) bool {
	return c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}

// number is complete only when followed by a delimiter: a number cut at end
// of input might still grow another digit.
func (sc *scanner) number() (any, state) {
	start := sc.i
	for !sc.eof() && isNumberChar(sc.s[sc.i]) {
		sc.i++
	}
	if sc.i == len(sc.s) {
		return nil, stateIncomplete
	}
	f, err := strconv.ParseFloat(sc.s[start:sc.i], 64)
	if err != nil {
		return nil, stateIncomplete
	}
	return f, stateComplete
}

func (sc *scanner) str() (string, state) {
	sc.i++
	var sb strings.Builder
	for !sc.eof() {
		c := sc.s[sc.i]
		if c == '"' {
			sc.i++
			return sb.String(), stateComplete
		}
		if c != '\\' {
			sb.WriteByte(c)
			sc.i++
			continue
		}
		if sc.i+1 >= len(sc.s) {
			sc.i = len(sc.s)
			return trimPartialRune(sb.String()), statePartial
		}
		switch esc := sc.s[sc.i+1]; esc {
		case '"', '\\', '/':
			sb.WriteByte(esc)
			sc.i += 2
		case 'b':
			sb.WriteByte('\b')
			sc.i += 2
		case 'f':
			sb.WriteByte('\f')
			sc.i += 2
		case 'n':
			sb.WriteByte('\n')
			sc.i += 2
		case 'r':
			sb.WriteByte('\r')
			sc.i += 2
		case 't':
			sb.WriteByte('\t')
			sc.i += 2
		case 'u':
			r, n, ok := sc.unicodeEscape()
			if !ok {
				sc.i = len(sc.s)
				return trimPartialRune(sb.String()), statePartial
			}
			sb.WriteRune(r)
			sc.i += n
		default:
			sc.i = len(sc.s)
			return trimPartialRune(sb.String()), statePartial
		}
	}
	return trimPartialRune(sb.String()), statePartial
}

// unicodeEscape decodes \uXXXX at sc.i, pairing surrogates. ok is false when
// the input ends before the escape (or the low half of a surrogate pair) has
// fully arrived, in which case the caller drops the escape.
func (sc *scanner) unicodeEscape() (rune, int, bool) {
	if sc.i+6 > len(sc.s) {
		return 0, 0, false
	}
	hi, err := strconv.ParseUint(sc.s[sc.i+2:sc.i+6], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	r := rune(hi)
	if !utf16.IsSurrogate(r) {
		return r, 6, true
	}
	if r >= 0xDC00 {
		// Lone low surrogate, matches encoding/json behaviour.
		return utf8.RuneError, 6, true
	}
	// High surrogate: the pair may still be in flight.
	if sc.i+12 > len(sc.s) {
		return 0, 0, false
	}
	if sc.s[sc.i+6] != '\\' || sc.s[sc.i+7] != 'u' {
		return utf8.RuneError, 6, true
	}
	lo, err := strconv.ParseUint(sc.s[sc.i+8:sc.i+12], 16, 32)
	if err != nil {
		return utf8.RuneError, 6, true
	}
	combined := utf16.DecodeRune(r, rune(lo))
	if combined == utf8.RuneError {
		return utf8.RuneError, 6, true
	}
	return combined, 12, true
}

// trimPartialRune strips a trailing truncated UTF-8 sequence from a string
// cut at an arbitrary byte boundary.
func trimPartialRune(s string) string {
	for n := 0; n < 3 && len(s) > 0; n++ {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			return s
		}
		s = s[:len(s)-1]
	}
	return s
}

func (sc *scanner) object() (any, state) {
	sc.i++
	obj := map[string]any{}
	for {
		sc.ws()
		if sc.eof() {
			return obj, statePartial
		}
		switch sc.s[sc.i] {
		case '}':
			sc.i++
			return obj, stateComplete
		case ',':
			sc.i++
			continue
		}
		if sc.s[sc.i] != '"' {
			return obj, statePartial
		}
		key, st := sc.str()
		if st != stateComplete {
			return obj, statePartial
		}
		sc.ws()
		if sc.eof() || sc.s[sc.i] != ':' {
			return obj, statePartial
		}
		sc.i++
		v, vst := sc.value()
		switch vst {
		case stateComplete:
			obj[key] = v
		case statePartial:
			obj[key] = v
			return obj, statePartial
		case stateIncomplete:
			return obj, statePartial
		}
	}
}

func (sc *scanner) array() (any, state) {
	sc.i++
	arr := []any{}
	for {
		sc.ws()
		if sc.eof() {
			return arr, statePartial
		}
		switch sc.s[sc.i] {
		case ']':
			sc.i++
			return arr, stateComplete
		case ',':
			sc.i++
			continue
		}
		v, st := sc.value()
		switch st {
		case stateComplete:
			arr = append(arr, v)
		case statePartial:
			arr = append(arr, v)
			return arr, statePartial
		case stateIncomplete:
			return arr, statePartial
		}
	}
}
