// Package sanitize implements the Terminal Sanitizer (spec.md §4.A): a pure
// function over PTY output bytes that strips escape sequences capable of
// deceiving a terminal user or triggering privileged terminal actions,
// while preserving ordinary color and cursor control.
package sanitize

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/width"
)

const (
	esc = 0x1B
	bel = 0x07
	st8 = 0x9C // single-byte String Terminator

	dcsStart8 = 0x90
	pmStart8  = 0x9E
	apcStart8 = 0x9F
	sosStart8 = 0x98
	oscStart8 = 0x9D
)

// oscAllowList holds the OSC numeric codes permitted through unmodified
// (color and palette queries/sets), per spec.md §4.A.
var oscAllowList = map[int]bool{
	4: true, 10: true, 11: true, 12: true,
	17: true, 19: true, 104: true, 110: true, 111: true, 112: true,
}

// ambiguousRunes are bullet/circle code points normalized to their
// text-presentation form so variable-width emoji rendering in a client
// terminal cannot desynchronize column accounting.
var ambiguousRunes = map[rune]bool{
	'•': true, // BULLET
	'○': true, // WHITE CIRCLE
	'●': true, // BLACK CIRCLE
	'■': true, // BLACK SQUARE
	'□': true, // WHITE SQUARE
	'✓': true, // CHECK MARK
	'✔': true, // HEAVY CHECK MARK
}

// textPresentationSelector forces the preceding code point to render at its
// narrow, text-style width (Unicode Variation Selector-15).
const textPresentationSelector = '︎'

// Sanitize strips DCS, APC, PM, SOS, and non-whitelisted OSC sequences from
// b, and normalizes ambiguous-width bullet/circle code points. It is
// idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
//
// It is a pure function over whatever chunk is passed in. An escape
// sequence left incomplete at the end of b (no terminator found) is
// dropped rather than passed through, since a caller may always re-present
// the remaining bytes once more data arrives; this guarantees a dangerous
// completion can never reach a client split across chunk boundaries.
func Sanitize(b []byte) []byte {
	out := make([]byte, 0, len(b))
	i := 0
	for i < len(b) {
		c := b[i]
		switch {
		case c == esc && i+1 < len(b) && b[i+1] == 'P':
			i = skipUntilST(b, i+2)
		case c == esc && i+1 < len(b) && b[i+1] == '_':
			i = skipUntilST(b, i+2)
		case c == esc && i+1 < len(b) && b[i+1] == '^':
			i = skipUntilST(b, i+2)
		case c == esc && i+1 < len(b) && b[i+1] == 'X':
			i = skipUntilST(b, i+2)
		case c == esc && i+1 < len(b) && b[i+1] == ']':
			next, kept := handleOSC(b, i+2)
			out = append(out, kept...)
			i = next
		case c == dcsStart8 || c == pmStart8 || c == apcStart8 || c == sosStart8:
			i = skipUntilST(b, i+1)
		case c == oscStart8:
			next, kept := handleOSC(b, i+1)
			out = append(out, kept...)
			i = next
		default:
			r, size := utf8.DecodeRune(b[i:])
			if r == utf8.RuneError && size <= 1 {
				out = append(out, c)
				i++
				continue
			}
			out = appendRune(out, r)
			i += size
			if isNormalizedBulletOrCircle(r) && !followsVariationSelector(b, i) {
				out = appendRune(out, textPresentationSelector)
			}
		}
	}
	return out
}

func followsVariationSelector(b []byte, i int) bool {
	if i >= len(b) {
		return false
	}
	r, _ := utf8.DecodeRune(b[i:])
	return r == textPresentationSelector || r == '️'
}

func appendRune(out []byte, r rune) []byte {
	var buf [utf8.UTFMax]byte
	n := utf8.EncodeRune(buf[:], r)
	return append(out, buf[:n]...)
}

// skipUntilST returns the index just past an ST terminator (ESC \ or 0x9C)
// starting the search at from, or len(b) if none is found (the unterminated
// tail is dropped).
func skipUntilST(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == st8 {
			return i + 1
		}
		if b[i] == esc && i+1 < len(b) && b[i+1] == '\\' {
			return i + 2
		}
	}
	return len(b)
}

// handleOSC parses an OSC body starting at from (just past the introducer)
// and returns the index just past its terminator along with the bytes that
// should be emitted (empty unless the numeric code is allow-listed, in
// which case the entire sequence including introducer and terminator is
// reconstructed verbatim).
func handleOSC(b []byte, from int) (next int, kept []byte) {
	end := from
	terminatorLen := 0
	for end < len(b) {
		if b[end] == bel {
			terminatorLen = 1
			break
		}
		if b[end] == st8 {
			terminatorLen = 1
			break
		}
		if b[end] == esc && end+1 < len(b) && b[end+1] == '\\' {
			terminatorLen = 2
			break
		}
		end++
	}
	if end >= len(b) {
		return len(b), nil
	}

	body := b[from:end]
	code := parseOSCCode(body)
	if !oscAllowList[code] {
		return end + terminatorLen, nil
	}

	// Reconstruct the full sequence verbatim, including whichever
	// introducer form the caller used.
	seq := make([]byte, 0, (from-0)+len(body)+terminatorLen)
	if from >= 2 && b[from-2] == esc {
		seq = append(seq, esc, ']')
	} else {
		seq = append(seq, oscStart8)
	}
	seq = append(seq, body...)
	seq = append(seq, b[end:end+terminatorLen]...)
	return end + terminatorLen, seq
}

// parseOSCCode extracts the leading numeric code from an OSC body up to the
// first ';', returning -1 if it is not purely numeric.
func parseOSCCode(body []byte) int {
	semi := bytes.IndexByte(body, ';')
	digits := body
	if semi >= 0 {
		digits = body[:semi]
	}
	if len(digits) == 0 {
		return -1
	}
	n := 0
	for _, c := range digits {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// geometricShapesStart and geometricShapesEnd bound the Unicode block
// (U+25A0-U+25FF) containing most
// bullet/circle/square glyphs terminal prompts commonly emit.
const (
	geometricShapesStart = 0x25A0
	geometricShapesEnd   = 0x25FF
)

// isNormalizedBulletOrCircle reports whether r is a bullet/circle-family
// code point whose East Asian width is ambiguous and therefore needs a
// forced text-presentation selector so column accounting stays correct
// across clients with different default renderings. The fixed set below is
// always normalized; any other ambiguous-width glyph in the geometric
// shapes block is handled dynamically via width classification.
func isNormalizedBulletOrCircle(r rune) bool {
	if ambiguousRunes[r] {
		return true
	}
	if r < geometricShapesStart || r > geometricShapesEnd {
		return false
	}
	return width.LookupRune(r).Kind() == width.EastAsianAmbiguous
}
