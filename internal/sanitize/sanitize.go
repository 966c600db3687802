// Package sanitize cleans text that reaches the synthesizer. Output often
// comes from terminal commands and carries escape sequences that engines
// would otherwise read aloud.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxEscapeScan bounds the search for the final byte of a CSI sequence.
const maxEscapeScan = 64

// TruncateUTF8 truncates s to at most maxBytes bytes without splitting UTF-8 runes.
func TruncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	truncated := s[:maxBytes]
	for len(truncated) > 0 && !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated
}

// StripControlChars removes ANSI escape sequences and non-printable control
// characters from s. Newline and tab are kept.
func StripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		// CSI: ESC [ ... final byte in 0x40-0x7E.
		if i+1 < len(s) && s[i] == '\x1b' && s[i+1] == '[' {
			j := i + 2
			maxJ := min(j+maxEscapeScan, len(s))
			for j < maxJ && (s[j] < 0x40 || s[j] > 0x7E) {
				j++
			}
			if j < len(s) && s[j] >= 0x40 && s[j] <= 0x7E {
				j++
			}
			i = j
			continue
		}
		// OSC: ESC ] ... terminated by BEL or ESC \.
		if i+1 < len(s) && s[i] == '\x1b' && s[i+1] == ']' {
			j := i + 2
			for j < len(s) {
				if s[j] == '\x07' {
					j++
					break
				}
				if j+1 < len(s) && s[j] == '\x1b' && s[j+1] == '\\' {
					j += 2
					break
				}
				j++
			}
			i = j
			continue
		}
		if s[i] == '\x1b' {
			i = min(i+2, len(s))
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == '\n' || r == '\t' || (r >= ' ' && !unicode.IsControl(r)) {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

// ForSpeech prepares plain text for an engine: control sequences are removed,
// tabs become spaces, surrounding whitespace is trimmed and the result is
// capped at maxRunes. A non-positive maxRunes disables the cap.
func ForSpeech(s string, maxRunes int) string {
	s = strings.TrimSpace(strings.ReplaceAll(StripControlChars(s), "\t", " "))
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:maxRunes]))
}
