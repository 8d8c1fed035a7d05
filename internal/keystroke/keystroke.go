// Package keystroke estimates how many key presses the keyboard-emulation
// firmware needs to type a piece of text, and how often it has to toggle
// between Latin and Korean (dubeolsik) input modes.
package keystroke

import "strings"

const (
	hangulBase  = 0xAC00
	hangulLast  = 0xD7A3
	jungCount   = 21
	jongCount   = 28
	syllableSet = jungCount * jongCount
)

// Dubeolsik jamo tables. They must match the firmware's tables byte for byte.
var (
	choKeys = [19]string{
		"r", "R", "s", "e", "E", "f", "a", "q", "Q", "t", "T", "d", "w", "W", "c", "z", "x", "v", "g",
	}
	jungKeys = [21]string{
		"k", "o", "i", "O", "j", "p", "u", "P", "h", "hk", "ho", "hl", "y", "n", "nj", "np", "nl", "b", "m", "ml", "l",
	}
	jongKeys = [28]string{
		"", "r", "R", "rt", "s", "sw", "sg", "e", "f", "fr", "fa", "fq", "ft", "fx", "fv", "fg", "a", "q", "qt", "t", "T", "d", "w", "c", "z", "x", "v", "g",
	}
)

// Cost is the device-side work for a piece of text.
type Cost struct {
	Keystrokes   uint64
	ModeSwitches uint64
}

// Syllable is a decomposed precomposed Hangul syllable.
type Syllable struct {
	Cho, Jung, Jong int
}

// IsHangul reports whether r is a precomposed Hangul syllable.
func IsHangul(r rune) bool {
	return r >= hangulBase && r <= hangulLast
}

// Decompose splits a Hangul syllable into its initial, medial and final
// indices. ok is false for any other rune.
func Decompose(r rune) (s Syllable, ok bool) {
	if !IsHangul(r) {
		return Syllable{}, false
	}
	code := int(r - hangulBase)
	return Syllable{
		Cho:  code / syllableSet,
		Jung: (code % syllableSet) / jongCount,
		Jong: code % jongCount,
	}, true
}

// Rune re-encodes the syllable.
func (s Syllable) Rune() rune {
	return rune(s.Cho*syllableSet+s.Jung*jongCount+s.Jong) + hangulBase
}

// Keys returns the Latin key sequence the firmware types for the syllable.
func (s Syllable) Keys() string {
	return choKeys[s.Cho] + jungKeys[s.Jung] + jongKeys[s.Jong]
}

// Estimate walks text once and returns its keystroke and mode-switch counts.
// Line endings are normalized to "\n" first. Runes that are neither ASCII
// nor Hangul cost one keystroke in Latin mode.
func Estimate(text string) Cost {
	text = NormalizeNewlines(text)

	var c Cost
	korean := false
	for _, r := range text {
		if !IsHangul(r) {
			if korean {
				c.ModeSwitches++
				korean = false
			}
			c.Keystrokes++
			continue
		}
		if !korean {
			c.ModeSwitches++
			korean = true
		}
		s, _ := Decompose(r)
		c.Keystrokes += uint64(len(choKeys[s.Cho]) + len(jungKeys[s.Jung]))
		if s.Jong != 0 {
			c.Keystrokes += uint64(len(jongKeys[s.Jong]))
		}
	}
	return c
}

// NormalizeNewlines converts CRLF and lone CR to LF.
func NormalizeNewlines(text string) string {
	if !strings.ContainsRune(text, '\r') {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// Supported reports whether the firmware can type r.
func Supported(r rune) bool {
	return r <= 0x7F || IsHangul(r)
}

// DefaultReplacement stands in for unsupported runes.
const DefaultReplacement = "[?]"

// Prepared is text ready for the firmware.
type Prepared struct {
	Text     string
	Replaced int
}

// Prepare replaces every unsupported rune with replacement and, when
// trimIndent is set, drops leading spaces and tabs of every line.
// An empty replacement falls back to DefaultReplacement.
func Prepare(text, replacement string, trimIndent bool) Prepared {
	if replacement == "" {
		replacement = DefaultReplacement
	}
	if trimIndent {
		text = trimLineIndent(text)
	}

	var b strings.Builder
	b.Grow(len(text))
	n := 0
	for _, r := range text {
		if Supported(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteString(replacement)
		n++
	}
	return Prepared{Text: b.String(), Replaced: n}
}

func trimLineIndent(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimLeft(line, " \t")
	}
	return strings.Join(lines, "\n")
}
