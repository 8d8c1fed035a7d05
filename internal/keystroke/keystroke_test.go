package keystroke

import (
	"strings"
	"testing"
)

func TestEstimateASCII(t *testing.T) {
	for _, text := range []string{"", "Hi", "bf_tmp_append 'QUJD'", strings.Repeat("x", 1000)} {
		got := Estimate(text)
		if got.ModeSwitches != 0 {
			t.Errorf("Estimate(%q).ModeSwitches = %d, want 0", text, got.ModeSwitches)
		}
		if got.Keystrokes != uint64(len(text)) {
			t.Errorf("Estimate(%q).Keystrokes = %d, want %d", text, got.Keystrokes, len(text))
		}
	}
}

func TestEstimateHangul(t *testing.T) {
	tests := []struct {
		text     string
		keys     uint64
		switches uint64
	}{
		{"가", 2, 1},        // r + k
		{"한", 3, 1},        // g + k + s
		{"닭", 4, 1},        // e + k + fr
		{"가a", 3, 2},       // back to Latin
		{"a가b나c", 7, 4},   // every boundary toggles
		{"가é", 3, 2},  // other runes use the Latin branch
		{"éé", 2, 0},
	}
	for _, tt := range tests {
		got := Estimate(tt.text)
		if got.Keystrokes != tt.keys || got.ModeSwitches != tt.switches {
			t.Errorf("Estimate(%q) = %+v, want {%d %d}", tt.text, got, tt.keys, tt.switches)
		}
	}
}

func TestEstimateNormalizesNewlines(t *testing.T) {
	if got, want := Estimate("a\r\nb\rc"), Estimate("a\nb\nc"); got != want {
		t.Errorf("Estimate(CRLF) = %+v, want %+v", got, want)
	}
}

func TestEstimateIdempotent(t *testing.T) {
	text := "안녕하세요 hello 세계 ☃"
	first := Estimate(text)
	second := Estimate(text)
	if first != second {
		t.Errorf("Estimate not idempotent: %+v vs %+v", first, second)
	}
}

func TestDecomposeRoundTrip(t *testing.T) {
	for r := rune(hangulBase); r <= hangulLast; r++ {
		s, ok := Decompose(r)
		if !ok {
			t.Fatalf("Decompose(%U) not ok", r)
		}
		if s.Cho < 0 || s.Cho >= 19 || s.Jung < 0 || s.Jung >= 21 || s.Jong < 0 || s.Jong >= 28 {
			t.Fatalf("Decompose(%U) = %+v out of range", r, s)
		}
		if got := s.Rune(); got != r {
			t.Fatalf("Decompose(%U).Rune() = %U", r, got)
		}
	}
}

func TestDecomposeRejectsNonHangul(t *testing.T) {
	for _, r := range []rune{'a', 0xABFF, 0xD7A4, 0x3131} {
		if _, ok := Decompose(r); ok {
			t.Errorf("Decompose(%U) ok = true, want false", r)
		}
	}
}

func TestSyllableKeys(t *testing.T) {
	s, _ := Decompose('값')
	if got := s.Keys(); got != "rkqt" {
		t.Errorf("Keys() = %q, want %q", got, "rkqt")
	}
}

func TestPrepare(t *testing.T) {
	got := Prepare("a☃b한\U0001F600", "", false)
	if got.Text != "a[?]b한[?]" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Replaced != 2 {
		t.Errorf("Replaced = %d, want 2", got.Replaced)
	}

	got = Prepare("  one\n\t two\nthree", "_", true)
	if got.Text != "one\ntwo\nthree" {
		t.Errorf("Text = %q, want indentation stripped", got.Text)
	}
	if got.Replaced != 0 {
		t.Errorf("Replaced = %d, want 0", got.Replaced)
	}
}
