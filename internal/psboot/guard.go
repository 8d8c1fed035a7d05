// Package psboot builds what gets typed into the target's PowerShell
// console: the guarded line format, the boot launcher, the helper script
// and the single-line helper calls.
package psboot

import "strings"

// Guard selects how many filler characters precede a typed line.
type Guard int

const (
	GuardNone Guard = iota
	GuardNormal
	GuardStrong
)

func (g Guard) String() string {
	switch g {
	case GuardNone:
		return "none"
	case GuardNormal:
		return "normal"
	case GuardStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// LineFormat is the loss-tolerant line format. Each line is prefixed with
// a run of Filler, a no-op in PowerShell, so keystrokes dropped at the
// start of a line eat filler instead of the command.
type LineFormat struct {
	Filler byte
	Normal int
	Strong int
}

// DefaultLineFormat returns five ';' for ordinary lines and ten for
// structurally critical ones.
func DefaultLineFormat() LineFormat {
	return LineFormat{Filler: ';', Normal: 5, Strong: 10}
}

// Normalize fills a zero filler and keeps the strong guard at least as
// long as the normal one. Guards are never removed entirely.
func (f LineFormat) Normalize() LineFormat {
	if f.Filler == 0 {
		f.Filler = ';'
	}
	if f.Normal < 1 {
		f.Normal = 1
	}
	if f.Strong < f.Normal {
		f.Strong = f.Normal
	}
	return f
}

// PrefixLen returns the number of filler characters for g.
func (f LineFormat) PrefixLen(g Guard) int {
	switch g {
	case GuardNormal:
		return f.Normal
	case GuardStrong:
		return f.Strong
	default:
		return 0
	}
}

// Format renders line with its guard prefix and a trailing newline. An
// empty line is a bare newline.
func (f LineFormat) Format(line string, g Guard) string {
	if line == "" {
		return "\n"
	}
	return strings.Repeat(string(f.Filler), f.PrefixLen(g)) + line + "\n"
}

// Strip removes the trailing newline and any guard prefix, including a
// partial one left after dropped keystrokes.
func (f LineFormat) Strip(typed string) string {
	typed = strings.TrimRight(typed, "\r\n")
	return strings.TrimLeft(typed, string(f.Filler))
}
