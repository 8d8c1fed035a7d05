// Package inject delivers what the peer would type: a loopback peer that
// decodes the wire protocol locally, and sinks that act on the decoded
// text and macros (the target emulator, or this machine's keyboard).
package inject

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/go-vgo/robotgo"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
)

// Sink receives decoded peer output.
type Sink interface {
	// Type receives text exactly as the peer would type it.
	Type(text string) error
	// Macro receives one decoded macro command.
	Macro(frame protocol.MacroFrame) error
}

// Keyboard types on this machine with robotgo. It is used to rehearse a
// run against a local console before pointing the real peer at a target.
type Keyboard struct {
	method string // "type" or "paste"
}

// Compile-time interface satisfaction check.
var _ Sink = (*Keyboard)(nil)

// NewKeyboard creates a Keyboard sink. method must be "type" (keystroke
// simulation) or "paste" (clipboard).
func NewKeyboard(method string) *Keyboard {
	return &Keyboard{method: method}
}

// Type sends text to the active application using the configured method.
func (k *Keyboard) Type(text string) error {
	if text == "" {
		return nil
	}
	if k.method == "paste" {
		return k.paste(text)
	}
	robotgo.Type(text)
	return nil
}

// paste copies text to the clipboard and pastes it. Faster for long text
// but overwrites the clipboard.
func (k *Keyboard) paste(text string) error {
	prev, _ := robotgo.ReadAll()
	if err := robotgo.WriteAll(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}
	if err := robotgo.KeyTap("v", pasteModifier()); err != nil {
		return fmt.Errorf("inject: key tap paste: %w", err)
	}
	// Restore previous clipboard (best effort)
	_ = robotgo.WriteAll(prev)
	return nil
}

// Macro performs a macro command with local key taps.
func (k *Keyboard) Macro(frame protocol.MacroFrame) error {
	var err error
	switch frame.Op {
	case protocol.OpOpenRunDialog:
		err = robotgo.KeyTap("r", "cmd")
	case protocol.OpEnter:
		err = robotgo.KeyTap("enter")
	case protocol.OpEscape:
		err = robotgo.KeyTap("esc")
	case protocol.OpTypeASCII:
		robotgo.Type(string(frame.Payload))
	case protocol.OpSleepMs:
		ms, derr := protocol.SleepDuration(frame.Payload)
		if derr != nil {
			return fmt.Errorf("inject: %w", derr)
		}
		robotgo.MilliSleep(ms)
	case protocol.OpForceEnglish:
		// The local layout is left alone.
		slog.Debug("[INJECT] force-english ignored on local keyboard")
	default:
		return fmt.Errorf("inject: unknown macro opcode %d", frame.Op)
	}
	if err != nil {
		return fmt.Errorf("inject: %s: %w", frame.Op, err)
	}
	return nil
}

func pasteModifier() string {
	if runtime.GOOS == "darwin" {
		return "cmd"
	}
	return "ctrl"
}
