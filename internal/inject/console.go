package inject

import (
	"strings"
	"sync"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/psboot"
	"github.com/chaz8081/byteflusher/internal/target"
)

// Console feeds decoded output to a target emulator line by line and
// records the macro sequence that opened the console.
type Console struct {
	emu *target.Emulator

	mu      sync.Mutex
	partial strings.Builder
	macros  []protocol.MacroFrame
	typed   strings.Builder // TypeASCII text since the last Enter
	opened  bool
}

var _ Sink = (*Console)(nil)

// NewConsole creates a sink for emu.
func NewConsole(emu *target.Emulator) *Console {
	return &Console{emu: emu}
}

// Type buffers text and hands every complete line to the emulator.
// Emulator errors are console output, not delivery failures; they are
// recorded by the emulator and not returned.
func (c *Console) Type(text string) error {
	c.mu.Lock()
	c.partial.WriteString(text)
	buf := c.partial.String()
	var lines []string
	for {
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, buf[:i+1])
		buf = buf[i+1:]
	}
	c.partial.Reset()
	c.partial.WriteString(buf)
	c.mu.Unlock()

	for _, l := range lines {
		_ = c.emu.TypeLine(l)
	}
	return nil
}

// Macro records frame. Escape clears the console's unfinished input line.
// An Enter after the launch command was typed into the run dialog marks
// the console as open.
func (c *Console) Macro(frame protocol.MacroFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.macros = append(c.macros, frame)
	switch frame.Op {
	case protocol.OpTypeASCII:
		c.typed.Write(frame.Payload)
	case protocol.OpEnter:
		if c.typed.String() == psboot.LaunchCommand {
			c.opened = true
		}
		c.typed.Reset()
	case protocol.OpEscape:
		c.typed.Reset()
		c.partial.Reset()
	case protocol.OpOpenRunDialog:
		c.typed.Reset()
	}
	return nil
}

// Opened reports whether the console launch sequence was seen.
func (c *Console) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Macros returns the macro frames received so far.
func (c *Console) Macros() []protocol.MacroFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.MacroFrame(nil), c.macros...)
}

// Emulator returns the emulator behind the console.
func (c *Console) Emulator() *target.Emulator { return c.emu }
