// Package macro drives the peer's macro channel: discrete HID actions used
// to control windows and dialogs on the target rather than to carry data.
package macro

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/control"
)

// Writer is the part of a peer that accepts encoded macro frames.
type Writer interface {
	WriteMacro(frame []byte) error
}

// Client encodes macro commands and writes them to the peer. Every call
// obeys the run's gate: it blocks while paused and fails once stopped.
type Client struct {
	w    Writer
	gate *control.Gate
}

// NewClient creates a macro client bound to a run's gate.
func NewClient(w Writer, gate *control.Gate) *Client {
	return &Client{w: w, gate: gate}
}

// Write sends one frame. It returns fault.ErrUserStopped (wrapped) if the
// run was stopped and fault.ErrProtocolLimit if the payload does not fit.
func (c *Client) Write(ctx context.Context, op protocol.Opcode, payload []byte) error {
	if err := c.gate.Wait(ctx); err != nil {
		return fmt.Errorf("macro: %s: %w", op, err)
	}
	frame, err := protocol.MarshalMacro(op, payload)
	if err != nil {
		return fmt.Errorf("macro: %w", err)
	}
	if err := c.w.WriteMacro(frame); err != nil {
		return fmt.Errorf("macro: write %s: %w", op, err)
	}
	slog.Debug("[MACRO] sent", "op", op, "len", len(payload))
	return nil
}

// OpenRunDialog opens the target's run dialog.
func (c *Client) OpenRunDialog(ctx context.Context) error {
	return c.Write(ctx, protocol.OpOpenRunDialog, nil)
}

// Enter presses Enter.
func (c *Client) Enter(ctx context.Context) error {
	return c.Write(ctx, protocol.OpEnter, nil)
}

// Escape presses Escape.
func (c *Client) Escape(ctx context.Context) error {
	return c.Write(ctx, protocol.OpEscape, nil)
}

// ForceEnglish switches the target's input language to ASCII/English.
func (c *Client) ForceEnglish(ctx context.Context) error {
	return c.Write(ctx, protocol.OpForceEnglish, nil)
}

// Sleep asks the peer to pause its own HID output for ms milliseconds.
func (c *Client) Sleep(ctx context.Context, ms int) error {
	return c.Write(ctx, protocol.OpSleepMs, protocol.SleepPayload(ms))
}

// TypeASCII types text, split into pieces of at most protocol.MaxTypeASCII
// bytes sent back to back. Bytes outside ASCII are typed as '?'.
func (c *Client) TypeASCII(ctx context.Context, text string) error {
	for _, piece := range SplitASCII(text) {
		if err := c.Write(ctx, protocol.OpTypeASCII, piece); err != nil {
			return err
		}
	}
	return nil
}

// SplitASCII converts text to ASCII bytes and splits it into TypeASCII
// payloads.
func SplitASCII(text string) [][]byte {
	b := make([]byte, 0, len(text))
	for _, r := range text {
		if r > 0x7F {
			r = '?'
		}
		b = append(b, byte(r))
	}
	return protocol.ChunkBytes(b, protocol.MaxTypeASCII)
}
