package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

// termWriter serializes writes to the terminal. While stdin is in raw
// mode the terminal no longer turns "\n" into a new line, so it does.
type termWriter struct {
	mu  sync.Mutex
	w   io.Writer
	raw atomic.Bool
}

func newTermWriter(w io.Writer) *termWriter {
	return &termWriter{w: w}
}

func (t *termWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.raw.Load() {
		return t.w.Write(p)
	}
	fixed := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	if _, err := t.w.Write(fixed); err != nil {
		return 0, err
	}
	return len(p), nil
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// runKeys is the subset of a session single keys act on.
type runKeys interface {
	Pause() bool
	Resume() bool
	Stop() bool
}

// watchKeys puts stdin in raw mode and maps p, r and s (and Ctrl+C, which
// raw mode no longer turns into a signal) onto ctl until ctx is done. It
// returns a function restoring the terminal. Without a terminal it does
// nothing.
func watchKeys(ctx context.Context, out *termWriter, ctl runKeys) func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		slog.Warn("raw terminal mode unavailable, single-key controls disabled", "error", err)
		return func() {}
	}
	out.raw.Store(true)

	keys := make(chan byte, 8)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n == 1 {
				select {
				case keys <- buf[0]:
				default:
				}
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case k := <-keys:
				switch k {
				case 'p', 'P':
					ctl.Pause()
				case 'r', 'R':
					ctl.Resume()
				case 's', 'S', 0x03:
					ctl.Stop()
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			out.raw.Store(false)
			_ = term.Restore(fd, oldState)
		})
	}
}
