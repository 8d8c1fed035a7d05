// Package hotkey provides global pause and stop hotkeys for a running
// transfer using gohook. The pause combo toggles between pause and resume.
package hotkey

import (
	"context"
	"log/slog"
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType is the action a hotkey asks for.
type EventType int

const (
	// EventTogglePause pauses a running transfer or resumes a paused one.
	EventTogglePause EventType = iota
	// EventStop stops the transfer.
	EventStop
)

func (t EventType) String() string {
	if t == EventStop {
		return "stop"
	}
	return "toggle-pause"
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages the global hotkeys and emits events.
type Listener struct {
	pause []string
	stop  []string
	ch    chan Event
	done  chan struct{}
	once  sync.Once
}

// NewListener creates a Listener for the pause and stop key combos.
// Keys should be lowercase key names (e.g., ["ctrl", "shift", "p"]).
func NewListener(pause, stop []string) *Listener {
	return &Listener{
		pause: pause,
		stop:  stop,
		ch:    make(chan Event, 16),
		done:  make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener ends.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.pause, func(hook.Event) { l.emit(EventTogglePause) })
	hook.Register(hook.KeyDown, l.stop, func(hook.Event) { l.emit(EventStop) })

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit never blocks; presses beyond the buffer are dropped.
func (l *Listener) emit(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default:
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// Controller is what the hotkeys act on.
type Controller interface {
	Pause() bool
	Resume() bool
	Stop() bool
	Paused() bool
}

// Dispatch applies events to c until ctx is done or events is closed.
func Dispatch(ctx context.Context, events <-chan Event, c Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			apply(ev, c)
		}
	}
}

func apply(ev Event, c Controller) {
	var active bool
	switch {
	case ev.Type == EventStop:
		active = c.Stop()
	case c.Paused():
		active = c.Resume()
	default:
		active = c.Pause()
	}
	if !active {
		slog.Debug("[HOTKEY] no active run", "event", ev.Type)
		return
	}
	slog.Info("[HOTKEY] applied", "event", ev.Type)
}
