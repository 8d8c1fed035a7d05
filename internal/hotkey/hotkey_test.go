package hotkey

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeRun struct {
	mu      sync.Mutex
	active  bool
	paused  bool
	stopped bool
	calls   []string
}

func (f *fakeRun) record(name string) bool {
	f.calls = append(f.calls, name)
	return f.active
}

func (f *fakeRun) Pause() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = f.active
	return f.record("pause")
}

func (f *fakeRun) Resume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return f.record("resume")
}

func (f *fakeRun) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = f.active
	f.paused = false
	return f.record("stop")
}

func (f *fakeRun) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeRun) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestDispatchTogglesPause(t *testing.T) {
	run := &fakeRun{active: true}
	events := make(chan Event, 4)
	events <- Event{Type: EventTogglePause}
	events <- Event{Type: EventTogglePause}
	events <- Event{Type: EventTogglePause}
	events <- Event{Type: EventStop}
	close(events)

	Dispatch(context.Background(), events, run)

	want := []string{"pause", "resume", "pause", "stop"}
	got := run.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
	if !run.stopped || run.Paused() {
		t.Errorf("stopped = %v, paused = %v; want stopped and not paused", run.stopped, run.Paused())
	}
}

func TestDispatchWithoutRun(t *testing.T) {
	run := &fakeRun{}
	events := make(chan Event, 2)
	events <- Event{Type: EventTogglePause}
	events <- Event{Type: EventTogglePause}
	close(events)

	Dispatch(context.Background(), events, run)

	// With no run nothing is paused, so every press asks to pause again.
	got := run.Calls()
	if len(got) != 2 || got[0] != "pause" || got[1] != "pause" {
		t.Errorf("calls = %v, want [pause pause]", got)
	}
}

func TestDispatchEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Dispatch(ctx, make(chan Event), &fakeRun{})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not return after cancel")
	}
}

func TestEmitDoesNotBlock(t *testing.T) {
	l := NewListener([]string{"ctrl", "p"}, []string{"ctrl", "x"})
	for i := 0; i < 100; i++ {
		l.emit(EventStop)
	}
	if got := len(l.Events()); got != 16 {
		t.Errorf("buffered events = %d, want 16", got)
	}
	l.Stop()
	l.Stop() // second call is a no-op
}

func TestEventTypeString(t *testing.T) {
	if EventStop.String() != "stop" || EventTogglePause.String() != "toggle-pause" {
		t.Errorf("strings = %q, %q", EventStop, EventTogglePause)
	}
}
