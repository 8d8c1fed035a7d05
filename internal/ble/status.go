package ble

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
)

const (
	// statusStaleAfter is how long a status report is trusted before a
	// synchronous read is issued.
	statusStaleAfter = 800 * time.Millisecond
	// Notification-or-timeout wait steps while waiting for buffer room.
	waitStepFast  = 120 * time.Millisecond
	waitStepSlow  = 200 * time.Millisecond
	waitFastPhase = 2 * time.Second
	// minBacklog is the smallest backlog allowance regardless of chunk size.
	minBacklog = 32
)

// StatusTracker holds the last buffer status reported by the peer. It has a
// single writer (notifications or explicit reads) and any number of waiters.
type StatusTracker struct {
	read func() ([]byte, error) // nil when the peer has no status characteristic
	now  func() time.Time

	mu        sync.Mutex
	status    protocol.Status
	updatedAt time.Time
	valid     bool
	updated   chan struct{} // closed and replaced on every accepted report
}

// NewStatusTracker creates a tracker. read performs a synchronous status
// read and may be nil when the peer offers no status characteristic.
func NewStatusTracker(read func() ([]byte, error)) *StatusTracker {
	return &StatusTracker{
		read:    read,
		now:     time.Now,
		updated: make(chan struct{}),
	}
}

// Update records a raw status value. Malformed values are ignored.
func (t *StatusTracker) Update(raw []byte) {
	s, err := protocol.ParseStatus(raw)
	if err != nil {
		slog.Debug("[BLE] ignoring status value", "error", err)
		return
	}
	t.mu.Lock()
	t.status = s
	t.updatedAt = t.now()
	t.valid = true
	close(t.updated)
	t.updated = make(chan struct{})
	t.mu.Unlock()
}

// Snapshot returns the last status and when it was received. ok is false
// until the first report arrives.
func (t *StatusTracker) Snapshot() (s protocol.Status, at time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.updatedAt, t.valid
}

// Refresh performs a synchronous read. Read errors are logged and ignored;
// the caller keeps waiting on the next notification.
func (t *StatusTracker) Refresh() {
	if t.read == nil {
		return
	}
	raw, err := t.read()
	if err != nil {
		slog.Debug("[BLE] status read failed", "error", err)
		return
	}
	t.Update(raw)
}

// Enabled reports whether the peer provides a status feed at all.
func (t *StatusTracker) Enabled() bool {
	return t.read != nil
}

// Room is the condition a sender waits for before writing a chunk.
type Room struct {
	Required   int // bytes the next chunk needs
	MaxBacklog int // queued bytes tolerated on the peer
}

// RoomFor returns the wait condition for a chunk of n bytes sent with the
// given chunk size.
func RoomFor(n, chunkSize int) Room {
	return Room{Required: n, MaxBacklog: max(minBacklog, chunkSize)}
}

// Satisfied reports whether s leaves enough room.
func (r Room) Satisfied(s protocol.Status) bool {
	return int(s.Free) >= r.Required && s.Backlog() <= r.MaxBacklog
}

// WaitForRoom blocks until the last known status satisfies room. It returns
// early, without error, when abort reports true (stop, pause, link loss) or
// ctx ends; the caller re-checks those conditions itself.
func (t *StatusTracker) WaitForRoom(ctx context.Context, room Room, abort func() bool) {
	if !t.Enabled() {
		return
	}
	started := t.now()
	for {
		if ctx.Err() != nil || (abort != nil && abort()) {
			return
		}

		t.mu.Lock()
		s, at, valid, updated := t.status, t.updatedAt, t.valid, t.updated
		t.mu.Unlock()

		if valid && room.Satisfied(s) {
			return
		}

		now := t.now()
		if !valid || now.Sub(at) > statusStaleAfter {
			t.Refresh()
			t.mu.Lock()
			s, valid, updated = t.status, t.valid, t.updated
			t.mu.Unlock()
			if valid && room.Satisfied(s) {
				return
			}
		}

		step := waitStepFast
		if now.Sub(started) >= waitFastPhase {
			step = waitStepSlow
		}
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
		case <-updated:
		case <-timer.C:
		}
		timer.Stop()
	}
}
