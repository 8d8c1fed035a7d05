package textflush

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/byteflusher/internal/ble"
	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/inject"
	"github.com/chaz8081/byteflusher/internal/job"
)

type textSink struct {
	mu      sync.Mutex
	text    strings.Builder
	packets int
	onType  func(n int)
}

func (s *textSink) Type(text string) error {
	s.mu.Lock()
	s.text.WriteString(text)
	s.packets++
	n, hook := s.packets, s.onType
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (s *textSink) Macro(protocol.MacroFrame) error { return nil }

func (s *textSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func connect(t *testing.T, sink inject.Sink) (*inject.Loopback, *ble.Peer) {
	t.Helper()
	loop := inject.NewLoopback(sink)
	p, err := ble.Connect(context.Background(), loop, inject.LoopbackAddress, ble.PeerOptions{
		ConnectTimeout: time.Second,
		ReconnectMax:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return loop, p
}

func fastOptions() Options {
	o := DefaultOptions()
	o.ChunkDelayMs = 0
	o.RetryDelayMs = 1
	return o
}

func TestEstimateText(t *testing.T) {
	o := DefaultOptions()
	e := EstimateText("a한", o)
	assert.Equal(t, uint64(4), e.Keystrokes)
	assert.Equal(t, uint64(1), e.ModeSwitches)
	assert.Equal(t, int64(4*50+1*120), e.DeviceMs)
	assert.Equal(t, 4, e.Bytes)
	assert.Equal(t, 1, e.Chunks)
	assert.Zero(t, e.TxMs)
	assert.Equal(t, 320*time.Millisecond, e.Duration)

	slow := Options{ChunkSize: 1, ChunkDelayMs: 200}
	e = EstimateText(strings.Repeat("a", 1000), slow)
	assert.Zero(t, e.DeviceMs)
	assert.Equal(t, int64(999*200), e.TxMs)
	assert.Equal(t, 999*200*time.Millisecond, e.Duration)

	e = EstimateText("x\r\ny\rz", o)
	assert.Equal(t, uint64(5), e.Keystrokes, "line endings count once")
}

func TestEstimateTextReplacement(t *testing.T) {
	o := DefaultOptions()
	o.TrimIndent = true
	e := EstimateText("  é\n\tb", o)
	assert.Equal(t, 1, e.Replaced)
	assert.Equal(t, len("[?]\nb"), e.Bytes)
}

func TestNormalize(t *testing.T) {
	o := Options{TypingDelayMs: -1, ModeSwitchDelayMs: 9000, KeyPressDelayMs: 301, ChunkSize: 0, ChunkDelayMs: 999, RetryDelayMs: 6000}.Normalize()
	assert.Equal(t, 0, o.TypingDelayMs)
	assert.Equal(t, 3000, o.ModeSwitchDelayMs)
	assert.Equal(t, 300, o.KeyPressDelayMs)
	assert.Equal(t, 1, o.ChunkSize)
	assert.Equal(t, 200, o.ChunkDelayMs)
	assert.Equal(t, 5000, o.RetryDelayMs)
	assert.Equal(t, "[?]", o.Replacement)
	assert.Equal(t, DefaultOptions(), DefaultOptions().Normalize())
}

func TestFlushDeliversPreparedText(t *testing.T) {
	sink := &textSink{}
	loop, p := connect(t, sink)

	f := New(p, fastOptions(), nil)
	require.NoError(t, f.Flush(context.Background(), "안녕 café\n"))
	assert.Equal(t, "안녕 caf[?]\n", sink.String())

	cfg, ok := loop.Config()
	require.True(t, ok)
	assert.Equal(t, fastOptions().DeviceConfig(false, false), cfg)

	snap := f.Job().Snapshot()
	assert.Equal(t, job.StageDone, snap.Stage)
	assert.Equal(t, snap.TotalBytes, snap.SentBytes)
	assert.InDelta(t, 100, snap.Percent(), 0.001)

	assert.ErrorIs(t, f.Flush(context.Background(), "again"), fault.ErrBusy)
}

func TestFlushReconnectsAfterDrop(t *testing.T) {
	sink := &textSink{}
	var loop *inject.Loopback
	sink.onType = func(n int) {
		if n == 2 {
			loop.Drop()
		}
	}
	loop, p := connect(t, sink)

	text := strings.Repeat("0123456789", 20)
	f := New(p, fastOptions(), nil)
	require.NoError(t, f.Flush(context.Background(), text))
	assert.Equal(t, text, sink.String())
	assert.True(t, p.Connected())
}

func TestFlushStop(t *testing.T) {
	sink := &textSink{}
	var f *Flusher
	sink.onType = func(n int) {
		if n == 3 {
			f.Stop()
		}
	}
	loop, p := connect(t, sink)

	f = New(p, fastOptions(), nil)
	err := f.Flush(context.Background(), strings.Repeat("z", 200))
	require.True(t, errors.Is(err, fault.ErrUserStopped), "Flush() = %v", err)

	assert.Equal(t, strings.Repeat("z", 60), sink.String())
	snap := f.Job().Snapshot()
	assert.Equal(t, job.StageStopped, snap.Stage)
	assert.Equal(t, int64(60), snap.SentBytes)

	cfg, _ := loop.Config()
	assert.True(t, cfg.Abort, "stop makes the device drop its queue")
}

func TestFlushPauseAndResume(t *testing.T) {
	sink := &textSink{}
	loop, p := connect(t, sink)
	f := New(p, fastOptions(), nil)
	f.Pause()

	done := make(chan error, 1)
	go func() { done <- f.Flush(context.Background(), "paused text") }()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sink.String())

	f.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not finish after Resume")
	}
	assert.Equal(t, "paused text", sink.String())
	cfg, _ := loop.Config()
	assert.False(t, cfg.Paused)
}
