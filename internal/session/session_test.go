package session

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/byteflusher/internal/ble"
	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/history"
	"github.com/chaz8081/byteflusher/internal/inject"
	"github.com/chaz8081/byteflusher/internal/job"
	"github.com/chaz8081/byteflusher/internal/psboot"
	"github.com/chaz8081/byteflusher/internal/target"
	"github.com/chaz8081/byteflusher/internal/textflush"
	"github.com/chaz8081/byteflusher/internal/transfer"
)

type memRecorder struct {
	mu   sync.Mutex
	runs []history.Run
}

func (m *memRecorder) Record(r history.Run) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return "id", nil
}

func (m *memRecorder) Runs() []history.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Run(nil), m.runs...)
}

type textSink struct {
	mu   sync.Mutex
	text strings.Builder
}

func (s *textSink) Type(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(text)
	return nil
}

func (s *textSink) Macro(protocol.MacroFrame) error { return nil }

func (s *textSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func noSleep(context.Context, time.Duration) error { return nil }

func newSession(t *testing.T, sink inject.Sink, mutate func(*Options)) (*Session, *inject.Loopback, *memRecorder) {
	t.Helper()
	loop := inject.NewLoopback(sink)
	rec := &memRecorder{}
	opts := Options{
		Adapter:     loop,
		ScanTimeout: time.Second,
		Peer:        ble.PeerOptions{ConnectTimeout: time.Second, ReconnectMax: 10 * time.Millisecond},
		History:     rec,
		Sleep:       noSleep,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts)
	t.Cleanup(func() { _ = s.Disconnect() })
	return s, loop, rec
}

func fileSettings() transfer.Settings {
	s := transfer.DefaultSettings()
	s.TargetDir = `C:\bf`
	return s
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestStateTransitions(t *testing.T) {
	s, _, _ := newSession(t, &textSink{}, nil)
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.Linked())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.True(t, s.Linked())
	assert.Equal(t, inject.LoopbackAddress, s.Address())

	require.NoError(t, s.Connect(context.Background()), "connecting twice is a no-op")

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Address())
}

func TestConnectFailureReturnsToIdle(t *testing.T) {
	s, _, _ := newSession(t, &textSink{}, func(o *Options) { o.Address = "AA:BB" })
	require.Error(t, s.Connect(context.Background()))
	assert.Equal(t, StateIdle, s.State())
}

func TestRunsNeedConnection(t *testing.T) {
	s, _, _ := newSession(t, &textSink{}, nil)

	err := s.SendText(context.Background(), textflush.DefaultOptions(), "hi")
	assert.ErrorIs(t, err, fault.ErrPrecondition)

	_, err = s.Nickname()
	assert.ErrorIs(t, err, fault.ErrPrecondition)

	assert.False(t, s.Pause())
	assert.False(t, s.Resume())
	assert.False(t, s.Stop())
}

func TestSendFilesRecordsHistory(t *testing.T) {
	root := t.TempDir()
	emu := target.NewEmulator(root, target.Options{Format: psboot.DefaultLineFormat()})

	var startedKind history.Kind
	s, _, rec := newSession(t, inject.NewConsole(emu), func(o *Options) {
		o.Probe = emu.TakeError
		o.OnStart = func(kind history.Kind, _ *job.Job) { startedKind = kind }
	})
	require.NoError(t, s.Connect(context.Background()))

	src := writeSource(t, "notes.txt", "line one\nline two\n")
	require.NoError(t, s.SendFiles(context.Background(), fileSettings(), psboot.DefaultLineFormat(), src))

	got, err := os.ReadFile(filepath.Join(root, "C", "bf", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(got))

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, history.KindFile, startedKind)
	require.NotNil(t, s.Job())
	assert.Equal(t, job.StageDone, s.Job().Stage())

	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, history.KindFile, runs[0].Kind)
	assert.Equal(t, job.StageDone, runs[0].Outcome)
	assert.Equal(t, fault.CodeOK, runs[0].Code)
	assert.NotEmpty(t, runs[0].Token)
	assert.Equal(t, int64(18), runs[0].TotalBytes)
}

func TestOneRunAtATime(t *testing.T) {
	root := t.TempDir()
	emu := target.NewEmulator(root, target.Options{Format: psboot.DefaultLineFormat()})

	var s *Session
	var during []error
	s, _, _ = newSession(t, inject.NewConsole(emu), func(o *Options) {
		o.Probe = emu.TakeError
		o.OnStart = func(history.Kind, *job.Job) {
			during = append(during,
				s.SendText(context.Background(), textflush.DefaultOptions(), "x"),
				s.Disconnect(),
				s.Connect(context.Background()),
			)
			_, err := s.SetNickname("x")
			during = append(during, err)
			assert.Equal(t, StateRunning, s.State())
		}
	})
	require.NoError(t, s.Connect(context.Background()))

	src := writeSource(t, "a.txt", "a")
	require.NoError(t, s.SendFiles(context.Background(), fileSettings(), psboot.DefaultLineFormat(), src))

	require.Len(t, during, 4)
	for _, err := range during {
		assert.ErrorIs(t, err, fault.ErrBusy)
	}
	assert.Equal(t, StateConnected, s.State())
}

func TestStopDuringFileRun(t *testing.T) {
	root := t.TempDir()
	emu := target.NewEmulator(root, target.Options{Format: psboot.DefaultLineFormat()})

	var s *Session
	s, loop, rec := newSession(t, inject.NewConsole(emu), func(o *Options) {
		o.Probe = emu.TakeError
		o.OnStart = func(history.Kind, *job.Job) { assert.True(t, s.Stop()) }
	})
	require.NoError(t, s.Connect(context.Background()))

	src := writeSource(t, "a.txt", "data")
	err := s.SendFiles(context.Background(), fileSettings(), psboot.DefaultLineFormat(), src)
	require.ErrorIs(t, err, fault.ErrUserStopped)

	_, statErr := os.Stat(filepath.Join(root, "C", "bf", "a.txt"))
	assert.True(t, os.IsNotExist(statErr))

	cfg, ok := loop.Config()
	require.True(t, ok)
	assert.False(t, cfg.Abort, "cleanup clears the abort flag")

	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, job.StageStopped, runs[0].Outcome)
	assert.Equal(t, fault.CodeStopped, runs[0].Code)
	assert.Equal(t, StateConnected, s.State())
}

func TestSendText(t *testing.T) {
	sink := &textSink{}
	s, _, rec := newSession(t, sink, nil)
	require.NoError(t, s.Connect(context.Background()))

	opts := textflush.DefaultOptions()
	opts.ChunkDelayMs = 0
	require.NoError(t, s.SendText(context.Background(), opts, "hello world"))

	assert.Equal(t, "hello world", sink.String())
	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, history.KindText, runs[0].Kind)
	assert.Equal(t, int64(11), runs[0].SentBytes)
	assert.Equal(t, StateConnected, s.State())
}

func TestSendFilesBadPath(t *testing.T) {
	s, _, rec := newSession(t, &textSink{}, nil)
	require.NoError(t, s.Connect(context.Background()))

	err := s.SendFiles(context.Background(), fileSettings(), psboot.DefaultLineFormat(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Empty(t, rec.Runs(), "runs that never started are not recorded")
	assert.Equal(t, StateConnected, s.State())
}

func TestDeviceCommands(t *testing.T) {
	s, loop, _ := newSession(t, &textSink{}, nil)
	require.NoError(t, s.Connect(context.Background()))

	name, err := s.SetNickname("my desk #1")
	require.NoError(t, err)
	assert.Equal(t, "mydesk1", name)

	got, err := s.Nickname()
	require.NoError(t, err)
	assert.Equal(t, "mydesk1", got)

	require.NoError(t, s.RequestBootloader())
	assert.Equal(t, 1, loop.BootloaderRequests())
	assert.Equal(t, StateIdle, s.State())
}

func TestPausedFollowsRun(t *testing.T) {
	sink := &textSink{}
	var s *Session
	var pausedDuring, resumed bool
	s, _, _ = newSession(t, sink, func(o *Options) {
		o.OnStart = func(history.Kind, *job.Job) {
			s.Pause()
			pausedDuring = s.Paused()
			s.Resume()
			resumed = !s.Paused()
		}
	})
	require.NoError(t, s.Connect(context.Background()))
	assert.False(t, s.Paused())

	opts := textflush.DefaultOptions()
	opts.ChunkDelayMs = 0
	require.NoError(t, s.SendText(context.Background(), opts, "abc"))

	assert.True(t, pausedDuring)
	assert.True(t, resumed)
	assert.False(t, s.Paused())
	assert.Equal(t, "abc", sink.String())
}

// captureLog routes the default logger into a buffer for the test.
func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLinkLostWhileIdle(t *testing.T) {
	logs := captureLog(t)
	s, loop, _ := newSession(t, &textSink{}, nil)
	require.NoError(t, s.Connect(context.Background()))

	loop.Drop()
	assert.False(t, s.Linked())
	assert.Contains(t, logs.String(), "device link lost while idle")
	assert.NotContains(t, logs.String(), "during a run")
}

func TestLinkLostDuringRun(t *testing.T) {
	logs := captureLog(t)
	root := t.TempDir()
	emu := target.NewEmulator(root, target.Options{Format: psboot.DefaultLineFormat()})

	var loop *inject.Loopback
	s, loop, rec := newSession(t, inject.NewConsole(emu), func(o *Options) {
		o.Probe = emu.TakeError
		o.OnStart = func(history.Kind, *job.Job) { loop.Drop() }
	})
	require.NoError(t, s.Connect(context.Background()))

	src := writeSource(t, "a.txt", "data")
	err := s.SendFiles(context.Background(), fileSettings(), psboot.DefaultLineFormat(), src)
	require.ErrorIs(t, err, fault.ErrLinkLost)

	assert.Contains(t, logs.String(), "device link lost during a run")
	assert.NotContains(t, logs.String(), "while idle")
	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, fault.CodeLinkLost, runs[0].Code)
}
