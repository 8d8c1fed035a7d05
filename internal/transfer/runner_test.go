package transfer

import (
	"bytes"
	"context"
	"errors"
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
	"github.com/chaz8081/byteflusher/internal/inject"
	"github.com/chaz8081/byteflusher/internal/job"
	"github.com/chaz8081/byteflusher/internal/psboot"
	"github.com/chaz8081/byteflusher/internal/target"
)

const testTarget = `C:\bf`

// rig is a loopback peer typing into an emulated target console.
type rig struct {
	root    string
	emu     *target.Emulator
	console *inject.Console
	loop    *inject.Loopback
	peer    *ble.Peer
}

// hookSink lets a test observe or alter packets before the console sees them.
type hookSink struct {
	inject.Sink
	onType func(text string) string
}

func (h *hookSink) Type(text string) error {
	if h.onType != nil {
		text = h.onType(text)
	}
	return h.Sink.Type(text)
}

func newRig(t *testing.T, onType func(string) string) *rig {
	t.Helper()
	root := t.TempDir()
	emu := target.NewEmulator(root, target.Options{Format: psboot.DefaultLineFormat()})
	console := inject.NewConsole(emu)
	loop := inject.NewLoopback(&hookSink{Sink: console, onType: onType})
	peer, err := ble.Connect(context.Background(), loop, inject.LoopbackAddress, ble.PeerOptions{
		ConnectTimeout: time.Second,
		ReconnectMax:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	return &rig{root: root, emu: emu, console: console, loop: loop, peer: peer}
}

func noSleep(context.Context, time.Duration) error { return nil }

func (rg *rig) runner(mutate func(*Options)) *Runner {
	s := DefaultSettings()
	s.TargetDir = testTarget
	opts := Options{
		Settings: s,
		Token:    "tok_test",
		Probe:    rg.emu.TakeError,
		Sleep:    noSleep,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewRunner(rg.peer, opts)
}

// path returns the local location of a path below the target directory.
func (rg *rig) path(parts ...string) string {
	return filepath.Join(append([]string{rg.root, "C", "bf"}, parts...)...)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/13)
	}
	return b
}

func singleFile(t *testing.T, name string, data []byte) []File {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	writeFile(t, p, data)
	files, err := CollectFiles(p)
	require.NoError(t, err)
	return files
}

func TestRunTransfersFolder(t *testing.T) {
	src := filepath.Join(t.TempDir(), "proj")
	want := map[string][]byte{
		"a.txt":     []byte("hello\r\nworld\n"),
		"sub/b.bin": payload(5000),
		"empty.txt": nil,
	}
	for rel, data := range want {
		writeFile(t, filepath.Join(src, filepath.FromSlash(rel)), data)
	}
	files, err := CollectFiles(src)
	require.NoError(t, err)
	require.Len(t, files, 3)

	rg := newRig(t, nil)
	r := rg.runner(nil)
	require.NoError(t, r.Run(context.Background(), files))

	for rel, data := range want {
		got, err := os.ReadFile(rg.path(append([]string{"proj"}, strings.Split(rel, "/")...)...))
		require.NoError(t, err, rel)
		assert.True(t, bytes.Equal(data, got), "content of %s", rel)
	}
	assert.NoDirExists(t, rg.path(psboot.WorkDirName))
	assert.Empty(t, rg.emu.Errors())
	assert.True(t, rg.console.Opened())
	assert.Equal(t, []string{"tok_test"}, rg.emu.Ready())

	snap := r.Job().Snapshot()
	assert.Equal(t, job.StageDone, snap.Stage)
	assert.Equal(t, snap.TotalBytes, snap.SentBytes)
	assert.Equal(t, int64(5013), snap.TotalBytes)
	assert.Equal(t, snap.WorkTotal, snap.WorkDone)
	assert.Equal(t, snap.WorkTotal, rg.emu.Lines(), "estimated work lines match typed lines")
	assert.Empty(t, snap.TempPath)

	cfg, ok := rg.loop.Config()
	require.True(t, ok)
	assert.Equal(t, 10, cfg.TypingDelayMs)
	assert.False(t, cfg.Paused || cfg.Abort)
}

func TestRunOverwritePolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  psboot.OverwritePolicy
		diagLog bool
		wantErr error
		want    map[string]string
		workDir bool
	}{
		{
			name:    "fail keeps work dir for diagnostics",
			policy:  psboot.PolicyFail,
			diagLog: true,
			wantErr: fault.ErrRemoteExists,
			want:    map[string]string{"a.txt": "old"},
			workDir: true,
		},
		{
			name:    "fail without diagnostics cleans up",
			policy:  psboot.PolicyFail,
			wantErr: fault.ErrRemoteExists,
			want:    map[string]string{"a.txt": "old"},
		},
		{
			name:   "overwrite",
			policy: psboot.PolicyOverwrite,
			want:   map[string]string{"a.txt": "new"},
		},
		{
			name:   "backup",
			policy: psboot.PolicyBackup,
			want:   map[string]string{"a.txt": "new", "a.txt.bak": "older", "a.txt.bak.bak": "old"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rg := newRig(t, nil)
			writeFile(t, rg.path("a.txt"), []byte("old"))
			writeFile(t, rg.path("a.txt.bak"), []byte("older"))

			r := rg.runner(func(o *Options) {
				o.Settings.Overwrite = tt.policy
				o.Settings.DiagLog = tt.diagLog
			})
			err := r.Run(context.Background(), singleFile(t, "a.txt", []byte("new")))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, job.StageError, r.Job().Snapshot().Stage)
				assert.NotEmpty(t, r.Job().Snapshot().Reason)
			} else {
				require.NoError(t, err)
			}
			for name, content := range tt.want {
				got, err := os.ReadFile(rg.path(name))
				require.NoError(t, err, name)
				assert.Equal(t, content, string(got), name)
			}
			if tt.workDir {
				assert.DirExists(t, rg.path(psboot.WorkDirName))
			} else {
				assert.NoDirExists(t, rg.path(psboot.WorkDirName))
			}
		})
	}
}

func TestRunHashMismatchWritesLog(t *testing.T) {
	// Corrupt the first Base64 packet after an append prefix.
	var corrupt, done bool
	rg := newRig(t, func(text string) string {
		switch {
		case done:
		case corrupt:
			done = true
			b := []byte(text)
			if b[0] == 'A' {
				b[0] = 'B'
			} else {
				b[0] = 'A'
			}
			return string(b)
		case strings.HasSuffix(text, psboot.FnTmpAppend+" '"):
			corrupt = true
		}
		return text
	})

	r := rg.runner(nil)
	err := r.Run(context.Background(), singleFile(t, "data.bin", payload(3000)))
	require.ErrorIs(t, err, fault.ErrRemoteMismatch)
	assert.True(t, done)

	log, rerr := os.ReadFile(rg.path(psboot.WorkDirName, psboot.LogFileName))
	require.NoError(t, rerr)
	assert.Contains(t, string(log), "SHA256 mismatch")
	assert.Equal(t, job.StageError, r.Job().Snapshot().Stage)
}

func TestRunStopMidSend(t *testing.T) {
	rg := newRig(t, nil)
	var r *Runner
	r = rg.runner(func(o *Options) {
		o.Probe = func() error {
			if j := r.Job(); j != nil && j.Snapshot().SentBytes > 0 {
				r.Stop()
			}
			return rg.emu.TakeError()
		}
	})

	files := singleFile(t, "big.bin", payload(20000))
	err := r.Run(context.Background(), files)
	require.ErrorIs(t, err, fault.ErrUserStopped)

	snap := r.Job().Snapshot()
	assert.Equal(t, job.StageStopped, snap.Stage)
	assert.Greater(t, snap.SentBytes, int64(0))
	assert.Less(t, snap.SentBytes, snap.TotalBytes)
	assert.Empty(t, snap.TempPath)
	assert.Equal(t, "stopped by user", snap.Reason)

	assert.NoFileExists(t, rg.path("big.bin"))
	assert.NoDirExists(t, rg.path(psboot.WorkDirName))
	assert.Empty(t, rg.emu.Errors())

	cfg, _ := rg.loop.Config()
	assert.False(t, cfg.Abort, "cleanup clears the abort flag")
}

func TestRunStopMidLineEscapesPartialInput(t *testing.T) {
	var (
		r    *Runner
		once sync.Once
		rg   *rig
	)
	rg = newRig(t, func(text string) string {
		if rg.emu.Bootstrapped() && strings.Contains(text, psboot.FnTmpAppend) {
			once.Do(r.Stop)
		}
		return text
	})
	r = rg.runner(nil)

	err := r.Run(context.Background(), singleFile(t, "big.bin", payload(20000)))
	require.ErrorIs(t, err, fault.ErrUserStopped)
	assert.Empty(t, rg.emu.Errors(), "the interrupted line never reaches the console")
	assert.NoDirExists(t, rg.path(psboot.WorkDirName))
	assert.Empty(t, r.Job().Snapshot().TempPath)
}

func TestRunStopBeforeBootstrapRemovesWorkDir(t *testing.T) {
	var (
		r    *Runner
		once sync.Once
		rg   *rig
	)
	rg = newRig(t, func(text string) string {
		if strings.Contains(text, "BF_READY") {
			once.Do(r.Stop)
		}
		return text
	})
	r = rg.runner(nil)
	writeFile(t, rg.path(psboot.WorkDirName, "stale.b64"), []byte("x"))

	err := r.Run(context.Background(), singleFile(t, "a.txt", []byte("a")))
	require.ErrorIs(t, err, fault.ErrUserStopped)
	assert.NoDirExists(t, rg.path(psboot.WorkDirName))
	assert.Equal(t, job.StageStopped, r.Job().Snapshot().Stage)
}

func TestRunStopInRunDialogTypesNothing(t *testing.T) {
	var (
		r     *Runner
		mu    sync.Mutex
		typed strings.Builder
	)
	rg := newRig(t, func(text string) string {
		mu.Lock()
		typed.WriteString(text)
		mu.Unlock()
		return text
	})
	r = rg.runner(func(o *Options) {
		runDialog := time.Duration(o.Settings.RunDialogDelayMs) * time.Millisecond
		o.Sleep = func(_ context.Context, d time.Duration) error {
			if d == runDialog {
				r.Stop()
			}
			return nil
		}
	})

	err := r.Run(context.Background(), singleFile(t, "a.txt", []byte("a")))
	require.ErrorIs(t, err, fault.ErrUserStopped)
	assert.Contains(t, err.Error(), "transfer: prepare:")

	mu.Lock()
	assert.Empty(t, typed.String(), "no line may be typed before the console is open")
	mu.Unlock()
	assert.False(t, rg.console.Opened())

	var ops []protocol.Opcode
	for _, f := range rg.console.Macros() {
		ops = append(ops, f.Op)
	}
	assert.Equal(t, []protocol.Opcode{
		protocol.OpEscape, protocol.OpEscape, protocol.OpOpenRunDialog, protocol.OpEscape,
	}, ops, "the run dialog is dismissed instead of typed into")
	assert.Equal(t, job.StageStopped, r.Job().Snapshot().Stage)
}

// steppedClock only moves when told to.
type steppedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *steppedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRunRecalibratesOnFirstFileOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "set")
	writeFile(t, filepath.Join(dir, "a.bin"), payload(300))
	writeFile(t, filepath.Join(dir, "b.bin"), payload(20000))
	files, err := CollectFiles(dir)
	require.NoError(t, err)
	require.Equal(t, "set/a.bin", files[0].Rel)

	clock := &steppedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	rg := newRig(t, nil)
	var r *Runner
	r = rg.runner(func(o *Options) {
		o.Now = clock.Now
		o.Probe = func() error {
			// Time only passes once the second file is being appended,
			// where a recalibration would have enough measured work.
			if r.Job().Snapshot().SentBytes > files[0].Size {
				clock.Advance(time.Hour)
			}
			return rg.emu.TakeError()
		}
	})

	require.NoError(t, r.Run(context.Background(), files))
	snap := r.Job().Snapshot()
	assert.Equal(t, job.StageDone, snap.Stage)
	assert.Equal(t, snap.InitialETA, snap.ETA, "chunks of later files must not recalibrate")
}

func TestRunLinkLost(t *testing.T) {
	var (
		once sync.Once
		rg   *rig
	)
	rg = newRig(t, func(text string) string {
		if rg.emu.Bootstrapped() {
			once.Do(rg.loop.Drop)
		}
		return text
	})
	r := rg.runner(nil)

	err := r.Run(context.Background(), singleFile(t, "a.bin", payload(4000)))
	require.ErrorIs(t, err, fault.ErrLinkLost)
	snap := r.Job().Snapshot()
	assert.Equal(t, job.StageError, snap.Stage)
	assert.Equal(t, "connection to the device was lost", snap.Reason)
}

func TestRunPauseBlocksUntilResume(t *testing.T) {
	rg := newRig(t, nil)
	r := rg.runner(nil)
	r.Pause()

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), singleFile(t, "a.txt", []byte("abc"))) }()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rg.emu.Lines())
	assert.Empty(t, rg.console.Macros())
	require.NotNil(t, r.Job())
	assert.True(t, r.Job().Snapshot().Paused)

	r.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish after Resume")
	}
	snap := r.Job().Snapshot()
	assert.False(t, snap.Paused)
	assert.Less(t, snap.Active, snap.Elapsed)
}

func TestRunStopWhilePaused(t *testing.T) {
	rg := newRig(t, nil)
	r := rg.runner(nil)
	r.Pause()

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), singleFile(t, "a.txt", []byte("abc"))) }()
	time.Sleep(20 * time.Millisecond)
	r.Stop()

	select {
	case err := <-done:
		require.ErrorIs(t, err, fault.ErrUserStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish after Stop")
	}
}

func TestRunOnlyOnce(t *testing.T) {
	rg := newRig(t, nil)
	r := rg.runner(nil)
	files := singleFile(t, "a.txt", []byte("abc"))
	require.NoError(t, r.Run(context.Background(), files))
	err := r.Run(context.Background(), files)
	assert.True(t, errors.Is(err, fault.ErrBusy), "second Run: %v", err)
}

func TestRunPreconditions(t *testing.T) {
	rg := newRig(t, nil)
	files := singleFile(t, "a.txt", []byte("abc"))

	r := rg.runner(func(o *Options) { o.Settings.TargetDir = `relative\dir` })
	assert.ErrorIs(t, r.Run(context.Background(), files), fault.ErrPrecondition)

	r = rg.runner(nil)
	assert.ErrorIs(t, r.Run(context.Background(), nil), fault.ErrPrecondition)
	assert.Nil(t, r.Job())
}
