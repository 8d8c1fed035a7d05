// Package transfer runs a file transfer to a Windows target: it opens a
// PowerShell console through the macro channel, installs the helper
// script, and types every file as Base64 lines that the helper decodes
// and verifies on the target.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chaz8081/byteflusher/internal/ble"
	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/control"
	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/job"
	"github.com/chaz8081/byteflusher/internal/macro"
	"github.com/chaz8081/byteflusher/internal/psboot"
)

// lineChunkSize is the packet payload used for typed console lines.
const lineChunkSize = 20

// Macro-channel settle times around opening the console.
const (
	escapeSettle  = 40 * time.Millisecond
	englishSettle = 50 * time.Millisecond
	warmupLines   = 3
)

// cleanupTimeout bounds the cleanup lines typed after a stop or failure.
const cleanupTimeout = 2 * time.Minute

var timeNow = time.Now

// Peer is what a run needs from the device link.
type Peer interface {
	ble.Link
	macro.Writer
	WriteConfig(cfg protocol.DeviceConfig) error
	HasMacro() bool
}

// Compile-time check that the BLE peer can drive a run.
var _ Peer = (*ble.Peer)(nil)

// Options configures a Runner.
type Options struct {
	Settings Settings
	// Format is the guarded line format; the zero value means default.
	Format psboot.LineFormat
	// Token fixes the run token. Empty generates one.
	Token string
	// Probe, if set, is called after every typed line and reports an error
	// the target printed. Only an observable target (the emulator) has one.
	Probe func() error
	// Sleep waits between lines; tests replace it to run without delays.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	// OnStart, if set, receives the job as soon as the run creates it.
	OnStart func(j *job.Job)
}

// Runner executes one file transfer. Pause, Resume and Stop may be called
// from any goroutine while Run is active.
type Runner struct {
	peer Peer
	opts Options
	gate *control.Gate

	ctlMu sync.Mutex // orders flag writes with gate changes

	mu      sync.Mutex
	job     *job.Job
	started bool
}

// NewRunner creates a runner. Settings are normalized.
func NewRunner(peer Peer, opts Options) *Runner {
	opts.Settings = opts.Settings.Normalize()
	if opts.Format == (psboot.LineFormat{}) {
		opts.Format = psboot.DefaultLineFormat()
	}
	opts.Format = opts.Format.Normalize()
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = timeNow
	}
	return &Runner{peer: peer, opts: opts, gate: control.NewGate()}
}

// Settings returns the normalized settings of the run.
func (r *Runner) Settings() Settings { return r.opts.Settings }

// Job returns the run's job, or nil before Run starts it.
func (r *Runner) Job() *job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

func (r *Runner) active() bool {
	j := r.Job()
	return j != nil && !j.Stage().Terminal()
}

// Pause pauses the run at the next line or packet boundary and asks the
// device to hold its buffer.
func (r *Runner) Pause() {
	r.ctlMu.Lock()
	defer r.ctlMu.Unlock()
	if !r.gate.Pause() {
		return
	}
	slog.Info("[RUN] paused")
	if j := r.Job(); j != nil {
		j.SetPaused(true)
	}
	r.writeFlags(true, false)
}

// Resume continues a paused run.
func (r *Runner) Resume() {
	r.ctlMu.Lock()
	defer r.ctlMu.Unlock()
	if !r.gate.Resume() {
		return
	}
	slog.Info("[RUN] resumed")
	r.writeFlags(false, false)
	if j := r.Job(); j != nil {
		j.SetPaused(false)
	}
}

// Stop ends the run. The device is told to drop its buffer before the
// run observes the stop, so cleanup lines are not discarded with it.
func (r *Runner) Stop() {
	r.ctlMu.Lock()
	defer r.ctlMu.Unlock()
	if r.gate.Stopped() {
		return
	}
	r.writeFlags(false, true)
	r.gate.Stop()
	slog.Info("[RUN] stop requested")
	if j := r.Job(); j != nil {
		j.SetPaused(false)
	}
}

// writeFlags is best effort; the host side pauses and stops regardless.
func (r *Runner) writeFlags(paused, abort bool) {
	if !r.active() {
		return
	}
	if err := r.peer.WriteConfig(r.opts.Settings.DeviceConfig(paused, abort)); err != nil {
		slog.Warn("[RUN] device flag write failed", "paused", paused, "abort", abort, "error", err)
	}
}

// Run transfers files and blocks until the run ends. A stopped run returns
// an error wrapping fault.ErrUserStopped after its cleanup. A Runner runs
// once; a second call fails with fault.ErrBusy.
func (r *Runner) Run(ctx context.Context, files []File) error {
	s := r.opts.Settings
	if err := s.Validate(); err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("transfer: no files: %w", fault.ErrPrecondition)
	}
	if !r.peer.HasMacro() {
		return fmt.Errorf("transfer: device has no macro channel, update its firmware: %w", fault.ErrPrecondition)
	}

	token := r.opts.Token
	if token == "" {
		token = psboot.RunToken(r.opts.Now())
	}
	plan := job.Estimate(s.Params(r.opts.Format, token, files))

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("transfer: %w", fault.ErrBusy)
	}
	r.started = true
	r.job = job.New(plan, r.opts.Now)
	if r.gate.Paused() {
		r.job.SetPaused(true)
	}
	r.mu.Unlock()
	if r.opts.OnStart != nil {
		r.opts.OnStart(r.Job())
	}

	ru := &run{
		Runner: r,
		job:    r.job,
		token:  token,
		helper: s.HelperOptions(token),
	}
	ru.bind(r.gate)

	slog.Info("[RUN] start", "token", token, "files", plan.Files, "bytes", plan.TotalBytes,
		"eta", plan.Duration.Round(time.Second), "target", s.TargetDir)

	err := ru.execute(ctx, files)
	if err == nil {
		ru.job.SetStage(job.StageCleanup)
		err = ru.line(ctx, psboot.FnFinalize, psboot.GuardNormal, s.CommandDelayMs)
		if err == nil {
			ru.job.SetTempPath("")
			ru.job.Finish(job.StageDone, "")
			slog.Info("[RUN] done", "files", len(files), "elapsed", ru.job.Snapshot().Elapsed.Round(time.Second))
			return nil
		}
	}

	if fault.Classify(err) == fault.CodeStopped || r.gate.Stopped() {
		stage := ru.stage
		ru.cleanup(ctx, nil)
		ru.job.Finish(job.StageStopped, fault.Reason(fault.ErrUserStopped))
		slog.Info("[RUN] stopped", "stage", stage)
		return fmt.Errorf("transfer: %s: %w", stage, fault.ErrUserStopped)
	}

	err = fmt.Errorf("transfer: %s: %w", ru.stage, err)
	slog.Error("[RUN] failed", "error", err)
	ru.cleanup(ctx, err)
	ru.job.Finish(job.StageError, fault.Reason(err))
	return err
}

// run is the state of one Run call.
type run struct {
	*Runner
	job    *job.Job
	token  string
	helper psboot.HelperOptions

	gate   *control.Gate
	sender *ble.Sender
	macros *macro.Client

	stage        job.Stage
	dialogOpen   bool // the Run dialog may be in the foreground
	consoleOpen  bool // PowerShell has been launched and settled
	bootstrapped bool
	// dirty is set while a line has been started but not finished.
	dirty bool
}

// bind points the run's writers at gate. The packet session is kept so
// sequence numbers continue across the switch.
func (ru *run) bind(gate *control.Gate) {
	ru.gate = gate
	if ru.sender == nil {
		ru.sender = ble.NewSender(ru.peer, gate, ble.NewTransferSession(), ble.SenderOptions{})
	} else {
		ru.sender = ru.sender.WithGate(gate)
	}
	ru.macros = macro.NewClient(ru.peer, gate)
}

func (ru *run) setStage(s job.Stage) {
	ru.stage = s
	ru.job.SetStage(s)
	slog.Debug("[RUN] stage", "stage", s)
}

func (ru *run) pause(ctx context.Context, ms int) error {
	if ms <= 0 {
		return nil
	}
	return ru.opts.Sleep(ctx, time.Duration(ms)*time.Millisecond)
}

// line types one guarded console line and waits delayMs after it.
func (ru *run) line(ctx context.Context, text string, g psboot.Guard, delayMs int) error {
	if err := ru.gate.Wait(ctx); err != nil {
		return err
	}
	ru.dirty = true
	if err := ru.sender.Send(ctx, []byte(ru.opts.Format.Format(text, g)), lineChunkSize, 0); err != nil {
		return err
	}
	if ru.gate.Stopped() {
		// Send ends early on stop; the line may be incomplete.
		return fault.ErrUserStopped
	}
	ru.dirty = false
	ru.job.LineDone(1)
	if err := ru.pause(ctx, delayMs); err != nil {
		return err
	}
	if ru.opts.Probe != nil {
		if err := ru.opts.Probe(); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
	}
	return nil
}

func (ru *run) execute(ctx context.Context, files []File) error {
	s := ru.opts.Settings

	ru.setStage(job.StagePrepare)
	if err := ru.peer.WriteConfig(s.DeviceConfig(false, false)); err != nil {
		return fmt.Errorf("write device config: %w", err)
	}
	if err := ru.openConsole(ctx); err != nil {
		return err
	}
	warm := max(s.LineDelayMs, s.CommandDelayMs)
	for range warmupLines {
		if err := ru.line(ctx, "", psboot.GuardNone, warm); err != nil {
			return err
		}
	}
	if err := ru.line(ctx, psboot.ReadyLine(ru.token), psboot.GuardStrong, s.CommandDelayMs); err != nil {
		return err
	}

	ru.setStage(job.StageBootstrap)
	for _, l := range psboot.Launcher(s.TargetDir, ru.token).Lines() {
		delay := s.LineDelayMs
		if psboot.IsStructural(l) {
			delay = s.CommandDelayMs
		}
		if err := ru.line(ctx, l, psboot.GuardStrong, delay); err != nil {
			return err
		}
	}
	for _, c := range psboot.BootChunks(ru.helper) {
		if err := ru.line(ctx, psboot.Call(psboot.FnBootAppend, c), psboot.GuardNormal, s.LineDelayMs+s.ChunkDelayMs); err != nil {
			return err
		}
	}
	if err := ru.line(ctx, psboot.FnBootRun, psboot.GuardStrong, s.CommandDelayMs); err != nil {
		return err
	}
	ru.bootstrapped = true
	ru.job.SetTempPath(ru.helper.TempPath)
	if err := ru.pause(ctx, s.BootstrapDelayMs); err != nil {
		return err
	}
	ru.job.Recalibrate(job.RecalAfterBootstrap)

	for i, f := range files {
		slog.Info("[RUN] file", "n", i+1, "of", len(files), "path", f.Rel, "bytes", f.Size)
		if err := ru.sendFile(ctx, f, i == 0); err != nil {
			return err
		}
	}
	return nil
}

// openConsole starts PowerShell from the Run dialog.
func (ru *run) openConsole(ctx context.Context) error {
	s := ru.opts.Settings
	mc := ru.macros
	wait := func(d time.Duration) func() error {
		return func() error { return ru.opts.Sleep(ctx, d) }
	}
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	steps := []func() error{
		func() error { return mc.Escape(ctx) },
		wait(escapeSettle),
		func() error { return mc.Escape(ctx) },
		wait(escapeSettle),
		func() error {
			ru.dialogOpen = true
			return mc.OpenRunDialog(ctx)
		},
		wait(ms(s.RunDialogDelayMs)),
		func() error { return mc.ForceEnglish(ctx) },
		wait(englishSettle),
		func() error { return mc.TypeASCII(ctx, psboot.LaunchCommand) },
		func() error { return mc.Enter(ctx) },
		wait(ms(s.PSLaunchDelayMs)),
		wait(ms(job.SettleMs(s.CommandDelayMs))),
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	ru.consoleOpen = true
	return nil
}

// sendFile types one file into the temp buffer and commits it. The second
// recalibration point belongs to the first file only.
func (ru *run) sendFile(ctx context.Context, f File, first bool) error {
	s := ru.opts.Settings
	ru.setStage(job.StageSendChunks)

	data, err := os.ReadFile(f.Local)
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Local, err)
	}
	sum := sha256.Sum256(data)
	expected := hex.EncodeToString(sum[:])
	chunks := protocol.ChunkString(base64.StdEncoding.EncodeToString(data), s.ChunkChars)

	out := f.Out(s.TargetDir)
	if err := ru.line(ctx, psboot.Call(psboot.FnPrepareOut, psboot.EncodeUTF16Base64(out)), psboot.GuardNormal, s.CommandDelayMs); err != nil {
		return err
	}
	if err := ru.line(ctx, psboot.FnTmpReset, psboot.GuardNormal, s.CommandDelayMs); err != nil {
		return err
	}

	size := int64(len(data))
	var sent int64
	for i, c := range chunks {
		if err := ru.line(ctx, psboot.Call(psboot.FnTmpAppend, c), psboot.GuardNormal, s.LineDelayMs+s.ChunkDelayMs); err != nil {
			return err
		}
		next := min(size, int64(i+1)*size/int64(len(chunks)))
		ru.job.AddSent(next - sent)
		sent = next
		if first {
			// No-op once it succeeded.
			ru.job.Recalibrate(job.RecalFirstChunk)
		}
	}

	ru.setStage(job.StageVerifyHash)
	ru.setStage(job.StageDecode)
	if err := ru.line(ctx, psboot.Call(psboot.FnCommit, expected), psboot.GuardNormal, s.CommandDelayMs); err != nil {
		return fmt.Errorf("commit %s: %w", out, err)
	}
	ru.setStage(job.StageCleanup)
	return nil
}

// cleanup removes the run's work files on the target after a stop
// (failure == nil) or a failure. It types with a fresh gate and clears the
// device abort flag first. With diagnostic logging on, a failed run keeps
// its work directory so the log survives.
func (ru *run) cleanup(ctx context.Context, failure error) {
	s := ru.opts.Settings
	if !ru.peer.Connected() {
		slog.Warn("[RUN] skipping cleanup, device not connected")
		return
	}
	if failure != nil && ru.bootstrapped && s.DiagLog {
		slog.Info("[RUN] keeping work directory for diagnostics", "log", psboot.LogPath(s.TargetDir))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	ru.setStage(job.StageCleanup)

	ru.ctlMu.Lock()
	if err := ru.peer.WriteConfig(s.DeviceConfig(false, false)); err != nil {
		slog.Warn("[RUN] clearing device flags failed", "error", err)
	}
	ru.ctlMu.Unlock()

	ru.bind(control.NewGate())
	if ru.dirty {
		// Escape discards the unfinished console input.
		if err := ru.macros.Escape(ctx); err != nil {
			slog.Warn("[RUN] escape before cleanup failed", "error", err)
		}
		ru.dirty = false
	}

	if !ru.consoleOpen {
		// Nothing reliable has focus; typing now would land in the Run
		// dialog or an unrelated window. No work files exist yet.
		if ru.dialogOpen {
			if err := ru.macros.Escape(ctx); err != nil {
				slog.Warn("[RUN] closing run dialog failed", "error", err)
			}
		}
		slog.Info("[RUN] console never opened, nothing to clean up")
		return
	}

	var err error
	if ru.bootstrapped {
		err = ru.line(ctx, psboot.FnFinalize, psboot.GuardNormal, s.CommandDelayMs)
	} else {
		err = ru.line(ctx, psboot.RemoveWorkDirLine(s.TargetDir), psboot.GuardStrong, s.CommandDelayMs)
	}
	if err != nil {
		slog.Warn("[RUN] cleanup failed", "error", err)
		return
	}
	ru.job.SetTempPath("")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
