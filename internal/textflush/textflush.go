// Package textflush streams text to the device, which types it on the
// host it is plugged into. Unlike a file transfer it survives link drops:
// failed writes are retried and the link is re-established.
package textflush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/byteflusher/internal/ble"
	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/control"
	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/job"
	"github.com/chaz8081/byteflusher/internal/keystroke"
)

// Options are the text-mode device timing and transfer settings. Delays
// are in milliseconds.
type Options struct {
	TypingDelayMs     int
	ModeSwitchDelayMs int
	KeyPressDelayMs   int
	ChunkSize         int
	ChunkDelayMs      int
	RetryDelayMs      int
	ToggleKey         protocol.ToggleKey
	TrimIndent        bool
	Replacement       string
}

// DefaultOptions returns the text-mode defaults.
func DefaultOptions() Options {
	return Options{
		TypingDelayMs:     30,
		ModeSwitchDelayMs: 100,
		KeyPressDelayMs:   10,
		ChunkSize:         20,
		ChunkDelayMs:      30,
		RetryDelayMs:      300,
		ToggleKey:         protocol.ToggleRightAlt,
		Replacement:       keystroke.DefaultReplacement,
	}
}

func clamp(v, lo, hi int) int { return min(max(v, lo), hi) }

// Normalize clamps every value into its supported range.
func (o Options) Normalize() Options {
	o.TypingDelayMs = clamp(o.TypingDelayMs, 0, 1000)
	o.ModeSwitchDelayMs = clamp(o.ModeSwitchDelayMs, 0, 3000)
	o.KeyPressDelayMs = clamp(o.KeyPressDelayMs, 0, 300)
	o.ChunkSize = clamp(o.ChunkSize, 1, 200)
	o.ChunkDelayMs = clamp(o.ChunkDelayMs, 0, 200)
	o.RetryDelayMs = clamp(o.RetryDelayMs, 0, 5000)
	if o.Replacement == "" {
		o.Replacement = keystroke.DefaultReplacement
	}
	return o
}

// DeviceConfig returns the device timing for a text run.
func (o Options) DeviceConfig(paused, abort bool) protocol.DeviceConfig {
	return protocol.DeviceConfig{
		TypingDelayMs:     o.TypingDelayMs,
		ModeSwitchDelayMs: o.ModeSwitchDelayMs,
		KeyPressDelayMs:   o.KeyPressDelayMs,
		ToggleKey:         o.ToggleKey,
		Paused:            paused,
		Abort:             abort,
	}
}

// Estimate is the pre-start estimate of a text run.
type Estimate struct {
	Bytes        int
	Keystrokes   uint64
	ModeSwitches uint64
	Chunks       int
	Replaced     int
	DeviceMs     int64
	TxMs         int64
	Duration     time.Duration
}

// Prepare returns the text exactly as it will be sent.
func (o Options) Prepare(text string) keystroke.Prepared {
	return keystroke.Prepare(text, o.Replacement, o.TrimIndent)
}

// EstimateText predicts the run time of text: the slower of the device
// typing it and the host transmitting it.
func EstimateText(text string, o Options) Estimate {
	o = o.Normalize()
	pre := o.Prepare(text)
	cost := keystroke.Estimate(keystroke.NormalizeNewlines(pre.Text))

	perKey := int64(o.TypingDelayMs + 2*o.KeyPressDelayMs)
	perSwitch := int64(o.ModeSwitchDelayMs + 2*o.KeyPressDelayMs)
	e := Estimate{
		Bytes:        len(pre.Text),
		Keystrokes:   cost.Keystrokes,
		ModeSwitches: cost.ModeSwitches,
		Chunks:       protocol.ChunkCount(len(pre.Text), o.ChunkSize),
		Replaced:     pre.Replaced,
	}
	e.DeviceMs = int64(cost.Keystrokes)*perKey + int64(cost.ModeSwitches)*perSwitch
	if e.Chunks > 1 {
		e.TxMs = int64(e.Chunks-1) * int64(o.ChunkDelayMs)
	}
	e.Duration = time.Duration(max(e.DeviceMs, e.TxMs)) * time.Millisecond
	return e
}

// Peer is what a text run needs from the device link.
type Peer interface {
	ble.Link
	WriteConfig(cfg protocol.DeviceConfig) error
	HasConfig() bool
	Reconnect(ctx context.Context, stop func() bool) error
}

var _ Peer = (*ble.Peer)(nil)

// Flusher sends one text. Pause, Resume and Stop may be called from any
// goroutine while Flush runs.
type Flusher struct {
	peer Peer
	opts Options
	gate *control.Gate
	now  func() time.Time

	mu      sync.Mutex
	job     *job.Job
	onStart func(*job.Job)
}

// New creates a Flusher. now may be nil.
func New(peer Peer, opts Options, now func() time.Time) *Flusher {
	if now == nil {
		now = time.Now
	}
	return &Flusher{peer: peer, opts: opts.Normalize(), gate: control.NewGate(), now: now}
}

// Job returns the run's job, or nil before Flush starts it.
func (f *Flusher) Job() *job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job
}

// OnStart registers fn to receive the job as soon as Flush creates it.
func (f *Flusher) OnStart(fn func(*job.Job)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStart = fn
}

// Pause holds the transfer and asks the device to stop typing.
func (f *Flusher) Pause() {
	if f.gate.Pause() {
		if j := f.Job(); j != nil {
			j.SetPaused(true)
		}
		f.writeFlags(true, false)
	}
}

// Resume continues a paused transfer.
func (f *Flusher) Resume() {
	if f.gate.Resume() {
		f.writeFlags(false, false)
		if j := f.Job(); j != nil {
			j.SetPaused(false)
		}
	}
}

// Stop ends the transfer and makes the device drop what it has queued.
func (f *Flusher) Stop() {
	if f.gate.Stop() {
		f.writeFlags(false, true)
		if j := f.Job(); j != nil {
			j.SetPaused(false)
		}
	}
}

func (f *Flusher) writeFlags(paused, abort bool) {
	if !f.peer.Connected() || !f.peer.HasConfig() {
		return
	}
	if err := f.peer.WriteConfig(f.opts.DeviceConfig(paused, abort)); err != nil {
		slog.Warn("[TEXT] device flag write failed", "paused", paused, "abort", abort, "error", err)
	}
}

// Flush prepares text and streams it. It returns an error wrapping
// fault.ErrUserStopped when stopped; the job records how far it got.
func (f *Flusher) Flush(ctx context.Context, text string) error {
	pre := f.opts.Prepare(text)
	data := []byte(pre.Text)
	est := EstimateText(text, f.opts)

	f.mu.Lock()
	if f.job != nil {
		f.mu.Unlock()
		return fmt.Errorf("textflush: %w", fault.ErrBusy)
	}
	j := job.New(job.Plan{Duration: est.Duration, TotalBytes: int64(len(data))}, f.now)
	f.job = j
	onStart := f.onStart
	f.mu.Unlock()
	if onStart != nil {
		onStart(j)
	}
	j.SetStage(job.StageSendChunks)
	if f.gate.Paused() {
		j.SetPaused(true)
	}

	session := ble.NewTransferSession()
	slog.Info("[TEXT] start", "bytes", len(data), "replaced", pre.Replaced, "session", session.ID,
		"chunk", f.opts.ChunkSize, "eta", est.Duration.Round(time.Second))

	if f.peer.HasConfig() {
		if err := f.peer.WriteConfig(f.opts.DeviceConfig(f.gate.Paused(), false)); err != nil {
			slog.Warn("[TEXT] applying device timing failed", "error", err)
		}
	}

	var sent int64
	sender := ble.NewSender(f.peer, f.gate, session, ble.SenderOptions{
		RetryDelay: max(time.Millisecond, time.Duration(f.opts.RetryDelayMs)*time.Millisecond),
		Reconnect:  f.reconnect,
		OnChunk: func(n int) {
			j.AddSent(int64(n) - sent)
			sent = int64(n)
		},
	})
	err := sender.Send(ctx, data, f.opts.ChunkSize, time.Duration(f.opts.ChunkDelayMs)*time.Millisecond)
	if err == nil && f.gate.Stopped() {
		err = fault.ErrUserStopped
	}
	switch {
	case err == nil:
		j.Finish(job.StageDone, "")
		slog.Info("[TEXT] done", "bytes", len(data), "packets", session.Seq())
		return nil
	case errors.Is(err, fault.ErrUserStopped), errors.Is(err, context.Canceled):
		j.Finish(job.StageStopped, fault.Reason(fault.ErrUserStopped))
		slog.Info("[TEXT] stopped", "sent", sent, "total", len(data))
		return fmt.Errorf("textflush: %w", fault.ErrUserStopped)
	default:
		err = fmt.Errorf("textflush: %w", err)
		j.Finish(job.StageError, fault.Reason(err))
		return err
	}
}

func (f *Flusher) reconnect(ctx context.Context) error {
	slog.Warn("[TEXT] link lost, reconnecting")
	return f.peer.Reconnect(ctx, f.gate.Stopped)
}
