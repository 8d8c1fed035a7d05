// Package job tracks one run: its stage, paused time, byte and work-line
// progress, and the ETA shown to the user.
package job

import (
	"sync"
	"time"
)

// Stage is the orchestrator's current step.
type Stage int

const (
	StagePrepare Stage = iota
	StageBootstrap
	StageSendChunks
	StageDecode
	StageVerifyHash
	StageCleanup
	StageDone
	StageStopped
	StageError
)

var stageNames = [...]string{
	StagePrepare:    "prepare",
	StageBootstrap:  "bootstrap",
	StageSendChunks: "send",
	StageDecode:     "decode",
	StageVerifyHash: "verify",
	StageCleanup:    "cleanup",
	StageDone:       "done",
	StageStopped:    "stopped",
	StageError:      "error",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Terminal reports whether the run has ended.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageStopped || s == StageError
}

// RecalPoint names a moment at which the ETA may be revised.
type RecalPoint int

const (
	// RecalAfterBootstrap follows bf_boot_run.
	RecalAfterBootstrap RecalPoint = iota
	// RecalFirstChunk follows the first appended chunk of the first file.
	RecalFirstChunk
	recalPoints
)

// Recalibration limits.
const (
	minRecalActive   = 1500 * time.Millisecond
	minRecalFraction = 0.005
	recalMinFactor   = 0.25
	recalMaxFactor   = 4.0
)

// Job is the mutable state of one run. It is safe for concurrent use: the
// orchestrator writes it while the display reads it.
type Job struct {
	mu  sync.Mutex
	now func() time.Time

	stage       Stage
	startedAt   time.Time
	endedAt     time.Time
	pausedAt    time.Time
	pausedAccum time.Duration

	totalBytes int64
	sentBytes  int64
	files      int

	workTotal int
	workDone  int

	initialEta time.Duration
	eta        time.Duration
	recal      [recalPoints]bool

	tempPath string
	reason   string
}

// New starts a job for the given plan. now may be nil.
func New(plan Plan, now func() time.Time) *Job {
	if now == nil {
		now = time.Now
	}
	return &Job{
		now:        now,
		stage:      StagePrepare,
		startedAt:  now(),
		totalBytes: plan.TotalBytes,
		files:      plan.Files,
		workTotal:  plan.WorkLines,
		initialEta: plan.Duration,
		eta:        plan.Duration,
	}
}

// SetStage moves the job to stage. Terminal stages are final.
func (j *Job) SetStage(stage Stage) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stage.Terminal() {
		return
	}
	j.stage = stage
}

// Stage returns the current stage.
func (j *Job) Stage() Stage {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage
}

// SetPaused starts or ends a paused interval. Paused time is excluded from
// the active time used for recalibration and the remaining estimate.
func (j *Job) SetPaused(paused bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case paused && j.pausedAt.IsZero():
		j.pausedAt = j.now()
	case !paused && !j.pausedAt.IsZero():
		j.pausedAccum += j.now().Sub(j.pausedAt)
		j.pausedAt = time.Time{}
	}
}

// AddSent adds n bytes-equivalent of progress, never exceeding the total.
func (j *Job) AddSent(n int64) {
	if n <= 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sentBytes = min(j.totalBytes, j.sentBytes+n)
}

// LineDone counts n typed lines. The count may exceed the estimated total.
func (j *Job) LineDone(n int) {
	if n <= 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.workDone += n
}

// SetTempPath records the remote temp buffer in use; empty clears it.
func (j *Job) SetTempPath(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tempPath = path
}

// TempPath returns the remote temp buffer in use, if any.
func (j *Job) TempPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tempPath
}

// activeLocked returns wall time since start minus paused time.
func (j *Job) activeLocked(at time.Time) time.Duration {
	paused := j.pausedAccum
	if !j.pausedAt.IsZero() {
		paused += at.Sub(j.pausedAt)
	}
	return max(0, at.Sub(j.startedAt)-paused)
}

// Recalibrate revises the ETA at point, once per point, from measured
// progress: the projection active/fraction is clamped to [0.25x, 4x] of the
// previous estimate and averaged with it. It reports whether the ETA
// changed; too little measured work leaves it alone.
func (j *Job) Recalibrate(point RecalPoint) bool {
	if point < 0 || point >= recalPoints {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.recal[point] || j.stage.Terminal() || j.eta <= 0 || j.workTotal <= 0 {
		return false
	}
	active := j.activeLocked(j.now())
	fraction := float64(j.workDone) / float64(j.workTotal)
	if active < minRecalActive || fraction < minRecalFraction {
		return false
	}
	j.recal[point] = true

	prev := float64(j.eta)
	projected := float64(active) / min(1, fraction)
	projected = min(max(projected, prev*recalMinFactor), prev*recalMaxFactor)
	j.eta = time.Duration((prev + projected) / 2)
	return true
}

// Finish ends the job in a terminal stage with an optional reason.
func (j *Job) Finish(stage Stage, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stage.Terminal() {
		return
	}
	if !j.pausedAt.IsZero() {
		j.pausedAccum += j.now().Sub(j.pausedAt)
		j.pausedAt = time.Time{}
	}
	j.stage = stage
	j.reason = reason
	j.endedAt = j.now()
	if stage == StageDone && j.workDone < j.workTotal {
		j.workDone = j.workTotal
	}
}

// Snapshot is a consistent copy of a job's state.
type Snapshot struct {
	Stage      Stage
	Paused     bool
	StartedAt  time.Time
	EndedAt    time.Time
	Elapsed    time.Duration
	Active     time.Duration
	TotalBytes int64
	SentBytes  int64
	Files      int
	WorkTotal  int
	WorkDone   int
	InitialETA time.Duration
	ETA        time.Duration
	Remaining  time.Duration
	TempPath   string
	Reason     string
}

// Percent is work-line progress capped at 100, or byte progress when no
// line estimate exists.
func (s Snapshot) Percent() float64 {
	if s.WorkTotal > 0 {
		return min(100, float64(s.WorkDone)*100/float64(s.WorkTotal))
	}
	if s.TotalBytes > 0 {
		return float64(s.SentBytes) * 100 / float64(s.TotalBytes)
	}
	return 0
}

// Snapshot returns the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	at := j.now()
	if !j.endedAt.IsZero() {
		at = j.endedAt
	}
	active := j.activeLocked(at)
	s := Snapshot{
		Stage:      j.stage,
		Paused:     !j.pausedAt.IsZero(),
		StartedAt:  j.startedAt,
		EndedAt:    j.endedAt,
		Elapsed:    at.Sub(j.startedAt),
		Active:     active,
		TotalBytes: j.totalBytes,
		SentBytes:  j.sentBytes,
		Files:      j.files,
		WorkTotal:  j.workTotal,
		WorkDone:   j.workDone,
		InitialETA: j.initialEta,
		ETA:        j.eta,
		TempPath:   j.tempPath,
		Reason:     j.reason,
	}
	if !j.stage.Terminal() {
		s.Remaining = max(0, j.eta-active)
	}
	return s
}
