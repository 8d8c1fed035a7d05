// Package session owns the device connection and the run using it. A
// session moves Idle → Connecting → Connected → Running and back, and
// allows at most one run at a time.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/byteflusher/internal/ble"
	"github.com/chaz8081/byteflusher/internal/fault"
	"github.com/chaz8081/byteflusher/internal/history"
	"github.com/chaz8081/byteflusher/internal/job"
	"github.com/chaz8081/byteflusher/internal/psboot"
	"github.com/chaz8081/byteflusher/internal/textflush"
	"github.com/chaz8081/byteflusher/internal/transfer"
)

// State is the session's connection and run state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Recorder stores finished runs.
type Recorder interface {
	Record(r history.Run) (string, error)
}

// Options configures a Session.
type Options struct {
	Adapter     ble.Adapter
	Address     string // empty picks the strongest device found by a scan
	ScanTimeout time.Duration
	Peer        ble.PeerOptions

	// History, if set, receives every run that started.
	History Recorder
	// OnStart, if set, receives each run's job as soon as it exists.
	OnStart func(kind history.Kind, j *job.Job)

	// Probe, Sleep and Now are passed to file runs; see transfer.Options.
	Probe func() error
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// controller is the part of a run the session forwards pause and stop to.
type controller interface {
	Pause()
	Resume()
	Stop()
}

// Session is safe for concurrent use. Pause, Resume and Stop are meant to
// be called from another goroutine while a run blocks.
type Session struct {
	opts Options

	mu    sync.Mutex
	state State
	peer  *ble.Peer
	ctl   controller
	last  *job.Job
}

// New creates an idle session.
func New(opts Options) *Session {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{opts: opts}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Linked reports whether the session holds a live link to the device.
func (s *Session) Linked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer != nil && s.peer.Connected()
}

// Address returns the connected device's address, or "" when idle.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return ""
	}
	return s.peer.Address()
}

// Job returns the job of the current or most recent run.
func (s *Session) Job() *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Connect links to the device. It is a no-op when already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting, StateRunning:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session: connect while %s: %w", st, fault.ErrBusy)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	peer, err := s.dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateIdle
		return err
	}
	s.peer = peer
	s.state = StateConnected
	return nil
}

func (s *Session) dial(ctx context.Context) (*ble.Peer, error) {
	addr, err := ble.ResolveAddress(s.opts.Adapter, s.opts.Address, s.opts.ScanTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	slog.Info("[SESSION] connecting", "address", addr)
	peer, err := ble.Connect(ctx, s.opts.Adapter, addr, s.opts.Peer)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	peer.OnDisconnect(func() { s.linkLost(addr) })
	return peer, nil
}

// linkLost reports a dropped link. A drop during a run ends or stalls that
// run and is an error; a drop while idle only needs a reconnect.
func (s *Session) linkLost(addr string) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateRunning {
		slog.Error("[SESSION] device link lost during a run", "address", addr)
		return
	}
	slog.Warn("[SESSION] device link lost while idle", "address", addr, "state", state)
}

// Disconnect closes the link. It fails with fault.ErrBusy during a run.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		return nil
	case StateConnecting, StateRunning:
		return fmt.Errorf("session: disconnect while %s: %w", s.state, fault.ErrBusy)
	}
	err := s.peer.Close()
	s.peer = nil
	s.state = StateIdle
	slog.Info("[SESSION] disconnected")
	return err
}

// begin moves Connected → Running and returns the peer.
func (s *Session) begin() (*ble.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		s.state = StateRunning
		return s.peer, nil
	case StateRunning:
		return nil, fmt.Errorf("session: a run is already active: %w", fault.ErrBusy)
	default:
		return nil, fmt.Errorf("session: not connected: %w", fault.ErrPrecondition)
	}
}

func (s *Session) attach(c controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctl = c
}

// end moves Running → Connected.
func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctl = nil
	s.state = StateConnected
}

func (s *Session) started(kind history.Kind, j *job.Job) {
	s.mu.Lock()
	s.last = j
	s.mu.Unlock()
	if s.opts.OnStart != nil {
		s.opts.OnStart(kind, j)
	}
}

// record stores a run that got as far as creating its job.
func (s *Session) record(kind history.Kind, token string, j *job.Job, runErr error) {
	if s.opts.History == nil || j == nil {
		return
	}
	r := history.FromSnapshot(kind, token, j.Snapshot(), runErr)
	if _, err := s.opts.History.Record(r); err != nil {
		slog.Warn("[SESSION] recording run history failed", "error", err)
	}
}

// SendFiles transfers the files and folders at paths and blocks until the
// run ends.
func (s *Session) SendFiles(ctx context.Context, settings transfer.Settings, format psboot.LineFormat, paths ...string) error {
	files, err := transfer.CollectFiles(paths...)
	if err != nil {
		return err
	}
	peer, err := s.begin()
	if err != nil {
		return err
	}
	defer s.end()

	token := psboot.RunToken(s.opts.Now())
	r := transfer.NewRunner(peer, transfer.Options{
		Settings: settings,
		Format:   format,
		Token:    token,
		Probe:    s.opts.Probe,
		Sleep:    s.opts.Sleep,
		Now:      s.opts.Now,
		OnStart:  func(j *job.Job) { s.started(history.KindFile, j) },
	})
	s.attach(r)

	err = r.Run(ctx, files)
	s.record(history.KindFile, token, r.Job(), err)
	return err
}

// SendText streams text for the device to type and blocks until done.
func (s *Session) SendText(ctx context.Context, opts textflush.Options, text string) error {
	peer, err := s.begin()
	if err != nil {
		return err
	}
	defer s.end()

	f := textflush.New(peer, opts, s.opts.Now)
	f.OnStart(func(j *job.Job) { s.started(history.KindText, j) })
	s.attach(f)

	err = f.Flush(ctx, text)
	s.record(history.KindText, "", f.Job(), err)
	return err
}

func (s *Session) control() controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctl
}

// Pause pauses the active run. It reports whether a run was active.
func (s *Session) Pause() bool {
	c := s.control()
	if c != nil {
		c.Pause()
	}
	return c != nil
}

// Resume resumes the active run. It reports whether a run was active.
func (s *Session) Resume() bool {
	c := s.control()
	if c != nil {
		c.Resume()
	}
	return c != nil
}

// Stop stops the active run. It reports whether a run was active.
func (s *Session) Stop() bool {
	c := s.control()
	if c != nil {
		c.Stop()
	}
	return c != nil
}

// Paused reports whether the active run is paused.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.last == nil {
		return false
	}
	return s.last.Snapshot().Paused
}

// idlePeer returns the peer when connected and no run is active.
func (s *Session) idlePeer() (*ble.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		return s.peer, nil
	case StateRunning:
		return nil, fmt.Errorf("session: a run is active: %w", fault.ErrBusy)
	default:
		return nil, fmt.Errorf("session: not connected: %w", fault.ErrPrecondition)
	}
}

// Nickname reads the device nickname.
func (s *Session) Nickname() (string, error) {
	p, err := s.idlePeer()
	if err != nil {
		return "", err
	}
	return p.Nickname()
}

// SetNickname writes a new device nickname and returns the stored form.
func (s *Session) SetNickname(name string) (string, error) {
	p, err := s.idlePeer()
	if err != nil {
		return "", err
	}
	return p.SetNickname(name)
}

// RequestBootloader reboots the device into its firmware updater and
// closes the link, which the reboot drops anyway.
func (s *Session) RequestBootloader() error {
	p, err := s.idlePeer()
	if err != nil {
		return err
	}
	if err := p.RequestBootloader(); err != nil {
		return err
	}
	return s.Disconnect()
}
