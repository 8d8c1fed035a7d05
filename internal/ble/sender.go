package ble

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/control"
	"github.com/chaz8081/byteflusher/internal/fault"
)

// Link is the part of a peer the sender needs.
type Link interface {
	Connected() bool
	Status() *StatusTracker
	WritePacket(pkt []byte) error
}

// Compile-time check that Peer implements Link.
var _ Link = (*Peer)(nil)

// TransferSession numbers the packets of one run. The session id is random
// and never zero; seq increments per successfully written packet.
type TransferSession struct {
	ID  uint16
	seq uint32
}

// NewTransferSession returns a session with a fresh nonzero id.
func NewTransferSession() *TransferSession {
	var b [2]byte
	_, _ = rand.Read(b[:])
	id := binary.LittleEndian.Uint16(b[:])
	if id == 0 {
		id = 1
	}
	return &TransferSession{ID: id}
}

// Seq returns the sequence number of the next packet.
func (s *TransferSession) Seq() uint32 { return s.seq }

// SenderOptions configures retry behavior. The zero value fails fast.
type SenderOptions struct {
	// RetryDelay enables retrying a failed write after this delay instead of
	// returning the error.
	RetryDelay time.Duration
	// Reconnect, if set, is called when the link is down instead of failing
	// with fault.ErrLinkLost.
	Reconnect func(ctx context.Context) error
	// OnChunk is called after each chunk is written with the number of
	// payload bytes delivered so far in this Send call.
	OnChunk func(sent int)
}

// Sender delivers byte buffers over the flush characteristic, pacing
// writes by the peer's buffer status.
type Sender struct {
	link    Link
	gate    *control.Gate
	session *TransferSession
	opts    SenderOptions
}

// NewSender creates a sender for one transfer session.
func NewSender(link Link, gate *control.Gate, session *TransferSession, opts SenderOptions) *Sender {
	return &Sender{link: link, gate: gate, session: session, opts: opts}
}

// Session returns the transfer session.
func (s *Sender) Session() *TransferSession { return s.session }

// WithGate returns a sender sharing link and session but obeying gate.
func (s *Sender) WithGate(gate *control.Gate) *Sender {
	cp := *s
	cp.gate = gate
	return &cp
}

// Send writes data in chunks of chunkSize bytes, sleeping delay after each
// chunk. A stop request ends the send early without error. While paused it
// blocks. A dropped link fails with fault.ErrLinkLost unless a reconnect
// hook is configured.
func (s *Sender) Send(ctx context.Context, data []byte, chunkSize int, delay time.Duration) error {
	if chunkSize <= 0 {
		return fmt.Errorf("ble: send: chunk size %d: %w", chunkSize, fault.ErrPrecondition)
	}

	offset := 0
	for offset < len(data) {
		if err := s.gate.Wait(ctx); err != nil {
			if errors.Is(err, fault.ErrUserStopped) {
				return nil
			}
			return err
		}

		if !s.link.Connected() {
			if s.opts.Reconnect == nil {
				return fmt.Errorf("ble: send: %w", fault.ErrLinkLost)
			}
			if err := s.opts.Reconnect(ctx); err != nil {
				if errors.Is(err, fault.ErrUserStopped) {
					return nil
				}
				return fmt.Errorf("ble: send: reconnect: %w", err)
			}
			continue
		}

		end := min(offset+chunkSize, len(data))
		chunk := data[offset:end]
		s.link.Status().WaitForRoom(ctx, RoomFor(len(chunk), chunkSize), s.interrupted)
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.interrupted() {
			// Re-check stop, pause and liveness at the top of the loop.
			continue
		}

		pkt := protocol.MarshalPacket(s.session.ID, s.session.seq, chunk)
		if err := s.link.WritePacket(pkt); err != nil {
			if s.opts.RetryDelay <= 0 {
				return fmt.Errorf("ble: write packet seq=%d: %w", s.session.seq, err)
			}
			slog.Warn("[BLE] write failed, retrying", "seq", s.session.seq, "error", err, "delay", s.opts.RetryDelay)
			if err := sleep(ctx, s.opts.RetryDelay); err != nil {
				return err
			}
			continue
		}

		s.session.seq++
		offset = end
		if s.opts.OnChunk != nil {
			s.opts.OnChunk(offset)
		}
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// interrupted reports whether a flow-control wait should be abandoned.
func (s *Sender) interrupted() bool {
	return s.gate.Stopped() || s.gate.Paused() || !s.link.Connected()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
