package inject

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/byteflusher/internal/ble"
	"github.com/chaz8081/byteflusher/internal/ble/protocol"
)

// LoopbackAddress is the address the loopback peer advertises.
const LoopbackAddress = "loopback"

// loopbackCapacity is the receive ring size the loopback reports. Output is
// delivered synchronously, so the ring is always empty again on notify.
const loopbackCapacity = 512

// Loopback is an in-process ByteFlusher peer. It implements ble.Adapter so
// the regular peer link, sender and macro client drive it unchanged; data
// packets are reassembled the way the firmware does and handed to a Sink.
type Loopback struct {
	sink Sink

	mu         sync.Mutex
	conn       *loopbackConn
	session    uint16
	haveSeq    bool
	lastSeq    uint16
	config     protocol.DeviceConfig
	haveConfig bool
	nickname   string
	bootloader int
	delivered  int
	dupes      int
}

// Compile-time interface satisfaction check.
var _ ble.Adapter = (*Loopback)(nil)

// NewLoopback creates a loopback peer that delivers to sink.
func NewLoopback(sink Sink) *Loopback {
	return &Loopback{sink: sink}
}

func (l *Loopback) Enable() error { return nil }

// Scan reports the loopback device.
func (l *Loopback) Scan(_ context.Context, _ string) ([]ble.Device, error) {
	return []ble.Device{{Name: ble.NamePrefix + "-loopback", Address: LoopbackAddress}}, nil
}

// Connect opens a new connection. Receive state survives reconnects like a
// real device's.
func (l *Loopback) Connect(_ context.Context, address string) (ble.Connection, error) {
	if address != LoopbackAddress {
		return nil, fmt.Errorf("inject: loopback: unknown address %q", address)
	}
	conn := &loopbackConn{l: l}
	conn.status = &loopbackChar{read: l.statusValue}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return conn, nil
}

// Drop simulates the link going away.
func (l *Loopback) Drop() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		conn.drop()
	}
}

// Config returns the last device config written, if any.
func (l *Loopback) Config() (protocol.DeviceConfig, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config, l.haveConfig
}

// Delivered returns the number of payload bytes handed to the sink.
func (l *Loopback) Delivered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered
}

// Duplicates returns the number of packets dropped as repeats.
func (l *Loopback) Duplicates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dupes
}

// BootloaderRequests returns how many times the bootloader was requested.
func (l *Loopback) BootloaderRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bootloader
}

func (l *Loopback) statusValue() ([]byte, error) {
	return protocol.MarshalStatus(protocol.Status{Capacity: loopbackCapacity, Free: loopbackCapacity}), nil
}

// flush handles one data packet. A packet repeating the last sequence
// number of the current session is a retry of something already typed.
func (l *Loopback) flush(data []byte) error {
	pkt, err := protocol.UnmarshalPacket(data)
	if err != nil {
		return fmt.Errorf("inject: loopback: %w", err)
	}
	if len(pkt.Payload) > loopbackCapacity {
		return fmt.Errorf("inject: loopback: packet of %d bytes exceeds ring", len(pkt.Payload))
	}

	l.mu.Lock()
	if pkt.SessionID != l.session {
		l.session = pkt.SessionID
		l.haveSeq = false
	}
	if l.haveSeq && pkt.Seq == l.lastSeq {
		l.dupes++
		l.mu.Unlock()
		slog.Debug("[INJECT] duplicate packet dropped", "session", pkt.SessionID, "seq", pkt.Seq)
		return nil
	}
	if l.haveSeq && pkt.Seq != l.lastSeq+1 {
		slog.Warn("[INJECT] sequence gap", "session", pkt.SessionID, "want", l.lastSeq+1, "got", pkt.Seq)
	}
	l.haveSeq = true
	l.lastSeq = pkt.Seq
	l.delivered += len(pkt.Payload)
	paused := l.haveConfig && l.config.Paused
	l.mu.Unlock()

	if paused {
		slog.Debug("[INJECT] typing while paused flag is set", "seq", pkt.Seq)
	}
	return l.sink.Type(string(pkt.Payload))
}

func (l *Loopback) writeConfig(data []byte) error {
	cfg, err := protocol.UnmarshalDeviceConfig(data)
	if err != nil {
		return fmt.Errorf("inject: loopback: %w", err)
	}
	l.mu.Lock()
	l.config = cfg
	l.haveConfig = true
	l.mu.Unlock()
	return nil
}

func (l *Loopback) writeMacro(data []byte) error {
	frame, err := protocol.UnmarshalMacro(data)
	if err != nil {
		return fmt.Errorf("inject: loopback: %w", err)
	}
	return l.sink.Macro(frame)
}

func (l *Loopback) writeNickname(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nickname = protocol.ParseNickname(data)
	return nil
}

func (l *Loopback) readNickname() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return []byte(l.nickname), nil
}

func (l *Loopback) writeBootloader([]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bootloader++
	return nil
}

// loopbackConn is one connection to the loopback peer.
type loopbackConn struct {
	l      *Loopback
	status *loopbackChar

	mu      sync.Mutex
	onDrop  func()
	dropped bool
}

func (c *loopbackConn) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if serviceUUID != ble.ServiceUUID {
		return nil, fmt.Errorf("inject: loopback: unknown service %q", serviceUUID)
	}
	switch charUUID {
	case ble.FlushCharUUID:
		return &loopbackChar{write: c.guard(func(b []byte) error {
			if err := c.l.flush(b); err != nil {
				return err
			}
			v, _ := c.l.statusValue()
			c.status.notify(v)
			return nil
		})}, nil
	case ble.StatusCharUUID:
		return c.status, nil
	case ble.ConfigCharUUID:
		return &loopbackChar{write: c.guard(c.l.writeConfig)}, nil
	case ble.MacroCharUUID:
		return &loopbackChar{write: c.guard(c.l.writeMacro)}, nil
	case ble.NicknameCharUUID:
		return &loopbackChar{write: c.guard(c.l.writeNickname), read: c.l.readNickname}, nil
	case ble.BootloaderCharUUID:
		return &loopbackChar{write: c.guard(c.l.writeBootloader)}, nil
	}
	return nil, fmt.Errorf("inject: loopback: unknown characteristic %q", charUUID)
}

// guard fails writes on a dropped connection.
func (c *loopbackConn) guard(fn func([]byte) error) func([]byte) error {
	return func(b []byte) error {
		c.mu.Lock()
		dropped := c.dropped
		c.mu.Unlock()
		if dropped {
			return fmt.Errorf("inject: loopback: not connected")
		}
		return fn(b)
	}
}

func (c *loopbackConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
	return nil
}

func (c *loopbackConn) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = cb
}

func (c *loopbackConn) drop() {
	c.mu.Lock()
	c.dropped = true
	cb := c.onDrop
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// loopbackChar is a characteristic backed by functions.
type loopbackChar struct {
	write func([]byte) error
	read  func() ([]byte, error)

	mu sync.Mutex
	cb func([]byte)
}

func (c *loopbackChar) Write(data []byte) error {
	if c.write == nil {
		return fmt.Errorf("inject: loopback: characteristic is not writable")
	}
	return c.write(data)
}

func (c *loopbackChar) Read() ([]byte, error) {
	if c.read == nil {
		return nil, fmt.Errorf("inject: loopback: characteristic is not readable")
	}
	return c.read()
}

func (c *loopbackChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	return nil
}

func (c *loopbackChar) notify(v []byte) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}
