package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/byteflusher/internal/ble/protocol"
	"github.com/chaz8081/byteflusher/internal/fault"
)

// PeerOptions configures the peer link behavior.
type PeerOptions struct {
	ConnectTimeout time.Duration // per connection attempt
	ReconnectMax   time.Duration // cap of the linear reconnect backoff
}

// DefaultPeerOptions returns sensible defaults.
func DefaultPeerOptions() PeerOptions {
	return PeerOptions{
		ConnectTimeout: 15 * time.Second,
		ReconnectMax:   5 * time.Second,
	}
}

// characteristics are the discovered endpoints of one connection. Only
// flush is mandatory; the others are nil when the firmware lacks them.
type characteristics struct {
	flush      Characteristic
	config     Characteristic
	status     Characteristic
	macro      Characteristic
	bootloader Characteristic
	nickname   Characteristic
}

// Peer is the link to one ByteFlusher device.
type Peer struct {
	adapter Adapter
	address string
	opts    PeerOptions

	mu       sync.Mutex
	conn     Connection
	chars    characteristics
	status   *StatusTracker
	handlers []func()

	connected atomic.Bool
	closed    atomic.Bool
}

// Connect enables the adapter, connects to address and discovers the
// ByteFlusher characteristics.
func Connect(ctx context.Context, adapter Adapter, address string, opts PeerOptions) (*Peer, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 5 * time.Second
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	p := &Peer{adapter: adapter, address: address, opts: opts}
	if err := p.dial(ctx); err != nil {
		return nil, err
	}
	slog.Info("[BLE] connected", "address", address)
	return p, nil
}

// dial performs one connection attempt and installs the result.
func (p *Peer) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn, err := p.adapter.Connect(ctx, p.address)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", p.address, err)
	}
	if err := p.setConnected(conn); err != nil {
		_ = conn.Disconnect()
		return err
	}
	return nil
}

// setConnected discovers characteristics on conn and subscribes to the
// status feed. Returns an error if the flush characteristic is missing.
func (p *Peer) setConnected(conn Connection) error {
	flush, err := conn.DiscoverCharacteristic(ServiceUUID, FlushCharUUID)
	if err != nil {
		return fmt.Errorf("ble: discover flush characteristic: %w", err)
	}
	chars := characteristics{
		flush:      flush,
		config:     optionalChar(conn, ConfigCharUUID, "config"),
		status:     optionalChar(conn, StatusCharUUID, "status"),
		macro:      optionalChar(conn, MacroCharUUID, "macro"),
		bootloader: optionalChar(conn, BootloaderCharUUID, "bootloader"),
		nickname:   optionalChar(conn, NicknameCharUUID, "nickname"),
	}

	var tracker *StatusTracker
	if chars.status != nil {
		tracker = NewStatusTracker(chars.status.Read)
		if err := chars.status.Subscribe(tracker.Update); err != nil {
			slog.Warn("[BLE] status notifications unavailable, polling instead", "error", err)
		}
	} else {
		tracker = NewStatusTracker(nil)
		slog.Warn("[BLE] no status characteristic, sending without flow control")
	}

	p.mu.Lock()
	p.conn = conn
	p.chars = chars
	p.status = tracker
	p.mu.Unlock()
	p.connected.Store(true)

	conn.OnDisconnect(func() { p.handleDisconnect(conn) })
	tracker.Refresh()
	return nil
}

func optionalChar(conn Connection, uuid, name string) Characteristic {
	c, err := conn.DiscoverCharacteristic(ServiceUUID, uuid)
	if err != nil {
		slog.Debug("[BLE] optional characteristic missing", "name", name, "error", err)
		return nil
	}
	return c
}

// handleDisconnect marks the link down and notifies handlers. Events from a
// connection that was already replaced are ignored.
func (p *Peer) handleDisconnect(conn Connection) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.chars = characteristics{}
	handlers := append([]func(){}, p.handlers...)
	p.mu.Unlock()

	p.connected.Store(false)
	if p.closed.Load() {
		return
	}
	slog.Warn("[BLE] disconnected", "address", p.address)
	for _, h := range handlers {
		h()
	}
}

// OnDisconnect registers a callback invoked each time the link drops.
func (p *Peer) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, cb)
}

// Address returns the device address.
func (p *Peer) Address() string { return p.address }

// Connected reports the link liveness flag.
func (p *Peer) Connected() bool { return p.connected.Load() }

// Status returns the buffer status tracker of the current connection.
func (p *Peer) Status() *StatusTracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == nil {
		return NewStatusTracker(nil)
	}
	return p.status
}

// HasMacro reports whether the firmware exposes the macro characteristic.
func (p *Peer) HasMacro() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chars.macro != nil
}

// HasConfig reports whether the firmware exposes the config characteristic.
func (p *Peer) HasConfig() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chars.config != nil
}

func (p *Peer) char(pick func(*characteristics) Characteristic, name string) (Characteristic, error) {
	if !p.connected.Load() {
		return nil, fmt.Errorf("ble: write %s: %w", name, fault.ErrLinkLost)
	}
	p.mu.Lock()
	c := pick(&p.chars)
	p.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("ble: %s characteristic not available: %w", name, fault.ErrPrecondition)
	}
	return c, nil
}

// WritePacket writes one framed packet to the flush characteristic.
func (p *Peer) WritePacket(pkt []byte) error {
	c, err := p.char(func(cs *characteristics) Characteristic { return cs.flush }, "flush")
	if err != nil {
		return err
	}
	return c.Write(pkt)
}

// WriteConfig writes the device timing and control flags.
func (p *Peer) WriteConfig(cfg protocol.DeviceConfig) error {
	c, err := p.char(func(cs *characteristics) Characteristic { return cs.config }, "config")
	if err != nil {
		return err
	}
	if err := c.Write(protocol.MarshalDeviceConfig(cfg)); err != nil {
		return fmt.Errorf("ble: write config: %w", err)
	}
	return nil
}

// WriteMacro writes one encoded macro frame.
func (p *Peer) WriteMacro(frame []byte) error {
	c, err := p.char(func(cs *characteristics) Characteristic { return cs.macro }, "macro")
	if err != nil {
		return err
	}
	return c.Write(frame)
}

// Nickname reads the device nickname.
func (p *Peer) Nickname() (string, error) {
	c, err := p.char(func(cs *characteristics) Characteristic { return cs.nickname }, "nickname")
	if err != nil {
		return "", err
	}
	raw, err := c.Read()
	if err != nil {
		return "", fmt.Errorf("ble: read nickname: %w", err)
	}
	return protocol.ParseNickname(raw), nil
}

// SetNickname sanitizes and writes the device nickname. An empty name
// restores the firmware default. Returns the name actually written.
func (p *Peer) SetNickname(name string) (string, error) {
	c, err := p.char(func(cs *characteristics) Characteristic { return cs.nickname }, "nickname")
	if err != nil {
		return "", err
	}
	clean := protocol.SanitizeNickname(name)
	if err := c.Write(protocol.NicknameValue(clean)); err != nil {
		return "", fmt.Errorf("ble: write nickname: %w", err)
	}
	return clean, nil
}

// RequestBootloader asks the firmware to reboot into its bootloader.
func (p *Peer) RequestBootloader() error {
	c, err := p.char(func(cs *characteristics) Characteristic { return cs.bootloader }, "bootloader")
	if err != nil {
		return err
	}
	if err := c.Write([]byte{1}); err != nil {
		return fmt.Errorf("ble: write bootloader: %w", err)
	}
	return nil
}

// backoffDelay returns the reconnection delay for attempt n (0-based),
// growing linearly by 250ms and capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > int(max/(250*time.Millisecond)) {
		return max
	}
	delay := 250*time.Millisecond + time.Duration(attempt)*250*time.Millisecond
	if delay > max {
		return max
	}
	return delay
}

// Reconnect retries the connection until it succeeds, ctx ends or stop
// reports true. It returns nil immediately when already connected.
func (p *Peer) Reconnect(ctx context.Context, stop func() bool) error {
	for attempt := 0; ; attempt++ {
		if p.Connected() {
			return nil
		}
		if p.closed.Load() {
			return fmt.Errorf("ble: reconnect: peer closed: %w", fault.ErrLinkLost)
		}
		if stop != nil && stop() {
			return fault.ErrUserStopped
		}
		if attempt > 0 {
			delay := backoffDelay(attempt-1, p.opts.ReconnectMax)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err := p.dial(ctx); err != nil {
			slog.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
			continue
		}
		slog.Info("[BLE] reconnected", "address", p.address)
		return nil
	}
}

// Close gracefully disconnects the peer.
func (p *Peer) Close() error {
	p.closed.Store(true)
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.chars = characteristics{}
	p.mu.Unlock()
	p.connected.Store(false)

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			return fmt.Errorf("ble: disconnect: %w", err)
		}
	}
	return nil
}
