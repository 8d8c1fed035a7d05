package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// mockCharacteristic records writes, serves reads and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	value    []byte
	readErr  error
	onWrite  func(data []byte) error // optional hook, runs before recording
	callback func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		if err := hook(data); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.value...), nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SetValue changes what Read returns.
func (c *mockCharacteristic) SetValue(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), v...)
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Writes returns a copy of all recorded writes.
func (c *mockCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// mockConnection simulates a BLE connection exposing the ByteFlusher service.
type mockConnection struct {
	mu           sync.Mutex
	chars        map[string]*mockCharacteristic
	disconnectCb func()
	disconnected bool
}

// newMockConnection creates a connection with every characteristic except
// those listed in missing.
func newMockConnection(missing ...string) *mockConnection {
	c := &mockConnection{chars: make(map[string]*mockCharacteristic)}
	for _, uuid := range []string{FlushCharUUID, ConfigCharUUID, StatusCharUUID, MacroCharUUID, BootloaderCharUUID, NicknameCharUUID} {
		c.chars[uuid] = &mockCharacteristic{}
	}
	for _, uuid := range missing {
		delete(c.chars, uuid)
	}
	return c
}

func (c *mockConnection) char(uuid string) *mockCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars[uuid]
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if serviceUUID != ServiceUUID {
		return nil, fmt.Errorf("mock: unknown service UUID %q", serviceUUID)
	}
	if ch := c.char(charUUID); ch != nil {
		return ch, nil
	}
	return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []Device
	missing    []string
	failNext   int // number of upcoming Connect calls that fail
	connects   int
	connection *mockConnection // most recent connection for test assertions
}

func newMockAdapter(devices []Device, missing ...string) *mockAdapter {
	return &mockAdapter{devices: devices, missing: missing}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(_ context.Context, _ string) ([]Device, error) {
	return a.devices, nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.failNext > 0 {
		a.failNext--
		return nil, errors.New("mock: connect failed")
	}
	conn := newMockConnection(a.missing...)
	a.connection = conn
	return conn, nil
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
