package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// maxReadSize bounds a single characteristic read.
const maxReadSize = 512

// SystemAdapter wraps tinygo-org/bluetooth.
// On macOS, BLE device addresses are CoreBluetooth UUIDs (not MAC addresses).
// The Address field in config and Device structs stores this UUID string.
type SystemAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*systemConnection // keyed by device address
}

// NewSystemAdapter creates a BLE adapter backed by the default system adapter.
func NewSystemAdapter() *SystemAdapter {
	return &SystemAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*systemConnection),
	}
}

func (a *SystemAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth fires this callback with connected=false when a
	// peripheral drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

// Scan reports peripherals that advertise the service UUID or carry the
// ByteFlusher name prefix. Some stacks omit 128-bit UUIDs from the
// advertisement, so the name is checked as well.
func (a *SystemAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if !result.HasServiceUUID(uuid) && !strings.HasPrefix(name, NamePrefix) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    name,
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *SystemAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed.
		// We can't cancel it from here, but we return immediately.
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &systemConnection{device: &result.device}

		// Track this connection so the adapter-level disconnect handler
		// can find it and fire its OnDisconnect callback.
		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that SystemAdapter implements Adapter.
var _ Adapter = (*SystemAdapter)(nil)

type systemConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	services     []bluetooth.DeviceService
	disconnectCb func()
}

func (c *systemConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svc, err := c.service(svcUUID)
	if err != nil {
		return nil, err
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &systemCharacteristic{char: &chars[0]}, nil
}

// service discovers the service once per connection; the peer asks for up
// to six characteristics of the same service.
func (c *systemConnection) service(uuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.services {
		if c.services[i].UUID() == uuid {
			return &c.services[i], nil
		}
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{uuid})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", uuid.String())
	}
	c.services = append(c.services, svcs[0])
	return &c.services[len(c.services)-1], nil
}

func (c *systemConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *systemConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *systemConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type systemCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *systemCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *systemCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxReadSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *systemCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The backend may reuse buf after the callback returns.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}
