// Package ble provides the BLE central side for a ByteFlusher keyboard
// emulator: discovery, the peer link with its buffer status feed, and the
// flow-controlled packet sender.
package ble

import "context"

// ByteFlusher GATT UUIDs
const (
	ServiceUUID        = "f3641400-00b0-4240-ba50-05ca45bf8abc"
	FlushCharUUID      = "f3641401-00b0-4240-ba50-05ca45bf8abc"
	ConfigCharUUID     = "f3641402-00b0-4240-ba50-05ca45bf8abc"
	StatusCharUUID     = "f3641403-00b0-4240-ba50-05ca45bf8abc"
	MacroCharUUID      = "f3641404-00b0-4240-ba50-05ca45bf8abc"
	BootloaderCharUUID = "f3641405-00b0-4240-ba50-05ca45bf8abc"
	NicknameCharUUID   = "f3641406-00b0-4240-ba50-05ca45bf8abc"
)

// NamePrefix is the advertised local name prefix of ByteFlusher devices.
const NamePrefix = "ByteFlusher"

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read fetches the current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	// On macOS the address is a CoreBluetooth UUID, elsewhere a MAC.
	Connect(ctx context.Context, address string) (Connection, error)
}
