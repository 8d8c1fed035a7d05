package ble

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ScanForDevices scans for peripherals advertising the ByteFlusher service,
// strongest signal first.
func ScanForDevices(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	return devices, nil
}

// ResolveAddress returns address when set, otherwise scans and picks the
// strongest ByteFlusher device.
func ResolveAddress(adapter Adapter, address string, timeout time.Duration) (string, error) {
	if address != "" {
		return address, nil
	}
	devices, err := ScanForDevices(adapter, timeout)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("ble: no ByteFlusher device found within %s", timeout)
	}
	return devices[0].Address, nil
}
