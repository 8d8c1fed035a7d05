package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DeviceConfigSize is the length of the device config value.
const DeviceConfigSize = 8

// Device config flag bits.
const (
	FlagPaused byte = 1 << 0
	FlagAbort  byte = 1 << 1
)

// ToggleKey selects the key the firmware presses to switch Korean/English input.
type ToggleKey uint8

const (
	ToggleRightAlt ToggleKey = iota
	ToggleLeftAlt
	ToggleRightCtrl
	ToggleLeftCtrl
	ToggleRightGui
	ToggleLeftGui
	ToggleCapsLock
)

var toggleKeyNames = [...]string{
	ToggleRightAlt:  "rightAlt",
	ToggleLeftAlt:   "leftAlt",
	ToggleRightCtrl: "rightCtrl",
	ToggleLeftCtrl:  "leftCtrl",
	ToggleRightGui:  "rightGui",
	ToggleLeftGui:   "leftGui",
	ToggleCapsLock:  "capsLock",
}

func (k ToggleKey) String() string {
	if int(k) < len(toggleKeyNames) {
		return toggleKeyNames[k]
	}
	return fmt.Sprintf("ToggleKey(%d)", uint8(k))
}

// ParseToggleKey accepts the names returned by String, case-insensitively.
func ParseToggleKey(name string) (ToggleKey, error) {
	for i, n := range toggleKeyNames {
		if strings.EqualFold(n, name) {
			return ToggleKey(i), nil
		}
	}
	return 0, fmt.Errorf("unknown toggle key %q", name)
}

// DeviceConfig is the value written to the config characteristic.
type DeviceConfig struct {
	TypingDelayMs     int
	ModeSwitchDelayMs int
	KeyPressDelayMs   int
	ToggleKey         ToggleKey
	Paused            bool
	Abort             bool
}

// Flags returns the flags byte.
func (c DeviceConfig) Flags() byte {
	var f byte
	if c.Paused {
		f |= FlagPaused
	}
	if c.Abort {
		f |= FlagAbort
	}
	return f
}

// MarshalDeviceConfig encodes the config: three u16 LE delays, the toggle key
// id and the flags byte. Delays are clamped to the u16 range and unknown
// toggle keys fall back to right Alt.
func MarshalDeviceConfig(c DeviceConfig) []byte {
	buf := make([]byte, DeviceConfigSize)
	binary.LittleEndian.PutUint16(buf[0:2], clampU16(c.TypingDelayMs))
	binary.LittleEndian.PutUint16(buf[2:4], clampU16(c.ModeSwitchDelayMs))
	binary.LittleEndian.PutUint16(buf[4:6], clampU16(c.KeyPressDelayMs))
	toggle := c.ToggleKey
	if toggle > ToggleCapsLock {
		toggle = ToggleRightAlt
	}
	buf[6] = byte(toggle)
	buf[7] = c.Flags()
	return buf
}

// UnmarshalDeviceConfig decodes a config value.
func UnmarshalDeviceConfig(data []byte) (DeviceConfig, error) {
	if len(data) < DeviceConfigSize {
		return DeviceConfig{}, fmt.Errorf("device config too short: %d bytes", len(data))
	}
	return DeviceConfig{
		TypingDelayMs:     int(binary.LittleEndian.Uint16(data[0:2])),
		ModeSwitchDelayMs: int(binary.LittleEndian.Uint16(data[2:4])),
		KeyPressDelayMs:   int(binary.LittleEndian.Uint16(data[4:6])),
		ToggleKey:         ToggleKey(data[6]),
		Paused:            data[7]&FlagPaused != 0,
		Abort:             data[7]&FlagAbort != 0,
	}, nil
}

func clampU16(v int) uint16 {
	switch {
	case v < 0:
		return 0
	case v > 0xFFFF:
		return 0xFFFF
	default:
		return uint16(v)
	}
}
