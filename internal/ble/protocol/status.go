package protocol

import (
	"encoding/binary"
	"fmt"
)

// StatusSize is the length of a buffer status value.
const StatusSize = 4

// Status is the peer's receive buffer report.
type Status struct {
	Capacity uint16
	Free     uint16
}

// Backlog returns the number of bytes queued on the peer.
func (s Status) Backlog() int {
	return int(s.Capacity) - int(s.Free)
}

// ParseStatus decodes a status value: capacity u16 LE, free u16 LE.
// Free is clamped to capacity. A zero capacity is rejected.
func ParseStatus(data []byte) (Status, error) {
	if len(data) < StatusSize {
		return Status{}, fmt.Errorf("status too short: %d bytes", len(data))
	}
	s := Status{
		Capacity: binary.LittleEndian.Uint16(data[0:2]),
		Free:     binary.LittleEndian.Uint16(data[2:4]),
	}
	if s.Capacity == 0 {
		return Status{}, fmt.Errorf("status reports zero capacity")
	}
	if s.Free > s.Capacity {
		s.Free = s.Capacity
	}
	return s, nil
}

// MarshalStatus encodes a status value the way the firmware reports it.
func MarshalStatus(s Status) []byte {
	buf := make([]byte, StatusSize)
	binary.LittleEndian.PutUint16(buf[0:2], s.Capacity)
	binary.LittleEndian.PutUint16(buf[2:4], s.Free)
	return buf
}
