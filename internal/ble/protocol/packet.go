// Package protocol implements the byte layouts of the ByteFlusher GATT
// characteristics: data packets, buffer status, device config, macro frames
// and the device nickname.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the data packet header: sessionId u16 LE + seq u16 LE.
const HeaderSize = 4

// Packet is one framed chunk on the data characteristic.
type Packet struct {
	SessionID uint16
	Seq       uint16
	Payload   []byte
}

// AppendPacket appends the wire form of a packet to dst. seq is truncated to
// its low 16 bits.
func AppendPacket(dst []byte, sessionID uint16, seq uint32, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, sessionID)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(seq))
	return append(dst, payload...)
}

// MarshalPacket returns the wire form of a packet.
func MarshalPacket(sessionID uint16, seq uint32, payload []byte) []byte {
	return AppendPacket(make([]byte, 0, HeaderSize+len(payload)), sessionID, seq, payload)
}

// UnmarshalPacket decodes a data packet. The payload aliases data.
func UnmarshalPacket(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("packet too short: %d bytes", len(data))
	}
	return Packet{
		SessionID: binary.LittleEndian.Uint16(data[0:2]),
		Seq:       binary.LittleEndian.Uint16(data[2:4]),
		Payload:   data[HeaderSize:],
	}, nil
}
