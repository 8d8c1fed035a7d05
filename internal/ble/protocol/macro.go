package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/chaz8081/byteflusher/internal/fault"
)

// Opcode identifies a macro command.
type Opcode uint8

const (
	OpOpenRunDialog Opcode = 1
	OpEnter         Opcode = 2
	OpEscape        Opcode = 3
	OpTypeASCII     Opcode = 4
	OpSleepMs       Opcode = 5
	OpForceEnglish  Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpOpenRunDialog:
		return "open-run"
	case OpEnter:
		return "enter"
	case OpEscape:
		return "escape"
	case OpTypeASCII:
		return "type-ascii"
	case OpSleepMs:
		return "sleep"
	case OpForceEnglish:
		return "force-english"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

const (
	// MaxMacroPayload is the limit of the single length byte.
	MaxMacroPayload = 255
	// MaxTypeASCII keeps one TypeASCII frame under the single-write limit.
	MaxTypeASCII = 200
	// MaxSleepMs is the largest SleepMs argument.
	MaxSleepMs = 60000
)

// MacroFrame is one decoded macro command.
type MacroFrame struct {
	Op      Opcode
	Payload []byte
}

// MarshalMacro encodes [opcode][length][payload].
func MarshalMacro(op Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxMacroPayload {
		return nil, fmt.Errorf("macro %s payload %d bytes: %w", op, len(payload), fault.ErrProtocolLimit)
	}
	buf := make([]byte, 0, 2+len(payload))
	buf = append(buf, byte(op), byte(len(payload)))
	return append(buf, payload...), nil
}

// UnmarshalMacro decodes one macro frame. Trailing bytes are rejected.
func UnmarshalMacro(data []byte) (MacroFrame, error) {
	if len(data) < 2 {
		return MacroFrame{}, fmt.Errorf("macro frame too short: %d bytes", len(data))
	}
	n := int(data[1])
	if len(data) != 2+n {
		return MacroFrame{}, fmt.Errorf("macro frame length %d, header says %d", len(data)-2, n)
	}
	return MacroFrame{Op: Opcode(data[0]), Payload: data[2:]}, nil
}

// SleepPayload encodes a SleepMs argument clamped to [0, MaxSleepMs].
func SleepPayload(ms int) []byte {
	if ms < 0 {
		ms = 0
	}
	if ms > MaxSleepMs {
		ms = MaxSleepMs
	}
	return binary.LittleEndian.AppendUint16(nil, uint16(ms))
}

// SleepDuration decodes a SleepMs payload.
func SleepDuration(payload []byte) (int, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("sleep payload %d bytes, want 2", len(payload))
	}
	return int(binary.LittleEndian.Uint16(payload)), nil
}
