package protocol

// MaxNicknameLen is the firmware's nickname limit.
const MaxNicknameLen = 12

// SanitizeNickname keeps only [A-Za-z0-9_-] and truncates to MaxNicknameLen.
func SanitizeNickname(name string) string {
	out := make([]byte, 0, MaxNicknameLen)
	for i := 0; i < len(name) && len(out) < MaxNicknameLen; i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		}
	}
	return string(out)
}

// NicknameValue returns the bytes written to the nickname characteristic.
// An empty name is sent as a single zero byte, which resets the device to
// its default name.
func NicknameValue(name string) []byte {
	name = SanitizeNickname(name)
	if name == "" {
		return []byte{0}
	}
	return []byte(name)
}

// ParseNickname decodes a nickname value, dropping trailing NULs.
func ParseNickname(data []byte) string {
	for len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return string(data)
}
