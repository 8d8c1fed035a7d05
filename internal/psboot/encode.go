package psboot

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUTF16Base64 encodes s the way PowerShell's -EncodedCommand and
// [Text.Encoding]::Unicode expect: Base64 of the UTF-16LE bytes.
func EncodeUTF16Base64(s string) string {
	// Invalid UTF-8 is encoded as U+FFFD, so the error is always nil.
	b, _ := utf16le.NewEncoder().Bytes([]byte(s))
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeUTF16Base64 reverses EncodeUTF16Base64. Whitespace in the input is
// ignored, as the helper's decoders strip it before decoding.
func DecodeUTF16Base64(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stripSpace(enc))
	if err != nil {
		return "", fmt.Errorf("psboot: decode base64: %w", err)
	}
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("psboot: utf-16 payload has odd length %d", len(raw))
	}
	s, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("psboot: decode utf-16: %w", err)
	}
	return string(s), nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

// Quote renders s as a single-quoted PowerShell string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
