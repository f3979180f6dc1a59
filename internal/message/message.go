// Package message holds the payloads an operator can send to a
// characteristic and their byte encodings.
package message

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	// ErrMalformedHex is returned for odd-length or non-hex input.
	ErrMalformedHex = errors.New("malformed hex")
	// ErrMalformedBytes is returned for byte lists that do not parse.
	ErrMalformedBytes = errors.New("malformed byte list")
)

// Kind tags the variant of a Message.
type Kind int

const (
	KindString Kind = iota
	KindHex
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindHex:
		return "hex"
	case KindBytes:
		return "bytes"
	default:
		return "string"
	}
}

// ParseKind accepts "string", "hex" or "bytes"; empty means string.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "string", "str", "text":
		return KindString, nil
	case "hex":
		return KindHex, nil
	case "bytes", "byte":
		return KindBytes, nil
	}
	return KindString, fmt.Errorf("message: unknown type %q (expected string, hex or bytes)", s)
}

// Message is an immutable payload. The zero value is an empty String.
type Message struct {
	kind Kind
	text string
	data []byte
}

// String builds a text message sent as UTF-8.
func String(text string) Message { return Message{kind: KindString, text: text} }

// Hex builds a message from already decoded hex bytes.
func Hex(data []byte) Message { return Message{kind: KindHex, data: append([]byte(nil), data...)} }

// Bytes builds a raw byte message.
func Bytes(data []byte) Message { return Message{kind: KindBytes, data: append([]byte(nil), data...)} }

// Parse builds a Message of the given kind from operator input.
func Parse(kind Kind, input string) (Message, error) {
	switch kind {
	case KindHex:
		data, err := DecodeHex(input)
		if err != nil {
			return Message{}, err
		}
		return Message{kind: KindHex, data: data}, nil
	case KindBytes:
		data, err := ParseByteList(input)
		if err != nil {
			return Message{}, err
		}
		return Message{kind: KindBytes, data: data}, nil
	default:
		return String(input), nil
	}
}

// Kind returns the variant tag.
func (m Message) Kind() Kind { return m.kind }

// Text returns the original text of a String message.
func (m Message) Text() string { return m.text }

// Encode returns the bytes to put on the wire.
func (m Message) Encode() []byte {
	if m.kind == KindString {
		return []byte(m.text)
	}
	return append([]byte(nil), m.data...)
}

// Len is the encoded length in bytes.
func (m Message) Len() int {
	if m.kind == KindString {
		return len(m.text)
	}
	return len(m.data)
}

func (m Message) String() string {
	switch m.kind {
	case KindHex:
		return "hex:" + EncodeHex(m.data)
	case KindBytes:
		return fmt.Sprintf("bytes:%v", m.data)
	default:
		return strconv.Quote(m.text)
	}
}

// EncodeHex renders data as lowercase hex without separators.
func EncodeHex(data []byte) string { return hex.EncodeToString(data) }

// DecodeHex parses hex text. An optional 0x prefix and whitespace, ':' or
// '-' separators between digits are accepted.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ':' || r == '-' {
			return -1
		}
		return r
	}, s)
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("message: %w: odd number of digits (%d)", ErrMalformedHex, len(s))
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("message: %w: %w", ErrMalformedHex, err)
	}
	return data, nil
}

// ParseByteList parses a list of byte values separated by commas or
// whitespace, optionally wrapped in brackets. Values may be decimal or
// 0x-prefixed hex: "[1, 2, 0xff]".
func ParseByteList(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := parseByte(f)
		if err != nil {
			return nil, fmt.Errorf("message: %w: %q is not a byte value", ErrMalformedBytes, f)
		}
		out = append(out, v)
	}
	return out, nil
}

// parseByte reads one decimal or 0x-prefixed hex value. Leading zeros are
// decimal, not octal.
func parseByte(f string) (byte, error) {
	base := 10
	if len(f) > 2 && (f[:2] == "0x" || f[:2] == "0X") {
		f, base = f[2:], 16
	}
	v, err := strconv.ParseUint(f, base, 8)
	return byte(v), err
}
