package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DataMarker prefixes a request line whose command carries a payload.
	DataMarker byte = '+'
	// BlockTerminator is the line that closes a data block.
	BlockTerminator = "."
)

var crlf = []byte("\r\n")

var (
	ErrEncoding     = errors.New("frame: text not representable on the wire")
	ErrEmptyCommand = errors.New("frame: empty command name")
)

// Kind is the separator byte of a reply line.
type Kind byte

const (
	KindMid  Kind = '-'
	KindData Kind = '+'
	KindEnd  Kind = ' '
)

func (k Kind) String() string {
	switch k {
	case KindMid:
		return "mid"
	case KindData:
		return "data"
	case KindEnd:
		return "end"
	default:
		return fmt.Sprintf("kind(%q)", byte(k))
	}
}

// Limits constrains parser memory use.
type Limits struct {
	MaxLineBytes  int
	MaxBlockBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxLineBytes:  64 * 1024,
		MaxBlockBytes: 8 * 1024 * 1024,
	}
}

// EncodeCommand builds the request bytes for one command.
//
//	[+]name arg1 arg2\r\n
//	payload\r\n.\r\n
//
// The data marker and trailing block are only emitted for a non-empty payload.
func EncodeCommand(name string, args []string, payload []byte) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyCommand
	}
	if err := checkText(name); err != nil {
		return nil, err
	}
	for i, arg := range args {
		if err := checkText(arg); err != nil {
			return nil, fmt.Errorf("%w: argument %d", err, i)
		}
	}

	hasData := len(payload) > 0
	size := len(name) + 2
	for _, arg := range args {
		size += len(arg) + 1
	}
	if hasData {
		size += 1 + len(payload) + 5
	}

	var buf bytes.Buffer
	buf.Grow(size)
	if hasData {
		buf.WriteByte(DataMarker)
	}
	buf.WriteString(name)
	for _, arg := range args {
		buf.WriteByte(' ')
		buf.WriteString(arg)
	}
	buf.Write(crlf)
	if hasData {
		buf.Write(payload)
		buf.Write(crlf)
		buf.WriteString(BlockTerminator)
		buf.Write(crlf)
	}
	return buf.Bytes(), nil
}

func checkText(s string) error {
	if !utf8.ValidString(s) {
		return ErrEncoding
	}
	if strings.ContainsAny(s, "\r\n") {
		return fmt.Errorf("%w: embedded line terminator", ErrEncoding)
	}
	return nil
}
