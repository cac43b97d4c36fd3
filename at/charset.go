package at

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Charset decodes raw bytes received from the device into text.
type Charset int

const (
	// ASCII rejects any byte above 0x7f.
	ASCII Charset = iota
	// Latin1 maps every byte through ISO 8859-1 and never fails.
	Latin1
	// UTF8 rejects invalid UTF-8 sequences.
	UTF8
)

func (c Charset) String() string {
	switch c {
	case ASCII:
		return "ascii"
	case Latin1:
		return "latin1"
	case UTF8:
		return "utf8"
	default:
		return fmt.Sprintf("Charset(%d)", int(c))
	}
}

// ParseCharset parses a charset name. An empty string yields ASCII.
func ParseCharset(s string) (Charset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ascii", "us-ascii":
		return ASCII, nil
	case "latin1", "iso-8859-1", "iso8859-1":
		return Latin1, nil
	case "utf8", "utf-8":
		return UTF8, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCharset, s)
	}
}

// Decode converts b to text. A decode failure returns ErrDecode and no
// text.
func (c Charset) Decode(b []byte) (string, error) {
	switch c {
	case ASCII:
		for i, ch := range b {
			if ch > 0x7f {
				return "", fmt.Errorf("%w: non-ascii byte 0x%02x at offset %d", ErrDecode, ch, i)
			}
		}
		return string(b), nil
	case Latin1:
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return string(out), nil
	case UTF8:
		if !utf8.Valid(b) {
			return "", fmt.Errorf("%w: invalid utf-8", ErrDecode)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: %v", ErrUnknownCharset, c)
	}
}
