package at

import (
	"bufio"
	"bytes"
	"strings"
)

// SplitLine is used for framing raw modem output into lines. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// Unlike a plain line scanner the CRLF terminator is kept on the token:
// response patterns such as "OK\r\n" match against the terminator, so it
// must survive framing. The SMS input prompt ("> ") is returned as a token
// of its own since the modem never terminates it.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token. The
// transport reader sets it when a read times out, which mirrors a
// readline call that gives up after the port timeout.
func SplitLine(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match SMS Prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0 : i+len(CRLF)], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = SplitLine

// Classify identifies the nature of the modem output. Trailing line
// terminators are ignored so tokens produced by SplitLine can be passed
// as is.
func Classify(line string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}
	line = strings.TrimRight(line, CRLF)

	// Direct matches for final results
	switch line {
	case OK, ERROR, NoCarrier, NoDialtone, Busy, NoAnswer:
		return TypeFinal
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	case strings.HasPrefix(line, UrcNewMsg), strings.HasPrefix(line, UrcMessageReport),
		line == UrcCall, line == UrcReady:
		return TypeURC
	default:
		return TypeData
	}
}
