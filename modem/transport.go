package modem

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

//go:generate go tool mockgen -source=transport.go -destination=mock_transport.go -package=modem

// Transport represents an established, bidirectional byte stream to an AT
// device.
//
// A Transport is assumed to be already connected and ready for use. Read
// must return within a bounded time: when nothing arrived before the
// transport's read timeout it returns (0, nil). Typical implementations
// include serial ports, TCP connections to emulators, or in-memory fakes
// used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to an AT device.
//
// Dialer abstracts how the connection is created (for example, via a
// serial port, TCP-based emulator, or test double) and is used each time a
// Client starts.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens an AT device over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyUSB0" or "COM6".
	PortName string
	// BaudRate is used when Mode is nil. Defaults to 115200.
	BaudRate int
	// Mode overrides the whole line configuration when set.
	Mode *serial.Mode
	// ReadTimeout bounds every read from the port. It is required.
	ReadTimeout time.Duration
}

// Validate checks the settings Dial needs. Config validation calls it, so
// a missing read timeout is reported when the Client is built.
func (d SerialDialer) Validate() error {
	if d.PortName == "" {
		return ErrNoPortName
	}
	if d.ReadTimeout <= 0 {
		return ErrNoReadTimeout
	}
	return nil
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		mode = &serial.Mode{
			BaudRate: 115200,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		if d.BaudRate > 0 {
			mode.BaudRate = d.BaudRate
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", d.PortName, err)
	}
	if err := port.SetReadTimeout(d.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %q: %w", d.PortName, err)
	}
	return port, nil
}

// ListPorts returns the names of the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// ParseParity maps a parity name ("none", "odd", "even", "mark", "space")
// to its serial.Parity. An empty name yields serial.NoParity.
func ParseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "n":
		return serial.NoParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "mark", "m":
		return serial.MarkParity, nil
	case "space", "s":
		return serial.SpaceParity, nil
	default:
		return serial.NoParity, fmt.Errorf("unknown parity %q", s)
	}
}
