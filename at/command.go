package at

import (
	"fmt"
	"strings"
	"time"
)

// Command describes an AT command and the responses expected for it.
//
// A Command is a value built once, usually from a catalog, and may be sent
// any number of times. The moment it was issued is tracked by whoever sends
// it, never stored on the Command itself.
type Command struct {
	// Name identifies the command in logs and resolutions.
	Name string
	// Payload is written to the transport verbatim, terminator included.
	Payload []byte
	// Success is the response that resolves the command successfully.
	Success Pattern
	// Errors are checked in order when Success did not match.
	Errors []Pattern
	// Timeout bounds the time between issuing the command and its
	// resolution.
	Timeout time.Duration
}

// NewCommand builds and validates a Command.
func NewCommand(name string, payload []byte, success Pattern, errors []Pattern, timeout time.Duration) (*Command, error) {
	c := &Command{
		Name:    name,
		Payload: payload,
		Success: success,
		Errors:  errors,
		Timeout: timeout,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports whether c can be sent.
func (c *Command) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil command", ErrInvalidCommand)
	case len(c.Payload) == 0:
		return fmt.Errorf("%w: %q has an empty payload", ErrInvalidCommand, c.Name)
	case c.Success.IsZero():
		return fmt.Errorf("%w: %q has no success response", ErrInvalidCommand, c.Name)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: %q has a non-positive timeout %v", ErrInvalidCommand, c.Name, c.Timeout)
	}
	for i, e := range c.Errors {
		if e.IsZero() {
			return fmt.Errorf("%w: %q error response %d is empty", ErrInvalidCommand, c.Name, i)
		}
	}
	return nil
}

func (c *Command) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q timeout=%v success=%v", c.Name, strings.TrimSpace(string(c.Payload)), c.Timeout, c.Success)
	for _, e := range c.Errors {
		fmt.Fprintf(&b, " error=%v", e)
	}
	return b.String()
}
