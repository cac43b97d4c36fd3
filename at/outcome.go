package at

import (
	"fmt"
	"strings"
)

// Outcome is how a sent Command resolved.
type Outcome int

const (
	// Success means the command's success response was received in time.
	Success Outcome = iota + 1
	// Error means one of the command's error responses was received in time.
	Error
	// Timeout means neither was received before the command timed out.
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Error:
		return "error"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome by name, so it reads well in JSON.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses an outcome written by MarshalText.
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOutcome parses "success", "error" or "timeout".
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return Success, nil
	case "error":
		return Error, nil
	case "timeout":
		return Timeout, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOutcome, s)
	}
}
