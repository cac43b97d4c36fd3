package at

import (
	"fmt"
	"strings"
)

// Recurrence tells whether an Event stays registered after firing.
type Recurrence int

const (
	// OneTime events are removed right after their first dispatch.
	OneTime Recurrence = iota
	// Reoccurring events fire on every fresh match until removed.
	Reoccurring
)

func (r Recurrence) String() string {
	switch r {
	case OneTime:
		return "one-time"
	case Reoccurring:
		return "reoccurring"
	default:
		return fmt.Sprintf("Recurrence(%d)", int(r))
	}
}

// ParseRecurrence parses "one-time"/"onetime"/"once" or "reoccurring"/
// "recurring". An empty string yields OneTime.
func ParseRecurrence(s string) (Recurrence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "one-time", "onetime", "once":
		return OneTime, nil
	case "reoccurring", "recurring":
		return Reoccurring, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRecurrence, s)
	}
}

// EventHandler is called with the event that fired and the text its
// pattern matched.
//
// Handlers run on the engine goroutine and must return quickly; any
// blocking work belongs on a goroutine of its own.
type EventHandler func(e *Event, match string)

// Event is an unsolicited response the device may emit at any time, such
// as a ring indication or a new message notification.
//
// Events are registered by pointer; the same *Event registered twice is
// kept once.
type Event struct {
	Name       string
	Pattern    Pattern
	Handler    EventHandler
	Recurrence Recurrence
}

// NewEvent builds and validates an Event.
func NewEvent(name string, pattern Pattern, handler EventHandler, recurrence Recurrence) (*Event, error) {
	e := &Event{Name: name, Pattern: pattern, Handler: handler, Recurrence: recurrence}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate reports whether e can be registered.
func (e *Event) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case e.Pattern.IsZero():
		return fmt.Errorf("%w: %q has no pattern", ErrInvalidEvent, e.Name)
	case e.Handler == nil:
		return fmt.Errorf("%w: %q has no handler", ErrInvalidEvent, e.Name)
	}
	return nil
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %v %s", e.Name, e.Pattern, e.Recurrence)
}
