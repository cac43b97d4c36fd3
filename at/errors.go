package at

import "errors"

var (
	// ErrEmptyPattern is returned when a Pattern is constructed with empty
	// text. An empty needle occurs in every haystack but yields an empty
	// match, so it can never resolve anything.
	ErrEmptyPattern = errors.New("pattern text is empty")

	// ErrInvalidPattern is returned when a regex Pattern fails to compile.
	//
	// A broken regular expression is a programming error in the catalog
	// that defines it and is reported when the Pattern is built, never at
	// matching time.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrUnknownRule is returned for a matching rule other than Exact or Regex.
	ErrUnknownRule = errors.New("unknown matching rule")

	// ErrInvalidCommand is returned by Command.Validate for commands that
	// cannot be sent.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidEvent is returned by Event.Validate for events that cannot
	// be registered.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrUnknownRecurrence is returned when parsing an unsupported event
	// recurrence.
	ErrUnknownRecurrence = errors.New("unknown event recurrence")

	// ErrUnknownOutcome is returned when parsing an unsupported outcome name.
	ErrUnknownOutcome = errors.New("unknown outcome")

	// ErrUnknownCharset is returned when parsing an unsupported charset name.
	ErrUnknownCharset = errors.New("unknown charset")

	// ErrDecode is returned when received bytes are not valid in the
	// configured charset.
	ErrDecode = errors.New("decode received bytes")
)
