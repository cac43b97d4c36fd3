package modem

import "errors"

var (
	// ErrNoDialer is returned when a Client is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the device.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned by Start when the Dialer reports success
	// but hands back no Transport.
	ErrNotInitialized = errors.New("transport not initialized")

	// ErrInvalidPollInterval is returned by Build for a negative poll interval.
	ErrInvalidPollInterval = errors.New("poll interval must be positive")

	// ErrNoPortName is returned by SerialDialer when no port name is set.
	ErrNoPortName = errors.New("serial port name is required")

	// ErrNilContext is returned by SerialDialer when dialed with a nil context.
	ErrNilContext = errors.New("context is nil")

	// ErrNoReadTimeout is returned by SerialDialer when the read timeout is
	// zero or negative.
	//
	// The transport reader relies on every read returning within a bounded
	// time so that queued writes and stop requests are serviced. A port
	// without a read timeout would block it forever on a silent line.
	ErrNoReadTimeout = errors.New("serial read timeout must be positive")

	// ErrAlreadyRunning is returned when Start is called on a running Client.
	ErrAlreadyRunning = errors.New("client already running")

	// ErrNotRunning is returned by operations that need a started Client.
	ErrNotRunning = errors.New("client not running")

	// ErrStopped is returned to callers that were waiting on the Client
	// (for the device to become idle, or for a resolution) when it stopped.
	//
	// A command already written to the device when Stop is called gets no
	// resolution.
	ErrStopped = errors.New("client stopped")

	// ErrQueueFull is returned when the outbound queue cannot take another
	// payload. It never blocks the caller.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrUnknownEvent is returned when unregistering an event that is not
	// registered.
	ErrUnknownEvent = errors.New("event not registered")

	// ErrJoinTimeout is reported by Stop when a loop does not terminate
	// within the configured join timeout.
	ErrJoinTimeout = errors.New("loop did not stop in time")

	// ErrCommandError is returned by Resolution.Err for the Error outcome.
	ErrCommandError = errors.New("command returned an error response")

	// ErrCommandTimeout is returned by Resolution.Err for the Timeout outcome.
	ErrCommandTimeout = errors.New("command timed out")
)

var (
	// ErrSIMPinRequired is returned by Setup when the SIM asks for a PIN and
	// none was configured.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrUnsupportedSIMState is returned by Setup for SIM states it cannot
	// handle, such as a PUK request.
	ErrUnsupportedSIMState = errors.New("unsupported SIM state")

	// ErrSIMNotReady is returned by Setup when the SIM does not report
	// READY within the poll budget after the PIN was entered.
	ErrSIMNotReady = errors.New("SIM not ready")

	// ErrInvalidRecipient is returned by SendSMS for an empty recipient or
	// one that would break the command line.
	ErrInvalidRecipient = errors.New("invalid SMS recipient")

	// ErrInvalidMessage is returned by SendSMS when the text contains the
	// Ctrl-Z terminator.
	ErrInvalidMessage = errors.New("invalid SMS text")
)
