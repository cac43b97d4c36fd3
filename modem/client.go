package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"i4.energy/across/atclient/at"
)

// Client drives command/response exchanges and unsolicited events over a
// Transport to an AT device.
//
// Two goroutines run while the client is started: the transport reader,
// which alone touches the Transport, and the engine, which matches received
// text against the pending command and the registered events. At most one
// command is pending at a time; Send waits for the previous one to resolve.
//
// Usage:
//
//	config, err := modem.NewConfigBuilder().
//		WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB0", ReadTimeout: 100 * time.Millisecond}).
//		WithOnResolution(func(r modem.Resolution) { ... }).
//		Build()
//	if err != nil { return err }
//
//	c, err := modem.New(config)
//	if err != nil { return err }
//	if err := c.Start(ctx); err != nil { return err }
//	defer c.Stop()
//
//	r, err := c.Exec(ctx, cmd)
type Client struct {
	config Config
	logger *slog.Logger

	// mu guards the lifecycle fields below; engine state has its own lock.
	mu      sync.Mutex
	running bool
	reader  *reader
	engine  *engine
	// last survives a restart until the new engine resolves a command.
	last *Resolution
}

// New creates a Client. It does not touch the device; see Start.
func New(config Config) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	return &Client{
		config: config,
		logger: config.Logger.With("component", "client"),
	}, nil
}

// Start dials the transport and starts the transport reader and the engine.
// A stopped Client may be started again; events registered before the stop
// are gone.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	transport, err := c.config.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial transport: %w", err)
	}
	if transport == nil {
		return ErrNotInitialized
	}

	c.reader = newReader(
		transport,
		c.config.Logger.With("component", "reader"),
		c.config.OutboundQueueSize,
		c.config.InboundQueueSize,
		c.config.PollInterval,
	)
	c.engine = newEngine(
		c.reader,
		c.config.Logger.With("component", "engine"),
		c.config.Charset,
		c.config.PollInterval,
		c.config.OnResolution,
	)

	c.engine.start()
	c.reader.start()
	c.running = true

	c.logger.Info("Client started", "poll_interval", c.config.PollInterval, "charset", c.config.Charset)
	return nil
}

// Stop signals both loops, waits up to the join timeout for each and
// closes the transport. Callers blocked in Send or Exec return ErrStopped.
//
// A loop that fails to exit in time is logged at LevelCritical and
// reported as ErrJoinTimeout; it is not retried.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	r, e := c.reader, c.engine
	if last, ok := e.lastResolution(); ok {
		c.last = &last
	}
	c.mu.Unlock()

	// The loops are joined without holding mu: a callback still running on
	// the engine goroutine may call back into the client.
	c.logger.Info("Stopping client")
	e.stop()
	r.stop()

	var errs []error
	if !r.wait(c.config.JoinTimeout) {
		c.logger.Log(context.Background(), LevelCritical, "Transport reader did not stop", "timeout", c.config.JoinTimeout)
		errs = append(errs, fmt.Errorf("transport reader: %w", ErrJoinTimeout))
	}
	if !e.wait(c.config.JoinTimeout) {
		c.logger.Log(context.Background(), LevelCritical, "Engine did not stop", "timeout", c.config.JoinTimeout)
		errs = append(errs, fmt.Errorf("engine: %w", ErrJoinTimeout))
	}
	if err := r.close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	c.logger.Info("Client stopped")
	return errors.Join(errs...)
}

// current returns the running engine, or ErrNotRunning.
func (c *Client) current() (*engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil, ErrNotRunning
	}
	return c.engine, nil
}

// Send issues cmd once no other command is pending and returns without
// waiting for its outcome, which is delivered to the OnResolution handler.
// The returned ID matches Resolution.ID.
//
// Waiting for the device to become idle ends early with the context's
// error, or with ErrStopped if the client stops meanwhile.
func (c *Client) Send(ctx context.Context, cmd *at.Command) (uuid.UUID, error) {
	id, _, err := c.send(ctx, cmd, nil)
	return id, err
}

// Exec sends cmd and waits for its resolution. A command that resolves
// with Error or Timeout is not an error here; inspect Resolution.Outcome or
// Resolution.Err.
//
// If ctx ends before the resolution, Exec returns the context's error and
// the command still resolves in the background.
func (c *Client) Exec(ctx context.Context, cmd *at.Command) (Resolution, error) {
	done := make(chan Resolution, 1)
	_, e, err := c.send(ctx, cmd, done)
	if err != nil {
		return Resolution{}, err
	}

	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case <-e.stopped:
		// The resolution may have landed just before the stop.
		select {
		case r := <-done:
			return r, nil
		default:
			return Resolution{}, ErrStopped
		}
	}
}

func (c *Client) send(ctx context.Context, cmd *at.Command, done chan Resolution) (uuid.UUID, *engine, error) {
	if err := cmd.Validate(); err != nil {
		return uuid.Nil, nil, err
	}
	e, err := c.current()
	if err != nil {
		return uuid.Nil, nil, err
	}
	id, err := e.submit(ctx, cmd, done)
	return id, e, err
}

// RegisterEvent adds ev to the events matched against received text.
// Events are matched in registration order. Registering the same event
// twice has no effect.
func (c *Client) RegisterEvent(ev *at.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	e, err := c.current()
	if err != nil {
		return err
	}
	e.register(ev)
	c.logger.Debug("Event registered", "event", ev.Name, "recurrence", ev.Recurrence)
	return nil
}

// UnregisterEvent removes ev. It returns ErrUnknownEvent if ev is not
// registered, which includes a OneTime event that already fired.
func (c *Client) UnregisterEvent(ev *at.Event) error {
	e, err := c.current()
	if err != nil {
		return err
	}
	if !e.unregister(ev) {
		name := ""
		if ev != nil {
			name = ev.Name
		}
		c.logger.Warn("Cannot remove unregistered event", "event", name)
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	c.logger.Debug("Event unregistered", "event", ev.Name)
	return nil
}

// Running reports whether the client is started.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Busy reports whether a command is awaiting its resolution.
func (c *Client) Busy() bool {
	e, err := c.current()
	if err != nil {
		return false
	}
	return e.busy()
}

// Last returns the most recent resolution, if any.
func (c *Client) Last() (Resolution, bool) {
	c.mu.Lock()
	e, last := c.engine, c.last
	c.mu.Unlock()

	if e != nil {
		if r, ok := e.lastResolution(); ok {
			return r, true
		}
	}
	if last != nil {
		return *last, true
	}
	return Resolution{}, false
}

func (c *Client) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "client running=%t", c.Running())
	if r, ok := c.Last(); ok {
		fmt.Fprintf(&b, " last=%s outcome=%s", r.Command.Name, r.Outcome)
		if r.Response != nil {
			fmt.Fprintf(&b, " response=%s", r.Response.Name())
		}
	}
	return b.String()
}
