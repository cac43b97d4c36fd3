package modem

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"i4.energy/across/atclient/at"
)

const defaultCommandTimeout = 5 * time.Second

var (
	okResponse = at.MustPattern("OK", at.OK+at.CRLF, at.Exact)

	errorResponses = []at.Pattern{
		at.MustPattern("CME ERROR", `\+CME ERROR: [^\r\n]*\r\n`, at.Regex),
		at.MustPattern("CMS ERROR", `\+CMS ERROR: [^\r\n]*\r\n`, at.Regex),
		at.MustPattern("ERROR", at.ERROR+at.CRLF, at.Exact),
	}

	// The final OK is part of the response so it does not linger in the
	// buffer and resolve the next command early.
	simStatusResponse = at.MustPattern("CPIN", `\+CPIN: [^\r\n]+\r\n.*OK\r\n`, at.Regex)

	simStateRe = regexp.MustCompile(`\+CPIN: ([^\r\n]+)`)
)

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

func (p *PollConfig) setDefaults() {
	if p.Interval <= 0 {
		p.Interval = 500 * time.Millisecond
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = int(p.Timeout / p.Interval)
	}
}

// SetupOptions configures Setup.
type SetupOptions struct {
	// PIN is entered when the SIM asks for one.
	PIN string
	// CommandTimeout bounds each command of the sequence.
	CommandTimeout time.Duration
	// SIMPoll bounds the wait for the SIM after entering the PIN.
	SIMPoll PollConfig
}

// Setup runs the bring-up sequence of a cellular modem on a started Client:
// wake-up check, echo off, verbose errors, SIM unlock and SMS text mode.
//
// Every step must resolve with Success; the first one that does not aborts
// the sequence with an error wrapping Resolution.Err.
func Setup(ctx context.Context, c *Client, opts SetupOptions) error {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	opts.SIMPoll.setDefaults()

	// 1. Wake-up / sanity check
	if err := expectOK(ctx, c, at.CmdAt, opts.CommandTimeout); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}
	if err := expectOK(ctx, c, at.CmdEchoOff, opts.CommandTimeout); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}
	if err := expectOK(ctx, c, at.CmdVerboseErrors, opts.CommandTimeout); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}

	// 2. Check SIM status
	state, err := simState(ctx, c, opts.CommandTimeout)
	if err != nil {
		return fmt.Errorf("query SIM status: %w", err)
	}

	switch state {
	case at.SimReady:
		// OK

	case at.SimPin:
		if opts.PIN == "" {
			return ErrSIMPinRequired
		}
		if err := expectOK(ctx, c, fmt.Sprintf(`AT+CPIN="%s"`, opts.PIN), opts.CommandTimeout); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}
		if err := waitForSIMReady(ctx, c, opts.CommandTimeout, opts.SIMPoll); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedSIMState, state)
	}

	// 3. Select SMS text mode
	if err := expectOK(ctx, c, at.CmdSetTextMode, opts.CommandTimeout); err != nil {
		return fmt.Errorf("set SMS text mode: %w", err)
	}
	return nil
}

// run executes line (CR appended) and turns any outcome but Success into an
// error.
func run(ctx context.Context, c *Client, name, line string, success at.Pattern, timeout time.Duration) (Resolution, error) {
	cmd := &at.Command{
		Name:    name,
		Payload: []byte(line + at.CR),
		Success: success,
		Errors:  errorResponses,
		Timeout: timeout,
	}
	r, err := c.Exec(ctx, cmd)
	if err != nil {
		return r, err
	}
	return r, r.Err()
}

func expectOK(ctx context.Context, c *Client, line string, timeout time.Duration) error {
	name := line
	if strings.HasPrefix(line, "AT+CPIN=") {
		// Keep the PIN out of logs.
		name = "AT+CPIN"
	}
	_, err := run(ctx, c, name, line, okResponse, timeout)
	return err
}

func simState(ctx context.Context, c *Client, timeout time.Duration) (string, error) {
	r, err := run(ctx, c, at.CmdSimStatus, at.CmdSimStatus, simStatusResponse, timeout)
	if err != nil {
		return "", err
	}
	m := simStateRe.FindStringSubmatch(r.Text)
	if m == nil {
		return "", fmt.Errorf("unexpected SIM status response: %q", r.Text)
	}
	return strings.TrimSpace(m[1]), nil
}

// waitForSIMReady polls the SIM card status until it reports ready state.
// The SIM needs time to authenticate after the PIN was entered.
func waitForSIMReady(ctx context.Context, c *Client, timeout time.Duration, config PollConfig) error {
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()
	deadline := time.Now().Add(config.Timeout)
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrSIMNotReady, ctx.Err())
		case <-ticker.C:
			retries++
			if retries > config.MaxRetries || time.Now().After(deadline) {
				return fmt.Errorf("%w after %d retries", ErrSIMNotReady, retries-1)
			}
			state, err := simState(ctx, c, timeout)
			if err != nil {
				// Fail fast when the client is gone
				if errors.Is(err, ErrNotRunning) || errors.Is(err, ErrStopped) {
					return fmt.Errorf("SIM status check failed: %w", err)
				}
				continue
			}
			if state == at.SimReady {
				return nil
			}
		}
	}
}
