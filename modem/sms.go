package modem

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/atclient/at"
)

var (
	promptResponse = at.MustPattern("prompt", at.Prompt, at.Exact)
	sentResponse   = at.MustPattern("CMGS", `\+CMGS: \d+\r\n.*OK\r\n`, at.Regex)

	messageRefRe = regexp.MustCompile(`\+CMGS: (\d+)`)
)

// SendSMS sends a text message to the specified recipient and returns the
// message reference assigned by the network.
//
// The message is sent in text mode (not PDU mode), so Setup must have run.
// The recipient should be in international format (e.g., "+1234567890").
//
// This method blocks until the message is accepted by the network or an error
// occurs. Network delivery (to the final recipient) happens asynchronously.
func SendSMS(ctx context.Context, c *Client, recipient, message string, timeout time.Duration) (int, error) {
	if recipient == "" || strings.ContainsAny(recipient, "\"\r\n") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	if strings.Contains(message, at.CtrlZ) {
		return 0, ErrInvalidMessage
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	// The device answers the command line with the prompt only.
	cmdLine := fmt.Sprintf(`%s="%s"`, at.CmdSendSMS, recipient)
	if _, err := run(ctx, c, at.CmdSendSMS, cmdLine, promptResponse, timeout); err != nil {
		return 0, fmt.Errorf("%s command failed: %w", at.CmdSendSMS, err)
	}

	// Now send the message body and wait for confirmation
	body := &at.Command{
		Name:    "SMS body",
		Payload: []byte(message + at.CtrlZ),
		Success: sentResponse,
		Errors:  errorResponses,
		Timeout: timeout,
	}
	r, err := c.Exec(ctx, body)
	if err != nil {
		return 0, fmt.Errorf("SMS send failed: %w", err)
	}
	if err := r.Err(); err != nil {
		return 0, fmt.Errorf("SMS send failed: %w", err)
	}

	m := messageRefRe.FindStringSubmatch(r.Text)
	if m == nil {
		return 0, fmt.Errorf("unexpected SMS response: %q", r.Text)
	}
	ref, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("unexpected SMS reference %q: %w", m[1], err)
	}
	return ref, nil
}
