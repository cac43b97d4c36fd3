package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/atclient/at"
)

const sample = `
responses:
  ok:
    text: "OK\r\n"
    rule: exact
  cme_error:
    text: '\+CME ERROR: \d+\r\n'
commands:
  AT+CCLK?:
    payload: "AT+CCLK?\r\n"
    success: ok
    errors: [cme_error]
    timeout: 250ms
events:
  RING:
    text: "RING\r\n"
    rule: exact
    recurrence: reoccurring
  RDY:
    text: "RDY"
`

func TestLoad(t *testing.T) {
	c, err := Load(strings.NewReader(sample))
	require.NoError(t, err)

	cmd, err := c.Command("AT+CCLK?")
	require.NoError(t, err)
	assert.Equal(t, "AT+CCLK?\r\n", string(cmd.Payload))
	assert.Equal(t, 250*time.Millisecond, cmd.Timeout)
	assert.Equal(t, at.Exact, cmd.Success.Rule())
	assert.Equal(t, "OK\r\n", cmd.Success.Text())
	require.Len(t, cmd.Errors, 1)
	assert.Equal(t, at.Regex, cmd.Errors[0].Rule(), "rule defaults to regex")
	assert.Equal(t, "+CME ERROR: 3\r\n", cmd.Errors[0].Match("+CME ERROR: 3\r\n"))

	assert.Equal(t, []string{"AT+CCLK?"}, c.CommandNames())
	assert.Equal(t, []string{"RDY", "RING"}, c.EventNames())

	p, ok := c.Response("ok")
	assert.True(t, ok)
	assert.Equal(t, "ok", p.Name())
}

func TestCommandReturnsCopy(t *testing.T) {
	c, err := Load(strings.NewReader(sample))
	require.NoError(t, err)

	first, err := c.Command("AT+CCLK?")
	require.NoError(t, err)
	first.Payload[0] = 'X'
	first.Timeout = time.Hour

	second, err := c.Command("AT+CCLK?")
	require.NoError(t, err)
	assert.Equal(t, "AT+CCLK?\r\n", string(second.Payload))
	assert.Equal(t, 250*time.Millisecond, second.Timeout)
}

func TestEvent(t *testing.T) {
	c, err := Load(strings.NewReader(sample))
	require.NoError(t, err)
	handler := func(*at.Event, string) {}

	ring, err := c.Event("RING", handler)
	require.NoError(t, err)
	assert.Equal(t, at.Reoccurring, ring.Recurrence)
	assert.Equal(t, "RING\r\n", ring.Pattern.Match("\r\nRING\r\n"))

	rdy, err := c.Event("RDY", handler)
	require.NoError(t, err)
	assert.Equal(t, at.OneTime, rdy.Recurrence, "recurrence defaults to one-time")

	rdy, err = c.Event("RDY", handler, at.Reoccurring)
	require.NoError(t, err)
	assert.Equal(t, at.Reoccurring, rdy.Recurrence)

	_, err = c.Event("RDY", nil)
	assert.ErrorIs(t, err, at.ErrInvalidEvent)

	_, err = c.Event("NOPE", handler)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestUnknownCommand(t *testing.T) {
	c, err := Load(strings.NewReader(sample))
	require.NoError(t, err)

	_, err = c.Command("AT+NOPE")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
		wantMsg string
	}{
		{
			name:    "unknown success response",
			doc:     "commands:\n  AT:\n    payload: \"AT\\r\\n\"\n    success: ok\n    timeout: 1s\n",
			wantErr: ErrUnknownResponse,
			wantMsg: `command "AT"`,
		},
		{
			name: "unknown error response",
			doc: "responses:\n  ok: {text: OK}\ncommands:\n  AT:\n    payload: AT\n    success: ok\n" +
				"    errors: [nope]\n    timeout: 1s\n",
			wantErr: ErrUnknownResponse,
		},
		{
			name:    "bad rule",
			doc:     "responses:\n  ok: {text: OK, rule: fuzzy}\n",
			wantErr: at.ErrUnknownRule,
			wantMsg: `response "ok"`,
		},
		{
			name:    "bad regex",
			doc:     "responses:\n  ok: {text: 'OK(', rule: regex}\n",
			wantErr: at.ErrInvalidPattern,
		},
		{
			name:    "empty text",
			doc:     "events:\n  RING: {text: ''}\n",
			wantErr: at.ErrEmptyPattern,
			wantMsg: `event "RING"`,
		},
		{
			name:    "bad recurrence",
			doc:     "events:\n  RING: {text: RING, recurrence: sometimes}\n",
			wantErr: at.ErrUnknownRecurrence,
		},
		{
			name:    "non-positive timeout",
			doc:     "responses:\n  ok: {text: OK}\ncommands:\n  AT: {payload: AT, success: ok, timeout: 0s}\n",
			wantErr: at.ErrInvalidCommand,
		},
		{
			name:    "missing timeout",
			doc:     "responses:\n  ok: {text: OK}\ncommands:\n  AT: {payload: AT, success: ok}\n",
			wantMsg: "timeout",
		},
		{
			name:    "unknown field",
			doc:     "responses:\n  ok: {text: OK, colour: blue}\n",
			wantMsg: "decode catalog",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"AT+CCLK?"}, c.CommandNames())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefault(t *testing.T) {
	c := Default()

	for _, name := range []string{"AT", "ATE0", "AT+CMEE=2", "AT+CPIN?", "AT+CSQ", "AT+CCLK?", "AT+CMGF=1", "AT+CREG?", "ATI"} {
		cmd, err := c.Command(name)
		require.NoError(t, err, name)
		assert.True(t, strings.HasSuffix(string(cmd.Payload), at.CRLF), name)
	}
	assert.Equal(t, []string{"CCLK", "CMTI", "RDY", "RING"}, c.EventNames())

	tests := []struct {
		command string
		reply   string
		want    at.Outcome
	}{
		{"AT", "AT\r\r\nOK\r\n", at.Success},
		{"AT+CSQ", "+CSQ: 17,99\r\n\r\nOK\r\n", at.Success},
		{"AT+CCLK?", "+CME ERROR: operation not allowed\r\n", at.Error},
		{"AT+CPIN?", "+CPIN: READY\r\n\r\nOK\r\n", at.Success},
		{"AT+CREG?", "+CREG: 0,1\r\n\r\nOK\r\n", at.Success},
		{"AT+CMGF=1", "+CMS ERROR: 302\r\n", at.Error},
		{"ATI", "Quectel\r\nEC25\r\nRevision: EC25EFAR06A06M4G\r\n\r\nOK\r\n", at.Success},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			cmd, err := c.Command(tt.command)
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome(cmd, tt.reply))
		})
	}
}

// outcome applies the success-before-errors order used by the engine.
func outcome(cmd *at.Command, reply string) at.Outcome {
	if cmd.Success.Match(reply) != "" {
		return at.Success
	}
	for _, p := range cmd.Errors {
		if p.Match(reply) != "" {
			return at.Error
		}
	}
	return at.Timeout
}
