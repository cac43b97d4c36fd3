package modem

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/atclient/at"
)

// fakeLink records writes and hands out scripted chunks.
type fakeLink struct {
	mu      sync.Mutex
	writes  [][]byte
	live    []func() bool
	inbound [][]byte
	full    bool
}

func (l *fakeLink) enqueueWrite(p []byte, live func() bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return ErrQueueFull
	}
	l.writes = append(l.writes, p)
	l.live = append(l.live, live)
	return nil
}

// liveAt reports whether the i-th queued payload would still be written.
func (l *fakeLink) liveAt(i int) bool {
	l.mu.Lock()
	live := l.live[i]
	l.mu.Unlock()
	return live()
}

func (l *fakeLink) dequeue() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inbound) == 0 {
		return nil
	}
	b := l.inbound[0]
	l.inbound = l.inbound[1:]
	return b
}

func (l *fakeLink) written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

type resolutions struct {
	mu  sync.Mutex
	got []Resolution
}

func (r *resolutions) add(res Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
}

func (r *resolutions) all() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Resolution(nil), r.got...)
}

func newTestEngine(t *testing.T, charset at.Charset) (*engine, *fakeLink, *resolutions) {
	t.Helper()
	link := &fakeLink{}
	res := &resolutions{}
	e := newEngine(link, slog.New(slog.DiscardHandler), charset, 10*time.Millisecond, res.add)
	return e, link, res
}

func testCommand(t *testing.T, timeout time.Duration) *at.Command {
	t.Helper()
	cmd, err := at.NewCommand(
		"AT+CCLK?",
		[]byte("AT+CCLK?\r\n"),
		at.MustPattern("clock", `\+CCLK: "[^"]*"\r\n.*OK\r\n`, at.Regex),
		[]at.Pattern{
			at.MustPattern("CME ERROR", `\+CME ERROR: \d+\r\n`, at.Regex),
			at.MustPattern("ERROR", "ERROR\r\n", at.Exact),
		},
		timeout,
	)
	require.NoError(t, err)
	return cmd
}

func testEvent(t *testing.T, name, text string, recurrence at.Recurrence, fired *[]string) *at.Event {
	t.Helper()
	ev, err := at.NewEvent(name, at.MustPattern(name, text, at.Exact), func(e *at.Event, match string) {
		*fired = append(*fired, e.Name+"="+match)
	}, recurrence)
	require.NoError(t, err)
	return ev
}

// issue submits cmd and returns the moment the engine considers it issued.
func issue(t *testing.T, e *engine, cmd *at.Command) time.Time {
	t.Helper()
	_, err := e.submit(context.Background(), cmd, nil)
	require.NoError(t, err)
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotNil(t, e.pending)
	return e.pending.issuedAt
}

func TestEngineSuccessAcrossChunks(t *testing.T) {
	e, link, res := newTestEngine(t, at.ASCII)
	cmd := testCommand(t, time.Second)
	issued := issue(t, e, cmd)

	assert.Equal(t, 1, link.written())
	assert.True(t, e.busy())

	e.iterate([]byte("+CCLK: \"24/01/01,12:00:00+00\"\r\n"), issued.Add(10*time.Millisecond))
	assert.Empty(t, res.all(), "success needs the final OK")

	e.iterate([]byte("\r\n"), issued.Add(20*time.Millisecond))
	e.iterate([]byte("OK\r\n"), issued.Add(30*time.Millisecond))

	got := res.all()
	require.Len(t, got, 1)
	assert.Equal(t, at.Success, got[0].Outcome)
	assert.Equal(t, "clock", got[0].Response.Name())
	assert.Equal(t, "+CCLK: \"24/01/01,12:00:00+00\"\r\n\r\nOK\r\n", got[0].Text)
	assert.Equal(t, 30*time.Millisecond, got[0].Elapsed())
	assert.NoError(t, got[0].Err())

	assert.False(t, e.busy())
	assert.Empty(t, e.buffer.String(), "buffer is cleared on resolution")

	last, ok := e.lastResolution()
	require.True(t, ok)
	assert.Equal(t, got[0].ID, last.ID)
}

func TestEngineErrorResponse(t *testing.T) {
	e, _, res := newTestEngine(t, at.ASCII)
	cmd := testCommand(t, time.Second)
	issued := issue(t, e, cmd)

	e.iterate([]byte("+CME ERROR: 3\r\n"), issued.Add(time.Millisecond))

	got := res.all()
	require.Len(t, got, 1)
	assert.Equal(t, at.Error, got[0].Outcome)
	assert.Equal(t, "CME ERROR", got[0].Response.Name())
	assert.Equal(t, "+CME ERROR: 3\r\n", got[0].Text)
	assert.ErrorIs(t, got[0].Err(), ErrCommandError)
}

func TestEngineErrorsCheckedInOrder(t *testing.T) {
	e, _, res := newTestEngine(t, at.ASCII)
	cmd, err := at.NewCommand("AT", []byte("AT\r"), at.MustPattern("OK", "OK\r\n", at.Exact), []at.Pattern{
		at.MustPattern("first", "ERROR", at.Exact),
		at.MustPattern("second", "ERROR\r\n", at.Exact),
	}, time.Second)
	require.NoError(t, err)
	issued := issue(t, e, cmd)

	e.iterate([]byte("ERROR\r\n"), issued.Add(time.Millisecond))

	got := res.all()
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Response.Name())
}

func TestEngineSuccessWinsOverError(t *testing.T) {
	e, _, res := newTestEngine(t, at.ASCII)
	// The error text is a substring of the success text.
	cmd, err := at.NewCommand("AT+X", []byte("AT+X\r"),
		at.MustPattern("done", "NO ERROR\r\n", at.Exact),
		[]at.Pattern{at.MustPattern("ERROR", "ERROR\r\n", at.Exact)},
		time.Second)
	require.NoError(t, err)
	issued := issue(t, e, cmd)

	e.iterate([]byte("NO ERROR\r\n"), issued.Add(time.Millisecond))

	got := res.all()
	require.Len(t, got, 1)
	assert.Equal(t, at.Success, got[0].Outcome)
}

func TestEngineTimeout(t *testing.T) {
	e, _, res := newTestEngine(t, at.ASCII)
	cmd := testCommand(t, 200*time.Millisecond)
	issued := issue(t, e, cmd)

	e.iterate(nil, issued.Add(200*time.Millisecond))
	assert.Empty(t, res.all(), "no timeout before the deadline has passed")

	e.iterate(nil, issued.Add(201*time.Millisecond))

	got := res.all()
	require.Len(t, got, 1)
	assert.Equal(t, at.Timeout, got[0].Outcome)
	assert.Nil(t, got[0].Response)
	assert.Empty(t, got[0].Text)
	assert.GreaterOrEqual(t, got[0].Elapsed(), cmd.Timeout)
	assert.ErrorIs(t, got[0].Err(), ErrCommandTimeout)
	assert.False(t, e.busy())
}

func TestEngineTimeoutCheckedBeforeResponses(t *testing.T) {
	e, _, res := newTestEngine(t, at.ASCII)
	cmd := testCommand(t, 100*time.Millisecond)
	issued := issue(t, e, cmd)

	e.iterate([]byte("ERROR\r\n"), issued.Add(time.Second))

	got := res.all()
	require.Len(t, got, 1)
	assert.Equal(t, at.Timeout, got[0].Outcome)
	assert.Empty(t, e.buffer.String(), "buffer is cleared on timeout too")
}

func TestEngineTimedOutPayloadNotWritten(t *testing.T) {
	e, link, res := newTestEngine(t, at.ASCII)
	first := testCommand(t, 100*time.Millisecond)
	issued := issue(t, e, first)
	assert.True(t, link.liveAt(0), "payload of the pending command is written")

	e.iterate(nil, issued.Add(time.Second))
	require.Len(t, res.all(), 1)
	assert.False(t, link.liveAt(0), "payload of a timed out command is dropped")

	issue(t, e, testCommand(t, time.Second))
	assert.False(t, link.liveAt(0))
	assert.True(t, link.liveAt(1))
}

func TestEngineOnlyOneEventPerIteration(t *testing.T) {
	e, _, _ := newTestEngine(t, at.ASCII)
	var fired []string
	ring := testEvent(t, "ring", "RING", at.Reoccurring, &fired)
	msg := testEvent(t, "msg", "+CMTI:", at.Reoccurring, &fired)
	e.register(ring)
	e.register(msg)

	now := time.Now()
	e.iterate([]byte("+CMTI: \"SM\",1\r\nRING\r\n"), now)
	assert.Equal(t, []string{"ring=RING"}, fired, "registration order decides")
	assert.Empty(t, e.buffer.String(), "the firing clears the whole buffer")

	e.iterate([]byte("+CMTI: \"SM\",2\r\n"), now)
	assert.Equal(t, []string{"ring=RING", "msg=+CMTI:"}, fired)
}

func TestEngineOneTimeEventRemoved(t *testing.T) {
	e, _, _ := newTestEngine(t, at.ASCII)
	var fired []string
	rdy := testEvent(t, "ready", "RDY", at.OneTime, &fired)
	e.register(rdy)
	e.register(rdy)

	now := time.Now()
	e.iterate([]byte("RDY\r\n"), now)
	e.iterate([]byte("RDY\r\n"), now)

	assert.Equal(t, []string{"ready=RDY"}, fired)
	assert.False(t, e.unregister(rdy), "one-time event is gone after firing")
}

func TestEngineReoccurringEventFiresEachTime(t *testing.T) {
	e, _, _ := newTestEngine(t, at.ASCII)
	var fired []string
	clock := testEvent(t, "clock", "+CCLK", at.Reoccurring, &fired)
	e.register(clock)

	now := time.Now()
	e.iterate([]byte("+CCLK: \"24/01/01,12:00:00+00\"\r\n"), now)
	e.iterate([]byte("+CCLK: \"24/01/01,12:00:01+00\"\r\n"), now)

	assert.Len(t, fired, 2)
	assert.True(t, e.unregister(clock))
	e.iterate([]byte("+CCLK: \"24/01/01,12:00:02+00\"\r\n"), now)
	assert.Len(t, fired, 2)
}

func TestEngineEventTakesPrecedenceOverResponse(t *testing.T) {
	e, _, res := newTestEngine(t, at.ASCII)
	var fired []string
	e.register(testEvent(t, "ring", "RING", at.Reoccurring, &fired))

	cmd, err := at.NewCommand("AT", []byte("AT\r"), at.MustPattern("OK", "OK\r\n", at.Exact), nil, time.Second)
	require.NoError(t, err)
	issued := issue(t, e, cmd)

	e.iterate([]byte("RING\r\nOK\r\n"), issued.Add(time.Millisecond))
	assert.Equal(t, []string{"ring=RING"}, fired)
	assert.Empty(t, res.all(), "the event consumed the buffer")
	assert.True(t, e.busy())

	e.iterate([]byte("OK\r\n"), issued.Add(2*time.Millisecond))
	require.Len(t, res.all(), 1)
}

func TestEngineCallbacksRunInOrder(t *testing.T) {
	link := &fakeLink{}
	var order []string
	e := newEngine(link, slog.New(slog.DiscardHandler), at.ASCII, 10*time.Millisecond, func(r Resolution) {
		order = append(order, "resolution:"+r.Outcome.String())
	})
	ev, err := at.NewEvent("ring", at.MustPattern("ring", "RING", at.Exact), func(*at.Event, string) {
		order = append(order, "event")
	}, at.Reoccurring)
	require.NoError(t, err)
	e.register(ev)

	issued := issue(t, e, testCommand(t, 10*time.Millisecond))
	e.iterate([]byte("RING\r\n"), issued.Add(time.Second))

	assert.Equal(t, []string{"event", "resolution:timeout"}, order)
}

func TestEngineDecodeFailureIgnored(t *testing.T) {
	e, _, res := newTestEngine(t, at.ASCII)
	cmd, err := at.NewCommand("AT", []byte("AT\r"), at.MustPattern("OK", "OK\r\n", at.Exact), nil, time.Second)
	require.NoError(t, err)
	issued := issue(t, e, cmd)

	e.iterate([]byte{'O', 0xff, '\r', '\n'}, issued.Add(time.Millisecond))
	assert.Empty(t, e.buffer.String())
	assert.Empty(t, res.all())

	e.iterate([]byte("OK\r\n"), issued.Add(2*time.Millisecond))
	require.Len(t, res.all(), 1)
	assert.Equal(t, at.Success, res.all()[0].Outcome)
}

func TestEngineLatin1(t *testing.T) {
	e, _, _ := newTestEngine(t, at.Latin1)
	var fired []string
	e.register(testEvent(t, "umlaut", "Grüße", at.OneTime, &fired))

	e.iterate([]byte{'G', 'r', 0xfc, 0xdf, 'e'}, time.Now())
	assert.Equal(t, []string{"umlaut=Grüße"}, fired)
}

func TestEngineSubmitWaitsForResolution(t *testing.T) {
	e, link, _ := newTestEngine(t, at.ASCII)
	cmd := testCommand(t, time.Second)
	issued := issue(t, e, cmd)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.submit(ctx, cmd, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, link.written(), "second command must not be written while one is pending")

	e.iterate([]byte("ERROR\r\n"), issued.Add(time.Millisecond))

	_, err = e.submit(context.Background(), cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, link.written())
}

func TestEngineSubmitUnblockedByStop(t *testing.T) {
	e, link, _ := newTestEngine(t, at.ASCII)
	cmd := testCommand(t, time.Second)
	issue(t, e, cmd)

	errc := make(chan error, 1)
	go func() {
		_, err := e.submit(context.Background(), cmd, nil)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	e.stop()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("submit still blocked after stop")
	}
	assert.Equal(t, 1, link.written())
	assert.False(t, e.busy(), "stop discards the pending command")
}

func TestEngineSubmitQueueFull(t *testing.T) {
	e, link, _ := newTestEngine(t, at.ASCII)
	link.full = true
	cmd := testCommand(t, time.Second)

	_, err := e.submit(context.Background(), cmd, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, e.busy())

	link.full = false
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.submit(ctx, cmd, nil)
	assert.NoError(t, err, "a failed submit hands the idle token back")
}

func TestEngineResolutionHandlerMaySend(t *testing.T) {
	link := &fakeLink{}
	var e *engine
	next := testCommand(t, time.Second)
	sent := make(chan error, 1)
	e = newEngine(link, slog.New(slog.DiscardHandler), at.ASCII, 10*time.Millisecond, func(r Resolution) {
		if r.Command != next {
			_, err := e.submit(context.Background(), next, nil)
			sent <- err
		}
	})

	issued := issue(t, e, testCommand(t, time.Second))
	e.iterate([]byte("ERROR\r\n"), issued.Add(time.Millisecond))

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
	assert.Equal(t, 2, link.written())
	assert.True(t, e.busy())
}

func TestEnginePanickingHandlerRecovered(t *testing.T) {
	e, _, _ := newTestEngine(t, at.ASCII)
	ev, err := at.NewEvent("boom", at.MustPattern("boom", "RING", at.Exact), func(*at.Event, string) {
		panic("boom")
	}, at.Reoccurring)
	require.NoError(t, err)
	e.register(ev)

	assert.NotPanics(t, func() { e.iterate([]byte("RING\r\n"), time.Now()) })
}

func TestEngineExecDoneChannel(t *testing.T) {
	e, _, _ := newTestEngine(t, at.ASCII)
	done := make(chan Resolution, 1)
	id, err := e.submit(context.Background(), testCommand(t, time.Second), done)
	require.NoError(t, err)

	e.iterate([]byte("ERROR\r\n"), time.Now())

	select {
	case r := <-done:
		assert.Equal(t, id, r.ID)
		assert.Equal(t, at.Error, r.Outcome)
	default:
		t.Fatal("resolution not delivered")
	}
}

func TestResolutionErr(t *testing.T) {
	cmd := &at.Command{Name: "AT"}
	tests := []struct {
		name    string
		outcome at.Outcome
		want    error
	}{
		{"success", at.Success, nil},
		{"error", at.Error, ErrCommandError},
		{"timeout", at.Timeout, ErrCommandTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Resolution{Command: cmd, Outcome: tt.outcome}.Err()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}
