package modem

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"i4.energy/across/atclient/at"
)

// LevelCritical is logged when the client cannot shut down cleanly.
const LevelCritical = slog.LevelError + 4

// Resolution is the outcome of one sent Command.
type Resolution struct {
	// ID identifies the exchange; Send returns the same ID.
	ID      uuid.UUID
	Command *at.Command
	Outcome at.Outcome
	// Response is the pattern that matched. Nil on Timeout.
	Response *at.Pattern
	// Text is the substring Response matched. Empty on Timeout.
	Text       string
	IssuedAt   time.Time
	ResolvedAt time.Time
}

// ResolutionHandler receives every Resolution. It runs on the engine
// goroutine and must not block; it may call Send for the next command.
type ResolutionHandler func(Resolution)

// Elapsed is the time between issuing the command and its resolution.
func (r Resolution) Elapsed() time.Duration {
	return r.ResolvedAt.Sub(r.IssuedAt)
}

// Err returns nil for Success, and an error wrapping ErrCommandError or
// ErrCommandTimeout otherwise.
func (r Resolution) Err() error {
	name := ""
	if r.Command != nil {
		name = r.Command.Name
	}
	switch r.Outcome {
	case at.Success:
		return nil
	case at.Error:
		return fmt.Errorf("%s: %w: %q", name, ErrCommandError, strings.TrimSpace(r.Text))
	case at.Timeout:
		return fmt.Errorf("%s: %w after %v", name, ErrCommandTimeout, r.Elapsed().Round(time.Millisecond))
	default:
		return fmt.Errorf("%s: unresolved", name)
	}
}

// exchange is the command currently awaiting its resolution.
type exchange struct {
	id       uuid.UUID
	cmd      *at.Command
	issuedAt time.Time
	// done, if set, receives the resolution. Buffered, never blocks.
	done chan Resolution
}

// engine is the command/response/event state machine.
//
// All mutable state is guarded by mu. The mutex is held for one iteration
// of matching and never across port I/O or callbacks: handlers collected
// during an iteration run after it is released, still on the engine
// goroutine and in the order they were produced.
type engine struct {
	link         link
	logger       *slog.Logger
	charset      at.Charset
	interval     time.Duration
	onResolution ResolutionHandler

	// idle holds a token while no command is pending. Send takes it,
	// resolution puts it back.
	idle chan struct{}
	// stopped is closed when the engine stops; it wakes waiting senders.
	stopped  chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	buffer  strings.Builder
	pending *exchange
	events  []*at.Event
	last    *Resolution
}

func newEngine(l link, logger *slog.Logger, charset at.Charset, interval time.Duration, onResolution ResolutionHandler) *engine {
	e := &engine{
		link:         l,
		logger:       logger,
		charset:      charset,
		interval:     interval,
		onResolution: onResolution,
		idle:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	e.idle <- struct{}{}
	return e
}

func (e *engine) start() {
	go e.loop()
}

func (e *engine) loop() {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopped:
			return
		case <-ticker.C:
			e.poll()
		}
	}
}

// poll runs one iteration per received chunk, then one more so timeouts
// are checked even on a silent line.
func (e *engine) poll() {
	for {
		chunk := e.link.dequeue()
		e.iterate(chunk, time.Now())
		if chunk == nil {
			return
		}
		select {
		case <-e.stopped:
			return
		default:
		}
	}
}

// iterate runs one step of the state machine and then the callbacks it
// produced.
func (e *engine) iterate(chunk []byte, now time.Time) {
	e.mu.Lock()
	calls := e.step(chunk, now)
	e.mu.Unlock()

	for _, call := range calls {
		e.invoke(call)
	}
}

func (e *engine) invoke(call func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Callback panicked", "panic", r)
		}
	}()
	call()
}

// step must be called with mu held.
func (e *engine) step(chunk []byte, now time.Time) []func() {
	var calls []func()

	if len(chunk) > 0 {
		text, err := e.charset.Decode(chunk)
		if err != nil {
			e.logger.Error("Failed to decode received data", "error", err, "data", fmt.Sprintf("%q", chunk))
		} else {
			e.buffer.WriteString(text)
		}
	}

	// Only one event may fire per iteration.
	if buf := e.buffer.String(); buf != "" {
		for i, ev := range e.events {
			m := ev.Pattern.Match(buf)
			if m == "" {
				continue
			}
			e.logger.Debug("Event matched", "event", ev.Name, "match", m)
			calls = append(calls, func() { ev.Handler(ev, m) })
			if ev.Recurrence == at.OneTime {
				e.events = slices.Delete(e.events, i, i+1)
			}
			e.buffer.Reset()
			break
		}
	}

	x := e.pending
	if x == nil {
		return calls
	}

	if now.Sub(x.issuedAt) > x.cmd.Timeout {
		return append(calls, e.resolve(x, at.Timeout, nil, "", now))
	}

	buf := e.buffer.String()
	if buf == "" {
		return calls
	}

	// Success is checked first and wins when an error response matches too.
	if m := x.cmd.Success.Match(buf); m != "" {
		resp := x.cmd.Success
		return append(calls, e.resolve(x, at.Success, &resp, m, now))
	}
	for _, p := range x.cmd.Errors {
		if m := p.Match(buf); m != "" {
			resp := p
			return append(calls, e.resolve(x, at.Error, &resp, m, now))
		}
	}
	return calls
}

// resolve settles the pending exchange and returns the callback that
// reports it. Must be called with mu held.
func (e *engine) resolve(x *exchange, outcome at.Outcome, resp *at.Pattern, text string, now time.Time) func() {
	r := Resolution{
		ID:         x.id,
		Command:    x.cmd,
		Outcome:    outcome,
		Response:   resp,
		Text:       text,
		IssuedAt:   x.issuedAt,
		ResolvedAt: now,
	}
	e.pending = nil
	e.buffer.Reset()
	e.last = &r
	e.release()

	e.logger.Info("Command resolved",
		"id", r.ID,
		"command", x.cmd.Name,
		"outcome", outcome,
		"elapsed", r.Elapsed())

	return func() {
		if e.onResolution != nil {
			e.onResolution(r)
		}
		if x.done != nil {
			x.done <- r
		}
	}
}

// release hands the idle token back.
func (e *engine) release() {
	select {
	case e.idle <- struct{}{}:
	default:
	}
}

// submit waits until no command is pending and then issues cmd. The wait
// ends early with ctx's error, or ErrStopped if the engine stops.
func (e *engine) submit(ctx context.Context, cmd *at.Command, done chan Resolution) (uuid.UUID, error) {
	select {
	case <-e.idle:
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	case <-e.stopped:
		return uuid.Nil, ErrStopped
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.stopped:
		return uuid.Nil, ErrStopped
	default:
	}

	x := &exchange{
		id:   uuid.New(),
		cmd:  cmd,
		done: done,
	}
	if err := e.link.enqueueWrite(cmd.Payload, func() bool { return e.isPending(x) }); err != nil {
		e.release()
		return uuid.Nil, fmt.Errorf("send %s: %w", cmd.Name, err)
	}
	x.issuedAt = time.Now()
	e.pending = x

	e.logger.Debug("Command issued", "id", x.id, "command", cmd.Name, "timeout", cmd.Timeout)
	return x.id, nil
}

// isPending reports whether x still awaits its resolution. The reader asks
// before writing a queued payload, so a command that already timed out is
// never written on top of the next one.
func (e *engine) isPending(x *exchange) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending == x
}

func (e *engine) register(ev *at.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slices.Contains(e.events, ev) {
		return
	}
	e.events = append(e.events, ev)
}

func (e *engine) unregister(ev *at.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := slices.Index(e.events, ev)
	if i < 0 {
		return false
	}
	e.events = slices.Delete(e.events, i, i+1)
	return true
}

func (e *engine) busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

func (e *engine) lastResolution() (Resolution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Resolution{}, false
	}
	return *e.last, true
}

// stop signals the loop and wakes blocked senders. Registrations and any
// pending command are discarded; the pending command gets no resolution.
func (e *engine) stop() {
	e.stopOnce.Do(func() { close(e.stopped) })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
	e.pending = nil
	e.buffer.Reset()
}

// wait reports whether the loop exited within timeout.
func (e *engine) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.C:
		return false
	}
}
