package modem

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/atclient/at"
)

const (
	readChunkSize = 1024
	// maxReadFailures is the number of consecutive failed reads after which
	// the reader pauses before trying again, so a dead port does not spin.
	maxReadFailures = 3
)

// link is the engine's view of the transport reader.
type link interface {
	// enqueueWrite queues p for writing without blocking. When live is set
	// the payload is dropped instead of written if live reports false by
	// the time the reader gets to it.
	enqueueWrite(p []byte, live func() bool) error
	// dequeue returns the next received chunk, or nil when none is waiting.
	dequeue() []byte
}

// reader owns the Transport. A single goroutine alternates between writing
// queued payloads and reading with the transport's own timeout, so the
// engine never waits on port I/O.
//
// Received bytes are framed into lines with at.SplitLine before being
// queued; a partial line is flushed as soon as a read comes back empty.
type reader struct {
	transport Transport
	logger    *slog.Logger
	backoff   time.Duration

	outbound chan outboundWrite
	inbound  chan []byte

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	// pending holds bytes of a line not terminated yet. Loop goroutine only.
	pending []byte
}

// outboundWrite is a payload waiting in the outbound queue.
type outboundWrite struct {
	payload []byte
	live    func() bool
}

func newReader(t Transport, logger *slog.Logger, outboundSize, inboundSize int, backoff time.Duration) *reader {
	return &reader{
		transport: t,
		logger:    logger,
		backoff:   backoff,
		outbound:  make(chan outboundWrite, outboundSize),
		inbound:   make(chan []byte, inboundSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *reader) enqueueWrite(p []byte, live func() bool) error {
	select {
	case r.outbound <- outboundWrite{payload: p, live: live}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *reader) dequeue() []byte {
	select {
	case b := <-r.inbound:
		return b
	default:
		return nil
	}
}

func (r *reader) start() {
	go r.loop()
}

// stop asks the loop to exit. It does not wait; see wait.
func (r *reader) stop() {
	r.quitOnce.Do(func() { close(r.quit) })
}

// wait reports whether the loop exited within timeout.
func (r *reader) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return true
	case <-timer.C:
		return false
	}
}

// close closes the transport once and returns the result of that close.
func (r *reader) close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.transport.Close()
		if r.closeErr != nil {
			r.logger.Error("Failed to close transport", "error", r.closeErr)
		}
	})
	return r.closeErr
}

func (r *reader) loop() {
	defer close(r.done)
	defer r.close()

	r.logger.Debug("Transport reader started")
	buf := make([]byte, readChunkSize)
	failures := 0

	for {
		select {
		case <-r.quit:
			r.logger.Debug("Transport reader stopped")
			return
		default:
		}

		select {
		case w := <-r.outbound:
			if w.live != nil && !w.live() {
				r.logger.Warn("Dropping payload of a resolved command", "payload", string(w.payload))
				break
			}
			r.write(w.payload)
		default:
		}

		n, err := r.transport.Read(buf)
		if n > 0 {
			r.frame(buf[:n], false)
		}
		if err != nil {
			failures++
			r.logger.Error("Failed to read from transport", "error", err, "consecutive", failures)
			if failures >= maxReadFailures || isClosed(err) {
				failures = 0
				if !r.pause() {
					return
				}
			}
			continue
		}
		failures = 0
		if n == 0 {
			// Read timed out: whatever is pending is a complete chunk.
			r.frame(nil, true)
		}
	}
}

// pause sleeps for the backoff period and reports false if the reader was
// stopped meanwhile.
func (r *reader) pause() bool {
	timer := time.NewTimer(r.backoff)
	defer timer.Stop()
	select {
	case <-r.quit:
		return false
	case <-timer.C:
		return true
	}
}

func (r *reader) write(p []byte) {
	if len(p) == 0 {
		return
	}
	n, err := r.transport.Write(p)
	switch {
	case err != nil:
		// The pending command will time out; nothing else to do here.
		r.logger.Error("Failed to write to transport", "error", err, "payload", string(p))
	case n < len(p):
		r.logger.Warn("Short write to transport", "written", n, "size", len(p))
	default:
		r.logger.Debug("Wrote to transport", "payload", string(p))
	}
}

// frame appends data to the pending bytes and queues every complete token.
// With flush set, a trailing partial line is queued as well.
func (r *reader) frame(data []byte, flush bool) {
	r.pending = append(r.pending, data...)
	for len(r.pending) > 0 {
		advance, token, _ := at.SplitLine(r.pending, flush)
		if advance == 0 {
			return
		}
		r.push(append([]byte(nil), token...))
		r.pending = r.pending[advance:]
	}
	r.pending = nil
}

func (r *reader) push(b []byte) {
	select {
	case r.inbound <- b:
		r.logger.Debug("Received from transport", "data", string(b), "type", at.Classify(string(b)))
	default:
		r.logger.Warn("Inbound queue full, dropping data", "size", len(b))
	}
}

// isClosed reports whether err means the transport will never yield data
// again.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
