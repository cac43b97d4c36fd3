package modem

import (
	"context"
	"io"
	"sync"
	"time"
)

// TestTransport is a test helper that simulates a serial port with a read
// timeout. Reads block until data is available or the timeout expires, in
// which case they return (0, nil) like a real port would.
//
// Replies can be scripted per written payload with Reply; unsolicited data
// is injected with SendData. A TestTransport is its own Dialer.
type TestTransport struct {
	mu          sync.Mutex
	pending     [][]byte
	ready       chan struct{}
	closeChan   chan struct{}
	closed      bool
	readTimeout time.Duration
	replies     map[string][][]string
	writes      []string
	writeErr    error
}

// NewTestTransport creates a new test transport whose reads give up after
// readTimeout. Exported for use in tests.
func NewTestTransport(readTimeout time.Duration) *TestTransport {
	return &TestTransport{
		ready:       make(chan struct{}, 1),
		closeChan:   make(chan struct{}),
		readTimeout: readTimeout,
		replies:     make(map[string][][]string),
	}
}

func (t *TestTransport) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reply scripts the chunks sent back the next time payload is written.
// Scripting the same payload again queues another reply.
func (t *TestTransport) Reply(payload string, chunks ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies[payload] = append(t.replies[payload], chunks)
}

// FailWrites makes every following Write return err.
func (t *TestTransport) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Writes returns the payloads written so far, failed writes included.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// Closed reports whether Close was called.
func (t *TestTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	payload := string(p)
	t.writes = append(t.writes, payload)
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return 0, err
	}
	var reply []string
	if queued := t.replies[payload]; len(queued) > 0 {
		reply = queued[0]
		t.replies[payload] = queued[1:]
	}
	t.mu.Unlock()

	for _, chunk := range reply {
		t.SendData(chunk)
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	timer := time.NewTimer(t.readTimeout)
	defer timer.Stop()

	for {
		if n, ok := t.next(p); ok {
			return n, nil
		}
		select {
		case <-t.ready:
		case <-t.closeChan:
			return 0, io.EOF
		case <-timer.C:
			return 0, nil
		}
	}
}

// next copies the oldest pending chunk into p. A chunk larger than p is
// consumed over several reads.
func (t *TestTransport) next(p []byte) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return 0, false
	}
	n := copy(p, t.pending[0])
	if n < len(t.pending[0]) {
		t.pending[0] = t.pending[0][n:]
	} else {
		t.pending = t.pending[1:]
	}
	return n, true
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the device. It never blocks, so it is
// safe to call from Write on the reader goroutine.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.pending = append(t.pending, []byte(data))
	t.mu.Unlock()

	select {
	case t.ready <- struct{}{}:
	default:
	}
}
