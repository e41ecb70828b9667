package tunmux

import (
	"errors"
	"io"
	"net"
	"sync"
)

// Dialer opens the outbound TCP stream for a request. DNS resolution
// and connection policy live behind this interface; *net.Dialer
// satisfies it.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

type egressState int

const (
	egressConnecting egressState = iota
	egressConnected
	egressClosed
)

type egressEventKind int

const (
	// evConnected fires once when the dial succeeds
	evConnected egressEventKind = iota
	// evData fires for every chunk read from the remote
	evData
	// evFinish fires when the remote half-closes its write side while
	// the socket is still connected
	evFinish
	// evClosed is terminal and fires at most once
	evClosed
	// evError fires instead of evConnected if the dial fails; the
	// socket is closed afterwards with no separate evClosed
	evError
)

type egressEvent struct {
	kind egressEventKind
	data []byte
	err  error
}

type egressCallback func(ev egressEvent)

// egress wraps one outbound TCP stream. Writes are queued and drained
// by a single writer goroutine so chunks never interleave; reads run in
// a dedicated loop that feeds the callback.
type egress struct {
	mu sync.Mutex

	state      egressState
	conn       net.Conn
	writeQueue [][]byte
	writing    bool
	cb         egressCallback
}

const egressReadBufferSize = 32 * 1024

// halfCloser is the subset of *net.TCPConn needed for write-side
// shutdown. Streams that cannot half-close simply skip it.
type halfCloser interface {
	CloseWrite() error
}

// newEgress starts the dial in the background and returns immediately
// in the connecting state.
func newEgress(addr string, dialer Dialer, cb egressCallback) *egress {
	e := &egress{
		state: egressConnecting,
		cb:    cb,
	}
	go e.dial(addr, dialer)
	return e
}

func (e *egress) dial(addr string, dialer Dialer) {
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		if e.transitionClosed() {
			e.emit(egressEvent{kind: evError, err: err})
		}
		return
	}

	e.mu.Lock()
	if e.state == egressClosed {
		// closed while connecting; the closed event already fired
		e.mu.Unlock()
		_ = conn.Close()
		return
	}
	e.state = egressConnected
	e.conn = conn
	start := len(e.writeQueue) > 0 && !e.writing
	if start {
		e.writing = true
	}
	e.mu.Unlock()

	e.emit(egressEvent{kind: evConnected})
	if start {
		go e.drain()
	}
	go e.readLoop(conn)
}

func (e *egress) readLoop(conn net.Conn) {
	buf := make([]byte, egressReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.emit(egressEvent{kind: evData, data: chunk})
		}
		if err != nil {
			e.mu.Lock()
			closed := e.state == egressClosed
			e.mu.Unlock()
			if closed {
				return
			}
			if errors.Is(err, io.EOF) {
				// remote half-closed the read side
				e.emit(egressEvent{kind: evFinish})
				return
			}
			if e.transitionClosed() {
				_ = conn.Close()
				e.emit(egressEvent{kind: evClosed})
			}
			return
		}
	}
}

// Write queues a chunk for transmission. Chunks queued before the dial
// completes are flushed once connected. Writes on a closed socket are
// discarded.
func (e *egress) Write(chunk []byte) {
	e.mu.Lock()
	if e.state == egressClosed {
		e.mu.Unlock()
		return
	}
	e.writeQueue = append(e.writeQueue, chunk)
	start := e.state == egressConnected && !e.writing
	if start {
		e.writing = true
	}
	e.mu.Unlock()
	if start {
		go e.drain()
	}
}

// drain snapshots the queue and writes each chunk to completion,
// looping until the queue stays empty. A write error closes the socket.
func (e *egress) drain() {
	for {
		e.mu.Lock()
		if e.state != egressConnected || len(e.writeQueue) == 0 {
			e.writing = false
			e.mu.Unlock()
			return
		}
		batch := e.writeQueue
		e.writeQueue = nil
		conn := e.conn
		e.mu.Unlock()

		for _, chunk := range batch {
			if chunk == nil {
				// half-close marker queued by ShutdownWrite; ordered
				// after every chunk written before it
				if hc, ok := conn.(halfCloser); ok {
					_ = hc.CloseWrite()
				}
				continue
			}
			if _, err := conn.Write(chunk); err != nil {
				e.mu.Lock()
				e.writing = false
				e.mu.Unlock()
				if e.transitionClosed() {
					_ = conn.Close()
					e.emit(egressEvent{kind: evClosed})
				}
				return
			}
		}
	}
}

// ShutdownWrite signals that no more data will be written. Best effort:
// a no-op unless the stream supports half-close. The shutdown rides the
// write queue as a nil marker so it cannot overtake queued chunks.
func (e *egress) ShutdownWrite() {
	e.mu.Lock()
	if e.state == egressClosed {
		e.mu.Unlock()
		return
	}
	e.writeQueue = append(e.writeQueue, nil)
	start := e.state == egressConnected && !e.writing
	if start {
		e.writing = true
	}
	e.mu.Unlock()
	if start {
		go e.drain()
	}
}

// Close tears down the stream. Idempotent; delivers the closed event
// exactly once.
func (e *egress) Close() {
	if !e.transitionClosed() {
		return
	}
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	e.emit(egressEvent{kind: evClosed})
}

// detach stops event delivery. The owning slot detaches before closing
// during a free so that the teardown does not loop back into the
// tunnel.
func (e *egress) detach() {
	e.mu.Lock()
	e.cb = nil
	e.mu.Unlock()
}

// transitionClosed moves to the closed state, discarding queued writes.
// Returns false if already closed.
func (e *egress) transitionClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == egressClosed {
		return false
	}
	e.state = egressClosed
	e.writeQueue = nil
	return true
}

// emit delivers an event without holding the egress lock. Events after
// detach are dropped.
func (e *egress) emit(ev egressEvent) {
	e.mu.Lock()
	cb := e.cb
	e.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
