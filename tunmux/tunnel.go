package tunmux

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/slugid-go/slugid"
)

// DefaultCapacity is the number of request slots a tunnel carries
// unless configured otherwise.
const DefaultCapacity = 100

// maxMissedPongs is the number of unanswered pings a tunnel tolerates;
// once more than this many are outstanding it is considered dead.
const maxMissedPongs = 3

// Config carries the construction parameters of a tunnel.
type Config struct {
	// ID is the manager-assigned tunnel id.
	ID uint64

	// Capacity is the request table size. Defaults to DefaultCapacity.
	Capacity int

	// Dialer opens egress connections. Defaults to a plain net.Dialer.
	Dialer Dialer

	// Logger for tunnel events. A null logger is used when nil.
	Logger *logrus.Logger

	// OnClosed is invoked once when the tunnel has fully shut down.
	OnClosed func(*Tunnel)
}

type outFrame struct {
	data []byte
	done chan struct{}
}

// Tunnel owns one client websocket and multiplexes up to Capacity
// concurrent egress TCP requests over it. Inbound frames are dispatched
// through the request table; egress events come back as outbound
// frames through a single FIFO send queue, so a close frame for a slot
// can never overtake data frames for the same slot.
type Tunnel struct {
	id   uint64
	slug string

	mu sync.Mutex

	ws    *websocket.Conn
	table *reqTable

	lastActivity time.Time
	waitingPing  int

	sendQueue []*outFrame
	sending   bool
	closed    bool

	dialer   Dialer
	logger   *logrus.Logger
	onClosed func(*Tunnel)

	remoteAddr string
}

// New wraps an upgraded websocket in a tunnel and starts its read
// pump.
func New(conn *websocket.Conn, conf Config) *Tunnel {
	capacity := conf.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	dialer := conf.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	logger := conf.Logger
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}

	t := &Tunnel{
		id:           conf.ID,
		slug:         slugid.Nice(),
		ws:           conn,
		lastActivity: time.Now(),
		dialer:       dialer,
		logger:       logger,
		onClosed:     conf.OnClosed,
		remoteAddr:   conn.RemoteAddr().String(),
	}
	t.table = newReqTable(capacity, t)
	go t.readPump()
	return t
}

// ID returns the manager-assigned tunnel id.
func (t *Tunnel) ID() uint64 {
	return t.id
}

// readPump consumes websocket messages until the connection errors,
// then runs the close sequence.
func (t *Tunnel) readPump() {
	for {
		t.mu.Lock()
		ws := t.ws
		t.mu.Unlock()
		if ws == nil {
			return
		}
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.logf("read pump exiting: %v", err)
			t.Close()
			return
		}
		t.handleMessage(msg)
	}
}

// handleMessage dispatches one inbound frame. Malformed or stale
// frames are dropped; only transport errors close the tunnel.
func (t *Tunnel) handleMessage(msg []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.lastActivity = time.Now()

	f, err := parseFrame(msg)
	if err != nil {
		t.logerrorf("dropping frame: %v", err)
		return
	}

	if isReqCmd(f.cmd) {
		t.handleReqFrame(f, msg)
		return
	}

	switch f.cmd {
	case cmdPing:
		t.enqueueLocked(pongFromPing(msg))
	case cmdPong:
		t.waitingPing = 0
	default:
		t.logerrorf("dropping frame with unknown command %d", f.cmd)
	}
}

// handleReqFrame routes a request-range frame through the table.
// Callers hold the tunnel lock.
func (t *Tunnel) handleReqFrame(f frame, msg []byte) {
	switch f.cmd {
	case cmdReqCreated:
		addr, err := parseAddr(f.payload)
		if err != nil {
			t.logerrorf("rejecting request %d/%d: %v", f.idx, f.tag, err)
			return
		}
		slot := t.table.alloc(f.idx, f.tag)
		if slot == nil {
			t.logerrorf("rejecting request %d/%d: slot unavailable", f.idx, f.tag)
			return
		}
		t.logf("request %d/%d dialing %s", f.idx, f.tag, addr)
		slot.proxy(addr)
	case cmdReqData:
		if slot := t.table.get(f.idx, f.tag); slot != nil {
			slot.onClientData(msg, reqHeaderLen)
		}
	case cmdReqClientFinished:
		if slot := t.table.get(f.idx, f.tag); slot != nil {
			slot.onClientFinished()
		}
	case cmdReqClientClosed:
		t.table.free(f.idx, f.tag)
	case cmdReqRefreshQuota:
		// reserved; accepted and ignored
	default:
		// server->client commands arriving inbound are peer bugs
		t.logerrorf("dropping inbound %s frame", cmdName(f.cmd))
	}
}

// onReqServerData forwards bytes read from the egress socket to the
// peer. The table lookup drops events from a freed generation.
func (t *Tunnel) onReqServerData(idx, tag uint16, chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.table.get(idx, tag) == nil {
		return
	}
	t.enqueueLocked(newDataFrame(idx, tag, chunk).Bytes())
}

// onReqServerFinished tells the peer the egress read stream ended,
// then releases the slot.
func (t *Tunnel) onReqServerFinished(idx, tag uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.table.get(idx, tag) == nil {
		return
	}
	t.enqueueLocked(newServerFinishedFrame(idx, tag).Bytes())
	t.table.free(idx, tag)
}

// onReqServerClosed tells the peer the egress socket is gone, then
// releases the slot.
func (t *Tunnel) onReqServerClosed(idx, tag uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.table.get(idx, tag) == nil {
		return
	}
	t.enqueueLocked(newServerClosedFrame(idx, tag).Bytes())
	t.table.free(idx, tag)
}

// enqueueLocked appends a frame to the send queue and starts the
// drainer if idle. Returns a channel closed once the frame has been
// handed to the websocket (immediately if the tunnel is closed).
// Callers hold the tunnel lock.
func (t *Tunnel) enqueueLocked(data []byte) <-chan struct{} {
	done := make(chan struct{})
	if t.closed || t.ws == nil {
		close(done)
		return done
	}
	t.sendQueue = append(t.sendQueue, &outFrame{data: data, done: done})
	if !t.sending {
		t.sending = true
		go t.drainSendQueue()
	}
	return done
}

// drainSendQueue is the single writer on the websocket. It snapshots
// the queue, sends each frame in order, and loops until the queue
// stays empty. A send error stops the drainer; teardown happens when
// the read pump observes the broken connection.
func (t *Tunnel) drainSendQueue() {
	for {
		t.mu.Lock()
		if t.closed || len(t.sendQueue) == 0 {
			t.sending = false
			t.mu.Unlock()
			return
		}
		batch := t.sendQueue
		t.sendQueue = nil
		ws := t.ws
		t.mu.Unlock()

		for i, fr := range batch {
			err := ws.WriteMessage(websocket.BinaryMessage, fr.data)
			close(fr.done)
			if err != nil {
				t.logerrorf("send failed: %v", err)
				for _, rest := range batch[i+1:] {
					close(rest.done)
				}
				t.mu.Lock()
				t.sending = false
				t.mu.Unlock()
				return
			}
		}
	}
}

// KeepAlive is driven by the manager's ticker. With more than
// maxMissedPongs unanswered pings the tunnel is torn down; otherwise a
// ping is sent if the peer has been quiet for longer than the period.
func (t *Tunnel) KeepAlive(now time.Time, period time.Duration) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.waitingPing > maxMissedPongs {
		t.mu.Unlock()
		t.logf("missed %d pongs, closing", maxMissedPongs+1)
		t.Close()
		return
	}
	if now.Sub(t.lastActivity) > period {
		t.enqueueLocked(newPingFrame(float64(now.UnixMilli())))
		t.waitingPing++
	}
	t.mu.Unlock()
}

// Close runs the teardown sequence: flush pending send signals, free
// every slot, notify the manager, close the websocket. Idempotent.
func (t *Tunnel) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, fr := range t.sendQueue {
		close(fr.done)
	}
	t.sendQueue = nil
	t.table.cleanup()
	ws := t.ws
	t.ws = nil
	onClosed := t.onClosed
	t.mu.Unlock()

	if onClosed != nil {
		onClosed(t)
	}
	if ws != nil {
		_ = ws.Close()
	}
	t.logf("closed")
}

// tunnel logging utilities

// NOTE: cannot use logrus methods directly, fields must ride along
func (t *Tunnel) logf(format string, v ...interface{}) {
	t.logger.WithFields(logrus.Fields{
		"tunnel-id":   t.id,
		"tunnel-slug": t.slug,
		"remote-addr": t.remoteAddr,
	}).Printf(format, v...)
}

func (t *Tunnel) logerrorf(format string, v ...interface{}) {
	t.logger.WithFields(logrus.Fields{
		"tunnel-id":   t.id,
		"tunnel-slug": t.slug,
		"remote-addr": t.remoteAddr,
	}).Errorf(format, v...)
}
