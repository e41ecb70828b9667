package tunmux

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// collectEvents returns a callback that forwards every egress event to
// a channel.
func collectEvents(size int) (egressCallback, chan egressEvent) {
	events := make(chan egressEvent, size)
	return func(ev egressEvent) {
		events <- ev
	}, events
}

func waitEvent(t *testing.T, events chan egressEvent) egressEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for egress event")
		return egressEvent{}
	}
}

func TestEgressConnectAndWrite(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = listener.Close()
	}()

	received := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		buf, _ := io.ReadAll(conn)
		received <- buf
		_ = conn.Close()
	}()

	cb, events := collectEvents(16)
	e := newEgress(listener.Addr().String(), &net.Dialer{}, cb)

	// writes queued while connecting must flush in order once the dial
	// completes
	e.Write([]byte("hello "))
	e.Write([]byte("world"))

	ev := waitEvent(t, events)
	if ev.kind != evConnected {
		t.Fatalf("expected connected event, got %v", ev.kind)
	}

	e.ShutdownWrite()
	buf := <-received
	if !bytes.Equal(buf, []byte("hello world")) {
		t.Fatalf("bad data at destination: %q", buf)
	}
	e.Close()
}

func TestEgressData(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = listener.Close()
	}()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("response bytes"))
		_ = conn.(*net.TCPConn).CloseWrite()
	}()

	cb, events := collectEvents(16)
	e := newEgress(listener.Addr().String(), &net.Dialer{}, cb)

	if ev := waitEvent(t, events); ev.kind != evConnected {
		t.Fatalf("expected connected, got %v", ev.kind)
	}

	var data []byte
	for {
		ev := waitEvent(t, events)
		if ev.kind == evData {
			data = append(data, ev.data...)
			continue
		}
		// remote half-close surfaces as finish, not closed
		if ev.kind != evFinish {
			t.Fatalf("expected finish, got %v", ev.kind)
		}
		break
	}
	if !bytes.Equal(data, []byte("response bytes")) {
		t.Fatalf("bad data from egress: %q", data)
	}
	e.Close()
}

func TestEgressDialError(t *testing.T) {
	// grab a port and close it so the dial is refused
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	cb, events := collectEvents(16)
	_ = newEgress(addr, &net.Dialer{}, cb)

	ev := waitEvent(t, events)
	if ev.kind != evError {
		t.Fatalf("expected error event, got %v", ev.kind)
	}
	if ev.err == nil {
		t.Fatal("error event must carry the dial error")
	}
	// no separate closed event follows
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after error: %v", ev.kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEgressCloseIdempotent(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = listener.Close()
	}()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}()

	cb, events := collectEvents(16)
	e := newEgress(listener.Addr().String(), &net.Dialer{}, cb)

	if ev := waitEvent(t, events); ev.kind != evConnected {
		t.Fatalf("expected connected, got %v", ev.kind)
	}

	e.Close()
	e.Close()
	e.Write([]byte("discarded"))

	closed := 0
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if ev.kind == evClosed {
				closed++
			}
		case <-deadline:
			if closed != 1 {
				t.Fatalf("expected exactly one closed event, got %d", closed)
			}
			return
		}
	}
}

func TestEgressDetach(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = listener.Close()
	}()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		// hold the connection open until the egress side closes it, so
		// no finish event can fire before detach
		_, _ = io.Copy(io.Discard, conn)
		_ = conn.Close()
	}()

	cb, events := collectEvents(16)
	e := newEgress(listener.Addr().String(), &net.Dialer{}, cb)

	if ev := waitEvent(t, events); ev.kind != evConnected {
		t.Fatalf("expected connected, got %v", ev.kind)
	}

	e.detach()
	e.Close()

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after detach: %v", ev.kind)
	case <-time.After(200 * time.Millisecond):
	}
}
