package socket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/qorelanguage/netcore/pkg/events"
	"github.com/qorelanguage/netcore/pkg/qerrors"
)

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestConnectInetSendRecvRoundTrip(t *testing.T) {
	ln := listenLocal(t)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte("world"))
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())

	s := New()
	defer s.Close()

	if err := s.ConnectInet(context.Background(), host, port, 2000, FamilyInet); err != nil {
		t.Fatalf("ConnectInet failed: %v", err)
	}
	if !s.IsOpen() {
		t.Fatal("socket should be open after connect")
	}

	if err := s.Send([]byte("hello"), 2000); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := s.Recv(5, 2000)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got != "world" {
		t.Errorf("Recv = %q, want %q", got, "world")
	}

	<-serverDone

	m := s.LastTiming()
	if m.TCPConnect <= 0 {
		t.Error("LastTiming().TCPConnect should be populated after a successful connect")
	}
}

func TestRecvBinaryErrorsOnEarlyClose(t *testing.T) {
	ln := listenLocal(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("ab"))
		conn.Close()
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s := New()
	defer s.Close()
	if err := s.ConnectInet(context.Background(), host, port, 2000, FamilyInet); err != nil {
		t.Fatalf("ConnectInet failed: %v", err)
	}

	_, err := s.RecvBinary(10, 2000)
	if err == nil {
		t.Fatal("expected an error when the remote closes before byteLen is satisfied")
	}
	if !qerrors.Is(err, qerrors.KindSocketClosed) {
		t.Errorf("expected SOCKET-CLOSED, got %v", err)
	}
}

func TestRecvTimesOutWithoutClosingBuffer(t *testing.T) {
	ln := listenLocal(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s := New()
	defer s.Close()
	if err := s.ConnectInet(context.Background(), host, port, 2000, FamilyInet); err != nil {
		t.Fatalf("ConnectInet failed: %v", err)
	}
	conn := <-accepted
	defer conn.Close()

	_, err := s.Recv(5, 50)
	if !qerrors.Is(err, qerrors.KindSocketTimeout) {
		t.Fatalf("expected SOCKET-TIMEOUT, got %v", err)
	}
	if !s.IsOpen() {
		t.Error("a timed-out recv must not close the socket (spec §7)")
	}
}

func TestInterlockRejectsConcurrentCallFromAnotherGoroutine(t *testing.T) {
	ln := listenLocal(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(200 * time.Millisecond)
		conn.Write([]byte("late"))
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s := New()
	defer s.Close()
	if err := s.ConnectInet(context.Background(), host, port, 2000, FamilyInet); err != nil {
		t.Fatalf("ConnectInet failed: %v", err)
	}

	release, err := s.acquireOp("recv")
	if err != nil {
		t.Fatalf("acquireOp failed: %v", err)
	}
	defer release()

	errCh := make(chan error, 1)
	go func() {
		_, rerr := s.Recv(4, 2000)
		errCh <- rerr
	}()
	err = <-errCh
	if !qerrors.Is(err, qerrors.KindSocketInCallback) {
		t.Errorf("expected SOCKET-IN-CALLBACK for a concurrent recv, got %v", err)
	}
}

func TestWarningQueueFiresThroughputWarning(t *testing.T) {
	ln := listenLocal(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s := New()
	defer s.Close()
	if err := s.ConnectInet(context.Background(), host, port, 2000, FamilyInet); err != nil {
		t.Fatalf("ConnectInet failed: %v", err)
	}

	rec := events.NewRecorder()
	// A huge threshold guarantees any measured throughput counts as "slow".
	if err := s.SetWarningQueue(rec, 0, 1e18, 0); err != nil {
		t.Fatalf("SetWarningQueue failed: %v", err)
	}

	payload := make([]byte, 2048)
	if err := s.Send(payload, 2000); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var saw events.Warning
	found := false
	for _, v := range rec.Values() {
		if w, ok := v.(events.Warning); ok && w.Kind == "throughput-warning" {
			saw = w
			found = true
		}
	}
	if !found {
		t.Fatal("expected a throughput-warning to be pushed")
	}
	if saw.Measure <= 0 {
		t.Errorf("Measure = %v, want a positive bytes-per-second figure", saw.Measure)
	}
}

func TestEventQueueReceivesConnectSequence(t *testing.T) {
	ln := listenLocal(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	rec := events.NewRecorder()
	s := New()
	defer s.Close()
	s.SetEventQueue(rec)

	if err := s.ConnectInet(context.Background(), host, port, 2000, FamilyInet); err != nil {
		t.Fatalf("ConnectInet failed: %v", err)
	}

	var sawConnecting, sawConnected bool
	for _, v := range rec.Values() {
		ev, ok := v.(events.Event)
		if !ok {
			continue
		}
		switch ev.Kind {
		case events.Connecting:
			sawConnecting = true
		case events.Connected:
			sawConnected = true
		}
	}
	if !sawConnecting || !sawConnected {
		t.Errorf("expected both connecting and connected events, got %+v", rec.Values())
	}
}
