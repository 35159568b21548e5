package socket

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/qorelanguage/netcore/pkg/events"
	"github.com/qorelanguage/netcore/pkg/qerrors"
	"github.com/qorelanguage/netcore/pkg/timing"
)

// timeoutToContext converts the spec's timeoutMs contract (negative =
// forever, 0 = poll, positive = deadline) into a context and a cleanup
// func. The returned context has no deadline when timeoutMs < 0.
func timeoutToContext(parent context.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	if timeoutMs < 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, time.Duration(timeoutMs)*time.Millisecond)
}

// ConnectInet resolves host via the standard resolver, emits one
// hostname-lookup event before resolution and one hostname-resolved event
// per returned address, then iterates addresses trying to connect. If an
// already-open socket is held it is implicitly closed first.
func (s *Socket) ConnectInet(ctx context.Context, host, service string, timeoutMs int, family Family) error {
	s.Close()

	timer := timing.NewTimer()
	s.mu.Lock()
	s.timer = timer
	s.mu.Unlock()

	s.emit(events.HostnameLookup, map[string]any{"host": host})

	timer.StartDNS()
	resolveCtx, cancel := timeoutToContext(ctx, timeoutMs)
	defer cancel()

	network := "tcp"
	switch family {
	case FamilyInet:
		network = "tcp4"
	case FamilyInet6:
		network = "tcp6"
	}

	resolver := &net.Resolver{}
	ips, err := resolver.LookupIPAddr(resolveCtx, host)
	timer.EndDNS()
	if err != nil {
		return qerrors.New(qerrors.KindSocketConnectError, "connect", net.JoinHostPort(host, service), "DNS lookup failed", err)
	}
	if len(ips) == 0 {
		return qerrors.New(qerrors.KindSocketConnectError, "connect", host, "no addresses found", nil)
	}
	for _, ip := range ips {
		s.emit(events.HostnameResolved, map[string]any{"host": host, "address": ip.String()})
	}

	s.emit(events.Connecting, map[string]any{"host": host})

	dialer := &net.Dialer{}
	var lastErr error
	timer.StartTCP()
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), service)
		connectCtx, cancelConnect := timeoutToContext(ctx, timeoutMs)
		conn, dialErr := dialer.DialContext(connectCtx, network, addr)
		cancelConnect()
		if dialErr == nil {
			timer.EndTCP()
			return s.adopt(conn, family)
		}
		if errors.Is(dialErr, context.DeadlineExceeded) {
			timer.EndTCP()
			return qerrors.New(qerrors.KindSocketConnectError, "connect", addr, "connect timed out", dialErr)
		}
		lastErr = dialErr
		// EINTR-equivalent and EINPROGRESS/EWOULDBLOCK cases are handled
		// transparently by net.Dialer; any other error moves to the next
		// address, mirroring the source's getaddrinfo iteration.
	}
	timer.EndTCP()
	return qerrors.New(qerrors.KindSocketConnectError, "connect", net.JoinHostPort(host, service), "all addresses failed", lastErr)
}

// ConnectUnix connects to a UNIX-domain socket at path.
func (s *Socket) ConnectUnix(ctx context.Context, path string, timeoutMs int) error {
	s.Close()

	s.emit(events.Connecting, map[string]any{"path": path})

	connectCtx, cancel := timeoutToContext(ctx, timeoutMs)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(connectCtx, "unix", path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return qerrors.New(qerrors.KindSocketConnectError, "connect", path, "connect timed out", err)
		}
		return qerrors.New(qerrors.KindSocketConnectError, "connect", path, "unix connect failed", err)
	}

	if err := s.adopt(conn, FamilyUnix); err != nil {
		return err
	}
	s.mu.Lock()
	s.unixPath = path
	s.mu.Unlock()
	return nil
}

// AdoptConn installs an already-established net.Conn (e.g. one accepted
// from a PORT-mode listener) as this Socket's connection.
func (s *Socket) AdoptConn(conn net.Conn, family Family) error {
	return s.adopt(conn, family)
}

func (s *Socket) adopt(conn net.Conn, family Family) error {
	s.mu.Lock()
	s.conn = conn
	s.family = family
	s.closed = false
	s.readLen = 0
	s.readOff = 0
	s.pendingChunkedBody = false
	s.throughput = timing.NewThroughput()
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		s.localPort = tcpAddr.Port
	} else if host, port, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
		if p, convErr := strconv.Atoi(port); convErr == nil {
			s.localPort = p
		}
		_ = host
	}
	if s.timer != nil {
		s.lastMetrics = s.timer.Metrics()
	}
	s.mu.Unlock()

	s.emit(events.Connected, nil)
	return nil
}
