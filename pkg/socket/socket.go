// Package socket implements the thread-safe, single-FD Socket abstraction
// that unifies TCP (IPv4/IPv6), UNIX-domain sockets, and optional TLS, plus
// the HTTP/1.1 framing primitives layered directly on top of it.
package socket

import (
	"crypto/tls"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qorelanguage/netcore/pkg/events"
	"github.com/qorelanguage/netcore/pkg/qerrors"
	"github.com/qorelanguage/netcore/pkg/timing"
)

// Family identifies the address family a Socket was opened with.
type Family int

const (
	FamilyUnspec Family = iota
	FamilyInet
	FamilyInet6
	FamilyUnix
)

// DefaultBufSize is the read-ahead buffer size used by brecv.
const DefaultBufSize = 4096

// MaxHeaderSize is the hard cap on an accepted HTTP header block
// (QORE_MAX_HEADER_SIZE in the source this core was distilled from).
const MaxHeaderSize = 16384

var nextObjectID int64

// TLSInfo describes a completed TLS handshake.
type TLSInfo struct {
	CipherSuite string
	Version     string
}

// Socket is the exclusive owner of one OS connection (TCP, UNIX, or TLS
// over either). The zero value is not usable; construct with New.
type Socket struct {
	mu sync.Mutex // guards the fields below, not the blocking I/O itself

	conn   net.Conn
	family Family

	localPort int

	tls     *tls.Conn
	tlsInfo *TLSInfo

	encoding string

	unixPath     string
	ownsUnixPath bool

	readBuf []byte
	readLen int
	readOff int

	pendingChunkedBody bool
	closeAfterResponse bool

	eventQueue   events.Sink
	warningQueue events.Sink

	throughput          *timing.Throughput
	warningThresholdUs  int64
	warningThresholdBps float64
	minEventUs          int64

	timer       *timing.Timer
	lastMetrics timing.Metrics

	op interlock

	closed   bool
	objectID int64
}

// New returns a closed Socket with default encoding "utf-8" and the
// standard 4096-byte read buffer.
func New() *Socket {
	return &Socket{
		encoding:           "utf-8",
		readBuf:            make([]byte, DefaultBufSize),
		closed:             true,
		warningThresholdUs: 0,
		objectID:           atomic.AddInt64(&nextObjectID, 1),
	}
}

// SetEventQueue installs (or clears, with nil) the event sink.
func (s *Socket) SetEventQueue(q events.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventQueue = q
}

// SetWarningQueue installs (or clears, with nil) the warning sink, along
// with the thresholds that decide when a warning fires.
func (s *Socket) SetWarningQueue(q events.Sink, warningThresholdUs int64, warningThresholdBps float64, minEventUs int64) error {
	if warningThresholdUs < 0 || minEventUs < 0 {
		return qerrors.New(qerrors.KindSocketSetWarningQueueErr, "set-warning-queue", "", "thresholds must be non-negative", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warningQueue = q
	s.warningThresholdUs = warningThresholdUs
	s.warningThresholdBps = warningThresholdBps
	s.minEventUs = minEventUs
	return nil
}

// SetEncoding sets the text encoding tag used when bytes are promoted to
// strings (e.g. on a Content-Type charset negotiation).
func (s *Socket) SetEncoding(enc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoding = enc
}

// Encoding returns the current text encoding tag.
func (s *Socket) Encoding() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoding
}

// IsOpen is a non-blocking state inspector; it does not take the
// in-operation interlock.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// GetPort returns the cached local port, or -1 if unknown/closed.
func (s *Socket) GetPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1
	}
	return s.localPort
}

// GetFamily returns the address family of the current connection.
func (s *Socket) GetFamily() Family {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.family
}

// TLSInfo returns the negotiated cipher/version after a successful TLS
// upgrade, or nil if the connection is not encrypted.
func (s *Socket) TLSInfo() *TLSInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlsInfo
}

// LastTiming returns the DNS/TCP/TLS phase breakdown of the most recent
// connect cycle. No first-read (TTFB) phase is recorded, so that field
// stays zero.
func (s *Socket) LastTiming() timing.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMetrics
}

func (s *Socket) emit(kind events.Kind, fields map[string]any) {
	s.mu.Lock()
	q := s.eventQueue
	oid := s.objectID
	s.mu.Unlock()
	if q == nil {
		return
	}
	q.Push(events.Event{Kind: kind, Source: 0, ID: int(oid), Fields: fields, When: time.Now()})
}

func (s *Socket) warnTimeout(op string, elapsed time.Duration, arg any) {
	s.mu.Lock()
	q := s.warningQueue
	threshold := s.warningThresholdUs
	minUs := s.minEventUs
	s.mu.Unlock()
	if q == nil || threshold <= 0 {
		return
	}
	us := elapsed.Microseconds()
	if us < minUs || us < threshold {
		return
	}
	q.Push(events.Warning{Kind: "timeout-warning", Arg: arg, Measure: float64(us), When: time.Now()})
}

func (s *Socket) warnThroughput(bytesMoved int64, elapsed time.Duration, arg any) {
	s.mu.Lock()
	q := s.warningQueue
	threshold := s.warningThresholdBps
	minUs := s.minEventUs
	s.mu.Unlock()
	if q == nil || threshold <= 0 || bytesMoved < 1024 {
		return
	}
	us := elapsed.Microseconds()
	if us < minUs {
		return
	}
	bps := float64(bytesMoved) / elapsed.Seconds()
	if bps >= threshold {
		return
	}
	q.Push(events.Warning{Kind: "throughput-warning", Arg: arg, Measure: bps, When: time.Now()})
}

// Close tears down TLS (if any), emits channel-closed, unlinks the UNIX
// path when owned, and resets buffering state. Safe to call more than
// once; the second call is a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	tlsConn := s.tls
	unixPath := s.unixPath
	ownsUnixPath := s.ownsUnixPath
	s.conn = nil
	s.tls = nil
	s.tlsInfo = nil
	s.readLen = 0
	s.readOff = 0
	s.localPort = -1
	s.pendingChunkedBody = false
	s.mu.Unlock()

	var err error
	if tlsConn != nil {
		err = tlsConn.Close()
	} else if conn != nil {
		err = conn.Close()
	}
	if ownsUnixPath && unixPath != "" {
		os.Remove(unixPath)
	}
	s.emit(events.ChannelClosed, nil)
	return err
}
