package socket

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/qorelanguage/netcore/pkg/events"
	"github.com/qorelanguage/netcore/pkg/qerrors"
)

// acquireOp takes the in-operation interlock for a blocking method,
// returning a qerrors.Error describing IN_OP / IN_OP_THREAD on failure.
func (s *Socket) acquireOp(op string) (func(), error) {
	switch s.op.tryAcquire() {
	case interlockReentrant:
		return nil, qerrors.New(qerrors.KindSocketInCallback, op, "", "reentrant call on the same goroutine (IN_OP)", nil)
	case interlockOtherThread:
		return nil, qerrors.New(qerrors.KindSocketInCallback, op, "", "concurrent call from another goroutine (IN_OP_THREAD)", nil)
	}
	return s.op.release, nil
}

func deadlineFor(timeoutMs int) time.Time {
	switch {
	case timeoutMs < 0:
		return time.Time{}
	case timeoutMs == 0:
		return time.Now()
	default:
		return time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}
}

// brecv is the unit of transport below HTTP. It returns bytes already
// buffered in readBuf first; otherwise it performs one read of up to
// DefaultBufSize, leaving any excess in readBuf. A nil slice with nil
// error means the remote end closed the connection (socket is now closed,
// buffer reset).
func (s *Socket) brecv(timeoutMs int) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, qerrors.New(qerrors.KindSocketNotOpen, "recv", "", "socket is not open", nil)
	}
	if s.readLen > s.readOff {
		chunk := make([]byte, s.readLen-s.readOff)
		copy(chunk, s.readBuf[s.readOff:s.readLen])
		s.readOff = s.readLen
		s.mu.Unlock()
		return chunk, nil
	}
	conn := s.conn
	tlsConn := s.tls
	s.mu.Unlock()

	reader := net.Conn(conn)
	if tlsConn != nil {
		reader = tlsConn
	}

	if err := reader.SetReadDeadline(deadlineFor(timeoutMs)); err != nil {
		return nil, qerrors.New(qerrors.KindSocketSelectError, "recv", "", "failed to arm read deadline", err)
	}
	defer reader.SetReadDeadline(time.Time{})

	buf := make([]byte, DefaultBufSize)
	n, err := reader.Read(buf)
	if n > 0 {
		s.mu.Lock()
		if s.throughput != nil {
			s.throughput.AddRecv(int64(n))
		}
		s.mu.Unlock()
		return buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	if errors.Is(err, io.EOF) {
		s.Close()
		return nil, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, qerrors.New(qerrors.KindSocketTimeout, "recv", "", "recv timed out", err)
	}
	if isConnReset(err) {
		s.Close()
		return nil, qerrors.New(qerrors.KindSocketClosed, "recv", "", "connection reset by peer", err)
	}
	return nil, qerrors.New(qerrors.KindSocketRecvError, "recv", "", "recv failed", err)
}

// isConnReset reports whether err is ECONNRESET or EPIPE, the two errno
// values spec §7 says promote a receive failure to "closed by remote".
func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

// Recv reads exactly byteLen bytes (looping, honouring timeoutMs as a
// per-chunk deadline) and returns them as a string holding the raw bytes.
// Encoding() is not applied: no transcoding takes place.
func (s *Socket) Recv(byteLen int, timeoutMs int) (string, error) {
	data, err := s.RecvBinary(byteLen, timeoutMs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RecvBinary is the raw-bytes counterpart of Recv.
func (s *Socket) RecvBinary(byteLen int, timeoutMs int) ([]byte, error) {
	release, err := s.acquireOp("recv")
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([]byte, 0, byteLen)
	for len(out) < byteLen {
		chunk, err := s.brecv(timeoutMs)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return nil, qerrors.New(qerrors.KindSocketClosed, "recv", "", "remote closed before byteLen satisfied", nil)
		}
		need := byteLen - len(out)
		if len(chunk) > need {
			out = append(out, chunk[:need]...)
			s.mu.Lock()
			extra := chunk[need:]
			newBuf := make([]byte, len(extra))
			copy(newBuf, extra)
			s.readBuf = newBuf
			s.readLen = len(newBuf)
			s.readOff = 0
			s.mu.Unlock()
		} else {
			out = append(out, chunk...)
		}
	}
	return out, nil
}

// RecvAny blocks up to timeoutMs for the first packet, then drains any
// immediately available further bytes with a 0ms timeout.
func (s *Socket) RecvAny(timeoutMs int) (string, error) {
	release, err := s.acquireOp("recv")
	if err != nil {
		return "", err
	}
	defer release()

	first, err := s.brecv(timeoutMs)
	if err != nil {
		return "", err
	}
	if first == nil {
		return "", nil
	}
	out := first
	for {
		more, err := s.brecv(0)
		if err != nil || more == nil {
			break
		}
		out = append(out, more...)
	}
	return string(out), nil
}

// RecvFixedIntegerBE reads exactly byteLen bytes (1, 2, 4, or 8) and
// decodes them as a big-endian unsigned integer.
func (s *Socket) RecvFixedIntegerBE(byteLen int, timeoutMs int) (uint64, error) {
	data, err := s.RecvBinary(byteLen, timeoutMs)
	if err != nil {
		return 0, err
	}
	return decodeFixedInt(data, binary.BigEndian)
}

// RecvFixedIntegerLE is the little-endian counterpart.
func (s *Socket) RecvFixedIntegerLE(byteLen int, timeoutMs int) (uint64, error) {
	data, err := s.RecvBinary(byteLen, timeoutMs)
	if err != nil {
		return 0, err
	}
	return decodeFixedInt(data, binary.LittleEndian)
}

func decodeFixedInt(data []byte, order binary.ByteOrder) (uint64, error) {
	switch len(data) {
	case 1:
		return uint64(data[0]), nil
	case 2:
		return uint64(order.Uint16(data)), nil
	case 4:
		return uint64(order.Uint32(data)), nil
	case 8:
		return order.Uint64(data), nil
	default:
		return 0, qerrors.New(qerrors.KindSocketRecvError, "recv-fixed-integer", "", "unsupported integer width", nil)
	}
}

// RecvToStream pumps up to byteLen bytes into w in buffer-sized chunks,
// emitting packet-read with read/total_read/total_to_read per chunk.
func (s *Socket) RecvToStream(ctx context.Context, w io.Writer, byteLen int, timeoutMs int) error {
	release, err := s.acquireOp("recv-to-stream")
	if err != nil {
		return err
	}
	defer release()

	var total int
	for total < byteLen {
		chunk, err := s.brecv(timeoutMs)
		if err != nil {
			return err
		}
		if chunk == nil {
			return qerrors.New(qerrors.KindSocketClosed, "recv-to-stream", "", "remote closed before byteLen satisfied", nil)
		}
		need := byteLen - total
		if len(chunk) > need {
			if extra := chunk[need:]; len(extra) > 0 {
				s.mu.Lock()
				buf := make([]byte, len(extra))
				copy(buf, extra)
				s.readBuf = buf
				s.readLen = len(buf)
				s.readOff = 0
				s.mu.Unlock()
			}
			chunk = chunk[:need]
		}
		n, werr := w.Write(chunk)
		total += n
		s.emit(events.PacketRead, map[string]any{"read": n, "total_read": total, "total_to_read": byteLen})
		if werr != nil {
			return qerrors.New(qerrors.KindSocketRecvError, "recv-to-stream", "", "sink write failed", werr)
		}
	}
	return nil
}
