package socket

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/qorelanguage/netcore/pkg/events"
	"github.com/qorelanguage/netcore/pkg/qerrors"
)

func (s *Socket) writer() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, qerrors.New(qerrors.KindSocketNotOpen, "send", "", "socket is not open", nil)
	}
	if s.tls != nil {
		return s.tls, nil
	}
	return s.conn, nil
}

// Send writes data in a loop, accounting for partial writes, emitting
// packet-sent with running totals per chunk.
func (s *Socket) Send(data []byte, timeoutMs int) error {
	release, err := s.acquireOp("send")
	if err != nil {
		return err
	}
	defer release()

	w, err := s.writer()
	if err != nil {
		return err
	}
	if err := w.SetWriteDeadline(deadlineFor(timeoutMs)); err != nil {
		return qerrors.New(qerrors.KindSocketSelectError, "send", "", "failed to arm write deadline", err)
	}
	defer w.SetWriteDeadline(time.Time{})

	start := time.Now()
	var total int
	for total < len(data) {
		n, werr := w.Write(data[total:])
		total += n
		s.mu.Lock()
		if s.throughput != nil {
			s.throughput.AddSent(int64(n))
		}
		s.mu.Unlock()
		s.emit(events.PacketSent, map[string]any{"sent": n, "total_sent": total, "total_to_send": len(data)})
		if werr != nil {
			var netErr net.Error
			if errors.As(werr, &netErr) && netErr.Timeout() {
				return qerrors.New(qerrors.KindSocketTimeout, "send", "", "send timed out", werr)
			}
			if isConnReset(werr) {
				// Do not close the socket yet: an early HTTP error
				// response may still be readable (spec §7).
				return qerrors.New(qerrors.KindSocketSendError, "send", "", "connection reset by peer", werr)
			}
			return qerrors.New(qerrors.KindSocketSendError, "send", "", "send failed", werr)
		}
	}
	s.warnThroughput(int64(total), time.Since(start), data)
	return nil
}

// SendFixedIntegerBE writes value as a big-endian integer of byteLen bytes.
func (s *Socket) SendFixedIntegerBE(value uint64, byteLen int, timeoutMs int) error {
	data, err := encodeFixedInt(value, byteLen, binary.BigEndian)
	if err != nil {
		return err
	}
	return s.Send(data, timeoutMs)
}

// SendFixedIntegerLE is the little-endian counterpart.
func (s *Socket) SendFixedIntegerLE(value uint64, byteLen int, timeoutMs int) error {
	data, err := encodeFixedInt(value, byteLen, binary.LittleEndian)
	if err != nil {
		return err
	}
	return s.Send(data, timeoutMs)
}

func encodeFixedInt(value uint64, byteLen int, order binary.ByteOrder) ([]byte, error) {
	buf := make([]byte, byteLen)
	switch byteLen {
	case 1:
		buf[0] = byte(value)
	case 2:
		order.PutUint16(buf, uint16(value))
	case 4:
		order.PutUint32(buf, uint32(value))
	case 8:
		order.PutUint64(buf, value)
	default:
		return nil, qerrors.New(qerrors.KindSocketSendError, "send-fixed-integer", "", "unsupported integer width", nil)
	}
	return buf, nil
}

// SendFromStream pulls from r until EOF or byteLen bytes and writes each
// chunk to the socket.
func (s *Socket) SendFromStream(r io.Reader, byteLen int, timeoutMs int) error {
	release, err := s.acquireOp("send-from-stream")
	if err != nil {
		return err
	}
	defer release()

	buf := make([]byte, DefaultBufSize)
	remaining := byteLen
	for remaining > 0 {
		want := len(buf)
		if remaining < want {
			want = remaining
		}
		n, rerr := r.Read(buf[:want])
		if n > 0 {
			if werr := s.sendLocked(buf[:n], timeoutMs); werr != nil {
				return werr
			}
			remaining -= n
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return qerrors.New(qerrors.KindSocketSendError, "send-from-stream", "", "source read failed", rerr)
		}
	}
	return nil
}

// sendLocked writes data without re-acquiring the in-operation interlock,
// for use by callers (like SendFromStream) that already hold it.
func (s *Socket) sendLocked(data []byte, timeoutMs int) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	if err := w.SetWriteDeadline(deadlineFor(timeoutMs)); err != nil {
		return qerrors.New(qerrors.KindSocketSelectError, "send", "", "failed to arm write deadline", err)
	}
	defer w.SetWriteDeadline(time.Time{})

	var total int
	for total < len(data) {
		n, werr := w.Write(data[total:])
		total += n
		s.mu.Lock()
		if s.throughput != nil {
			s.throughput.AddSent(int64(n))
		}
		s.mu.Unlock()
		if werr != nil {
			var netErr net.Error
			if errors.As(werr, &netErr) && netErr.Timeout() {
				return qerrors.New(qerrors.KindSocketTimeout, "send", "", "send timed out", werr)
			}
			return qerrors.New(qerrors.KindSocketSendError, "send", "", "send failed", werr)
		}
	}
	return nil
}
