package socket

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/qorelanguage/netcore/pkg/events"
	"github.com/qorelanguage/netcore/pkg/qerrors"
)

// HeaderInfo is the parsed form of an HTTP/1.x header block, covering both
// the request and the response first-line shapes.
type HeaderInfo struct {
	// Response first line.
	StatusCode    int
	StatusMessage string

	// Request first line.
	Method string
	Path   string

	HTTPVersion string

	// Headers is keyed by header name (a Go map, so it has no order); a
	// repeated header name becomes a multi-element slice in arrival order
	// (header folding, spec §3/§9).
	Headers map[string][]string

	CloseAfterResponse bool
	Charset            string
	BodyContentType    string
	Multipart          bool
	AcceptEncoding     []string
	AcceptCharset      string

	Chunked       bool
	ContentLength int64
	HasContentLen bool
}

// HeaderValue returns the single joined value of a header, or "" if absent.
func (h *HeaderInfo) HeaderValue(name string) string {
	vals := h.Headers[textproto.CanonicalMIMEHeaderKey(name)]
	if len(vals) == 0 {
		return ""
	}
	return strings.Join(vals, ", ")
}

// socketReader adapts Socket.brecv to io.Reader so HTTP framing can use
// bufio/textproto the way the teacher's client layer does, while still
// respecting the single readBuffer invariant (brecv always drains it
// first).
type socketReader struct {
	s         *Socket
	timeoutMs int
}

func (r *socketReader) Read(p []byte) (int, error) {
	chunk, err := r.s.brecv(r.timeoutMs)
	if err != nil {
		return 0, err
	}
	if chunk == nil {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		leftover := chunk[n:]
		r.s.mu.Lock()
		buf := make([]byte, len(leftover))
		copy(buf, leftover)
		r.s.readBuf = buf
		r.s.readLen = len(buf)
		r.s.readOff = 0
		r.s.mu.Unlock()
	}
	return n, nil
}

// ReadHTTPHeaderString returns the raw header block up to the blank-line
// terminator (CRLF CRLF, LF LF, or mixed), capped at MaxHeaderSize.
func (s *Socket) ReadHTTPHeaderString(timeoutMs int) (string, error) {
	release, err := s.acquireOp("read-http-header")
	if err != nil {
		return "", err
	}
	defer release()

	var acc []byte
	sr := &socketReader{s: s, timeoutMs: timeoutMs}
	one := make([]byte, 1)
	for {
		n, rerr := sr.Read(one)
		if n == 0 && rerr == io.EOF {
			return string(acc), qerrors.New(qerrors.KindSocketHTTPError, "read-http-header", "", "connection closed while reading header", nil).WithPartial(string(acc))
		}
		if rerr != nil {
			return string(acc), rerr
		}
		acc = append(acc, one[0])
		if len(acc) > MaxHeaderSize {
			return string(acc), qerrors.New(qerrors.KindSocketHTTPError, "read-http-header", "", "header block exceeds maximum size", nil).WithPartial(string(acc))
		}
		if hasBlankLineTerminator(acc) {
			break
		}
	}
	return string(acc), nil
}

func hasBlankLineTerminator(acc []byte) bool {
	n := len(acc)
	if n >= 4 && acc[n-4] == '\r' && acc[n-3] == '\n' && acc[n-2] == '\r' && acc[n-1] == '\n' {
		return true
	}
	if n >= 2 && acc[n-2] == '\n' && acc[n-1] == '\n' {
		return true
	}
	return false
}

// ReadHTTPHeader reads and parses a full header block into a HeaderInfo,
// applying the content-type/transfer-encoding/connection special-casing
// described in spec §4.1.
func (s *Socket) ReadHTTPHeader(timeoutMs int) (*HeaderInfo, error) {
	raw, err := s.ReadHTTPHeaderString(timeoutMs)
	if err != nil {
		return nil, err
	}
	info, perr := parseHeaderBlock(raw)
	if perr != nil {
		return nil, perr
	}

	s.mu.Lock()
	s.pendingChunkedBody = info.Chunked
	s.closeAfterResponse = info.CloseAfterResponse
	if info.Charset != "" {
		s.encoding = info.Charset
	}
	s.mu.Unlock()

	s.emit(events.HTTPMessageReceived, map[string]any{"status_code": info.StatusCode})
	if info.HasContentLen {
		s.emit(events.HTTPContentLength, map[string]any{"content_length": info.ContentLength})
	}
	return info, nil
}

func parseHeaderBlock(raw string) (*HeaderInfo, error) {
	lines := splitHeaderLines(raw)
	if len(lines) == 0 {
		return nil, qerrors.New(qerrors.KindSocketHTTPError, "parse-header", "", "empty header block", nil)
	}

	info := &HeaderInfo{Headers: make(map[string][]string)}
	if err := parseFirstLine(lines[0], info); err != nil {
		return nil, err
	}

	var lastKey string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			// RFC 7230 §3.2.4 obsolete line folding.
			idx := len(info.Headers[lastKey]) - 1
			info.Headers[lastKey][idx] += " " + strings.TrimSpace(line)
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		info.Headers[key] = append(info.Headers[key], value)
		lastKey = key
	}

	if len(info.Headers["Content-Type"]) > 1 {
		return nil, qerrors.New(qerrors.KindHTTPHeaderError, "parse-header", "", "multiple Content-Type headers", nil)
	}

	applyHeaderSemantics(info)
	return info, nil
}

func splitHeaderLines(raw string) []string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.TrimRight(normalized, "\n")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}

func parseFirstLine(line string, info *HeaderInfo) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return qerrors.New(qerrors.KindSocketHTTPError, "parse-header", "", "malformed first line", nil)
	}
	if strings.HasPrefix(parts[0], "HTTP/") {
		info.HTTPVersion = strings.TrimPrefix(parts[0], "HTTP/")
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return qerrors.New(qerrors.KindSocketHTTPError, "parse-header", "", "invalid status code", err)
		}
		info.StatusCode = code
		if len(parts) == 3 {
			info.StatusMessage = parts[2]
		}
		return nil
	}
	// Request line: METHOD path HTTP/1.x
	info.Method = parts[0]
	if len(parts) >= 2 {
		info.Path = parts[1]
	}
	if len(parts) == 3 {
		info.HTTPVersion = strings.TrimPrefix(parts[2], "HTTP/")
	}
	return nil
}

func applyHeaderSemantics(info *HeaderInfo) {
	if conn := firstHeader(info.Headers, "Connection"); conn != "" {
		lower := strings.ToLower(conn)
		info.CloseAfterResponse = strings.Contains(lower, "close")
	} else if proxyConn := firstHeader(info.Headers, "Proxy-Connection"); proxyConn != "" {
		info.CloseAfterResponse = strings.Contains(strings.ToLower(proxyConn), "close")
	} else {
		info.CloseAfterResponse = info.HTTPVersion == "1.0"
	}

	if ct := firstHeader(info.Headers, "Content-Type"); ct != "" {
		info.BodyContentType = ct
		if idx := strings.Index(strings.ToLower(ct), "charset="); idx >= 0 {
			charset := ct[idx+len("charset="):]
			if semi := strings.IndexByte(charset, ';'); semi >= 0 {
				charset = charset[:semi]
			}
			info.Charset = strings.Trim(strings.TrimSpace(charset), `"`)
		}
		if strings.HasPrefix(strings.ToLower(ct), "multipart/") {
			info.Multipart = true
		}
	}

	if te := firstHeader(info.Headers, "Transfer-Encoding"); strings.Contains(strings.ToLower(te), "chunked") {
		info.Chunked = true
	}
	if cl := firstHeader(info.Headers, "Content-Length"); cl != "" && !info.Chunked {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			info.ContentLength = n
			info.HasContentLen = true
		}
	}

	if info.Method != "" {
		if ae := firstHeader(info.Headers, "Accept-Encoding"); ae != "" {
			for _, tok := range strings.Split(ae, ",") {
				info.AcceptEncoding = append(info.AcceptEncoding, strings.TrimSpace(tok))
			}
		}
		if ac := firstHeader(info.Headers, "Accept-Charset"); ac != "" {
			lower := strings.ToLower(ac)
			if strings.Contains(lower, "*") || strings.Contains(lower, "utf-8") {
				info.AcceptCharset = "utf8"
			} else if first := strings.TrimSpace(strings.Split(ac, ",")[0]); first != "" {
				info.AcceptCharset = first
			}
		}
	}
}

func firstHeader(h map[string][]string, name string) string {
	vals := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// OutgoingMessage is the set of parameters SendHttpMessage needs to build
// and transmit a request or response line + headers + body.
type OutgoingMessage struct {
	Method      string // empty for a response line
	Path        string
	Version     string // "1.0" or "1.1"
	StatusCode  int    // used when Method == ""
	StatusText  string
	Headers     map[string]string // insertion order not meaningful at this layer
	HeaderOrder []string
	Body        []byte
	SendCB      func() (any, error) // alternative to Body: chunked streaming source
}

// SendHttpMessage builds the request/response line, inserts/overrides
// Content-Length (when a body is present and no transfer-encoding is set)
// or Transfer-Encoding: chunked (when a SendCB is used and none set), then
// transmits headers followed by the body.
func (s *Socket) SendHttpMessage(msg OutgoingMessage, timeoutMs int) error {
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	order := append([]string(nil), msg.HeaderOrder...)

	_, hasTE := headerLookup(headers, "Transfer-Encoding")
	useChunked := msg.SendCB != nil && !hasTE
	if useChunked {
		order = setHeader(headers, order, "Transfer-Encoding", "chunked")
	} else if msg.Body != nil && !hasTE {
		order = setHeader(headers, order, "Content-Length", strconv.Itoa(len(msg.Body)))
	}

	var b strings.Builder
	if msg.Method != "" {
		b.WriteString(fmt.Sprintf("%s %s HTTP/%s\r\n", msg.Method, msg.Path, msg.Version))
	} else {
		b.WriteString(fmt.Sprintf("HTTP/%s %d %s\r\n", msg.Version, msg.StatusCode, msg.StatusText))
	}
	for _, k := range order {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	s.emit(events.HTTPSendMessage, map[string]any{"method": msg.Method, "path": msg.Path})

	if err := s.Send([]byte(b.String()), timeoutMs); err != nil {
		return err
	}

	if useChunked {
		return s.SendHttpChunkedWithCallback(msg.SendCB, timeoutMs, nil)
	}
	if msg.Body != nil {
		return s.Send(msg.Body, timeoutMs)
	}
	return nil
}

func headerLookup(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func setHeader(headers map[string]string, order []string, name, value string) []string {
	for _, k := range order {
		if strings.EqualFold(k, name) {
			headers[k] = value
			return order
		}
	}
	headers[name] = value
	return append(order, name)
}

// ReadHTTPChunkedBody reads chunk-size/data pairs until a zero-size chunk,
// then a trailer header block. If recvCB is non-nil, each chunk is handed
// to it; otherwise chunks accumulate and are returned as body. If sink is
// non-nil, chunks stream directly to it and no body is returned.
func (s *Socket) ReadHTTPChunkedBody(timeoutMs int, recvCB func([]byte) error, sink io.Writer) ([]byte, map[string][]string, error) {
	release, err := s.acquireOp("read-http-chunked-body")
	if err != nil {
		return nil, nil, err
	}
	defer release()

	s.emit(events.HTTPChunkedStart, nil)

	sr := &socketReader{s: s, timeoutMs: timeoutMs}
	br := bufio.NewReaderSize(sr, DefaultBufSize)
	tp := textproto.NewReader(br)

	var body []byte
	for {
		line, rerr := tp.ReadLine()
		if rerr != nil {
			return nil, nil, qerrors.New(qerrors.KindReadHTTPChunkError, "read-http-chunked-body", "", "reading chunk size line", rerr)
		}
		sizeField := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
		size, perr := strconv.ParseInt(sizeField, 16, 64)
		if perr != nil || size < 0 {
			return nil, nil, qerrors.New(qerrors.KindReadHTTPChunkError, "read-http-chunked-body", "", "invalid chunk size", perr)
		}
		s.emit(events.HTTPChunkSize, map[string]any{"size": size})
		if size == 0 {
			break
		}

		chunk := make([]byte, size)
		if _, rerr := io.ReadFull(br, chunk); rerr != nil {
			return nil, nil, qerrors.New(qerrors.KindReadHTTPChunkError, "read-http-chunked-body", "", "reading chunk payload", rerr)
		}
		crlf := make([]byte, 2)
		if _, rerr := io.ReadFull(br, crlf); rerr != nil {
			return nil, nil, qerrors.New(qerrors.KindReadHTTPChunkError, "read-http-chunked-body", "", "reading chunk terminator", rerr)
		}

		switch {
		case recvCB != nil:
			if cbErr := recvCB(chunk); cbErr != nil {
				return nil, nil, qerrors.New(qerrors.KindSocketCallbackError, "read-http-chunked-body", "", "recv callback failed", cbErr)
			}
		case sink != nil:
			if _, werr := sink.Write(chunk); werr != nil {
				return nil, nil, qerrors.New(qerrors.KindReadHTTPChunkError, "read-http-chunked-body", "", "writing to sink", werr)
			}
		default:
			body = append(body, chunk...)
		}
		s.emit(events.HTTPChunkedDataReceived, map[string]any{"read": len(chunk)})
	}

	trailers := make(map[string][]string)
	for {
		line, rerr := tp.ReadLine()
		if rerr != nil {
			return nil, nil, qerrors.New(qerrors.KindReadHTTPChunkError, "read-http-chunked-body", "", "reading trailer", rerr)
		}
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
			trailers[key] = append(trailers[key], strings.TrimSpace(parts[1]))
		}
	}
	s.emit(events.HTTPFootersReceived, map[string]any{"count": len(trailers)})
	s.emit(events.HTTPChunkedEnd, nil)

	s.mu.Lock()
	s.pendingChunkedBody = false
	s.mu.Unlock()

	if recvCB != nil || sink != nil {
		return nil, trailers, nil
	}
	return body, trailers, nil
}

// ChunkWriteResult is the tagged sum a SendHttpChunkedWithCallback source
// returns per iteration: a non-empty payload, an empty payload (stop),
// trailers (stop), or nothing at all (stop). Modelled as a concrete struct
// instead of runtime reflection over interface{}, per spec §9.
type ChunkWriteResult struct {
	Payload  []byte
	Trailers map[string]string
	Done     bool
}

// SendHttpChunkedWithCallback repeatedly invokes cb and writes its result
// to the wire as chunked framing. If aborted is non-nil, before each
// iteration it peeks the socket for unexpected early response data; if
// found, it sets *aborted and stops cleanly.
func (s *Socket) SendHttpChunkedWithCallback(cb func() (any, error), timeoutMs int, aborted *bool) error {
	for {
		if aborted != nil {
			if s.peekHasData() {
				*aborted = true
				return nil
			}
		}

		result, err := cb()
		if err != nil {
			return qerrors.New(qerrors.KindSocketCallbackError, "send-http-chunked", "", "send callback failed", err)
		}

		switch v := result.(type) {
		case ChunkWriteResult:
			if v.Trailers != nil {
				return s.writeChunkTrailers(v.Trailers, timeoutMs)
			}
			if len(v.Payload) == 0 || v.Done {
				return s.writeChunkTerminator(timeoutMs)
			}
			if err := s.writeChunk(v.Payload, timeoutMs); err != nil {
				return err
			}
		case nil:
			return s.writeChunkTerminator(timeoutMs)
		case []byte:
			if len(v) == 0 {
				return s.writeChunkTerminator(timeoutMs)
			}
			if err := s.writeChunk(v, timeoutMs); err != nil {
				return err
			}
		case string:
			if len(v) == 0 {
				return s.writeChunkTerminator(timeoutMs)
			}
			if err := s.writeChunk([]byte(v), timeoutMs); err != nil {
				return err
			}
		default:
			return qerrors.New(qerrors.KindSocketCallbackError, "send-http-chunked", "", "unsupported callback result type", nil)
		}
	}
}

func (s *Socket) writeChunk(payload []byte, timeoutMs int) error {
	frame := fmt.Sprintf("%x\r\n", len(payload))
	if err := s.Send([]byte(frame), timeoutMs); err != nil {
		return err
	}
	if err := s.Send(payload, timeoutMs); err != nil {
		return err
	}
	return s.Send([]byte("\r\n"), timeoutMs)
}

func (s *Socket) writeChunkTerminator(timeoutMs int) error {
	return s.Send([]byte("0\r\n\r\n"), timeoutMs)
}

func (s *Socket) writeChunkTrailers(trailers map[string]string, timeoutMs int) error {
	var b strings.Builder
	b.WriteString("0\r\n")
	for k, v := range trailers {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return s.Send([]byte(b.String()), timeoutMs)
}

// peekHasData reports whether there is unread data immediately available
// on the socket (a 0ms brecv), used to detect an early response while
// streaming a chunked request body.
func (s *Socket) peekHasData() bool {
	s.mu.Lock()
	buffered := s.readLen > s.readOff
	s.mu.Unlock()
	if buffered {
		return true
	}
	chunk, err := s.brecv(0)
	if err != nil || chunk == nil {
		return false
	}
	s.mu.Lock()
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.readBuf = buf
	s.readLen = len(buf)
	s.readOff = 0
	s.mu.Unlock()
	return true
}
