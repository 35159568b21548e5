package socket

import (
	"context"
	"net"
	"testing"

	"github.com/qorelanguage/netcore/pkg/qerrors"
)

func TestParseHeaderBlockResponseFirstLine(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/plain; charset=iso-8859-1\r\nContent-Length: 11\r\nConnection: keep-alive\r\n\r\n"
	info, err := parseHeaderBlock(raw)
	if err != nil {
		t.Fatalf("parseHeaderBlock failed: %v", err)
	}
	if info.StatusCode != 200 || info.StatusMessage != "OK" {
		t.Errorf("got StatusCode=%d StatusMessage=%q", info.StatusCode, info.StatusMessage)
	}
	if info.Charset != "iso-8859-1" {
		t.Errorf("Charset = %q, want iso-8859-1", info.Charset)
	}
	if !info.HasContentLen || info.ContentLength != 11 {
		t.Errorf("got HasContentLen=%v ContentLength=%d", info.HasContentLen, info.ContentLength)
	}
	if info.CloseAfterResponse {
		t.Error("keep-alive response must not set CloseAfterResponse")
	}
}

func TestParseHeaderBlockFoldedContinuationLine(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nX-Custom: first\r\n  second\r\n\r\n"
	info, err := parseHeaderBlock(raw)
	if err != nil {
		t.Fatalf("parseHeaderBlock failed: %v", err)
	}
	if got := info.HeaderValue("X-Custom"); got != "first second" {
		t.Errorf("HeaderValue(X-Custom) = %q, want %q", got, "first second")
	}
}

func TestParseHeaderBlockRejectsMultipleContentType(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Type: text/html\r\n\r\n"
	_, err := parseHeaderBlock(raw)
	if err == nil {
		t.Fatal("expected an error for duplicate Content-Type headers")
	}
	if !qerrors.Is(err, qerrors.KindHTTPHeaderError) {
		t.Errorf("expected HTTP-HEADER-ERROR, got %v", err)
	}
}

func TestParseHeaderBlockChunkedWinsOverContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Length: 999\r\n\r\n"
	info, err := parseHeaderBlock(raw)
	if err != nil {
		t.Fatalf("parseHeaderBlock failed: %v", err)
	}
	if !info.Chunked {
		t.Fatal("expected Chunked to be true")
	}
	if info.HasContentLen {
		t.Error("a chunked response must not also report HasContentLen")
	}
}

func TestParseHeaderBlockHTTP10DefaultsToClose(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\n\r\n"
	info, err := parseHeaderBlock(raw)
	if err != nil {
		t.Fatalf("parseHeaderBlock failed: %v", err)
	}
	if !info.CloseAfterResponse {
		t.Error("an HTTP/1.0 response with no Connection header should default to close")
	}
}

func TestParseFirstLineRequest(t *testing.T) {
	info := &HeaderInfo{}
	if err := parseFirstLine("GET /a/b HTTP/1.1", info); err != nil {
		t.Fatalf("parseFirstLine failed: %v", err)
	}
	if info.Method != "GET" || info.Path != "/a/b" || info.HTTPVersion != "1.1" {
		t.Errorf("got Method=%q Path=%q HTTPVersion=%q", info.Method, info.Path, info.HTTPVersion)
	}
}

// pipePair returns two connected in-memory Sockets over a loopback TCP pair,
// matching how ReadHTTPHeader/ReadHTTPChunkedBody are actually driven
// (brecv/Send over a real net.Conn), rather than poking internal buffers.
func pipePair(t *testing.T) (client, server *Socket) {
	t.Helper()
	ln := listenLocal(t)
	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	c := New()
	if err := c.ConnectInet(context.Background(), host, port, 2000, FamilyInet); err != nil {
		t.Fatalf("ConnectInet failed: %v", err)
	}
	serverConn := <-acceptedCh

	s := New()
	if err := s.AdoptConn(serverConn, FamilyInet); err != nil {
		t.Fatalf("AdoptConn failed: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, s
}

func TestReadHTTPHeaderOverRealSocket(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		server.Send([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"), 2000)
	}()

	info, err := client.ReadHTTPHeader(2000)
	if err != nil {
		t.Fatalf("ReadHTTPHeader failed: %v", err)
	}
	if info.StatusCode != 200 || info.ContentLength != 5 {
		t.Errorf("got StatusCode=%d ContentLength=%d", info.StatusCode, info.ContentLength)
	}
	body, err := client.RecvBinary(5, 2000)
	if err != nil {
		t.Fatalf("RecvBinary failed: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want hello", body)
	}
}

func TestChunkedBodyRoundTrip(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		chunks := [][]byte{[]byte("abc"), []byte("defgh"), {}}
		i := 0
		server.SendHttpChunkedWithCallback(func() (any, error) {
			c := chunks[i]
			i++
			if len(c) == 0 {
				return ChunkWriteResult{Done: true}, nil
			}
			return ChunkWriteResult{Payload: c}, nil
		}, 2000, nil)
	}()

	body, trailers, err := client.ReadHTTPChunkedBody(2000, nil, nil)
	if err != nil {
		t.Fatalf("ReadHTTPChunkedBody failed: %v", err)
	}
	if string(body) != "abcdefgh" {
		t.Errorf("body = %q, want abcdefgh", body)
	}
	if len(trailers) != 0 {
		t.Errorf("expected no trailers, got %+v", trailers)
	}
}

func TestChunkedBodyWithTrailers(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		server.SendHttpChunkedWithCallback(func() (any, error) {
			return ChunkWriteResult{Trailers: map[string]string{"X-Checksum": "abc123"}}, nil
		}, 2000, nil)
	}()

	body, trailers, err := client.ReadHTTPChunkedBody(2000, nil, nil)
	if err != nil {
		t.Fatalf("ReadHTTPChunkedBody failed: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body, got %q", body)
	}
	if got := trailers["X-Checksum"]; len(got) != 1 || got[0] != "abc123" {
		t.Errorf("trailers[X-Checksum] = %v, want [abc123]", got)
	}
}

func TestChunkedBodyWithRecvCallback(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		sent := false
		server.SendHttpChunkedWithCallback(func() (any, error) {
			if sent {
				return []byte(nil), nil
			}
			sent = true
			return []byte("payload"), nil
		}, 2000, nil)
	}()

	var got []byte
	body, _, err := client.ReadHTTPChunkedBody(2000, func(chunk []byte) error {
		got = append(got, chunk...)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("ReadHTTPChunkedBody failed: %v", err)
	}
	if body != nil {
		t.Errorf("body should be nil when a recvCB is supplied, got %q", body)
	}
	if string(got) != "payload" {
		t.Errorf("recvCB saw %q, want payload", got)
	}
}
