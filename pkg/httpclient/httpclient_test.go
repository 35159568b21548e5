package httpclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
)

// fakeServer accepts one connection and hands it to handle for the test to
// drive directly; it mirrors how the teacher's own tests stand up a raw TCP
// fixture instead of a full net/http server, since HttpClient speaks HTTP/1.1
// framing directly over a Socket rather than through net/http.
func fakeServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

func TestSendGetSimpleResponse(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nhi"))
	})

	c := New()
	if err := c.SetURL("http://" + addr + "/"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}

	resp, err := c.Send(context.Background(), RequestOptions{Method: "GET"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != "hi" {
		t.Errorf("Body = %q, want hi", resp.Body)
	}
}

func TestSendPostBodyExactBytes(t *testing.T) {
	received := make(chan string, 1)
	addr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		var contentLength int
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
			var n int
			if _, serr := fmt.Sscanf(line, "Content-Length: %d\r\n", &n); serr == nil {
				contentLength = n
			}
		}
		body := make([]byte, contentLength)
		io.ReadFull(r, body)
		received <- string(body)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	})

	c := New()
	if err := c.SetURL("http://" + addr + "/submit"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}

	_, err := c.Send(context.Background(), RequestOptions{Method: "POST", Body: []byte("payload-bytes")})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := <-received; got != "payload-bytes" {
		t.Errorf("server received %q, want payload-bytes", got)
	}
}

func TestSendFollowsRedirect(t *testing.T) {
	var finalAddr string
	final := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		var path string
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
			if path == "" {
				fmt.Sscanf(line, "GET %s HTTP/1.1\r\n", &path)
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 4\r\nConnection: close\r\n\r\ndone"))
	})
	finalAddr = final

	start := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 302 Found\r\nLocation: http://" + finalAddr + "/final\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	})

	c := New()
	if err := c.SetURL("http://" + start + "/begin"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}

	resp, err := c.Send(context.Background(), RequestOptions{Method: "GET"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "done" {
		t.Errorf("got StatusCode=%d Body=%q, want the redirect target's response", resp.StatusCode, resp.Body)
	}
}

func TestSendExceedsMaxRedirects(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 302 Found\r\nLocation: /loop\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	})

	c := New()
	if err := c.SetOptions(map[string]any{"max_redirects": 0}); err != nil {
		t.Fatalf("SetOptions failed: %v", err)
	}
	if err := c.SetURL("http://" + addr + "/start"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}

	_, err := c.Send(context.Background(), RequestOptions{Method: "GET"})
	if err == nil {
		t.Fatal("expected max-redirects-exceeded error")
	}
}

func TestSetOptionsRejectsMalformedMaxRedirects(t *testing.T) {
	c := New()
	err := c.SetOptions(map[string]any{"max_redirects": "not-an-int"})
	if err == nil {
		t.Fatal("expected an error for a non-int max_redirects")
	}
}

func TestSetURLPreservesPathWhenRedirectOmitsOne(t *testing.T) {
	c := New()
	if err := c.SetURL("http://example.com/original/path"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}
	if err := c.SetURL("http://example.com"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}
	if got := c.GetURL(); got != "http://example.com:80/original/path" {
		t.Errorf("GetURL() = %q, want the previous path to be retained", got)
	}
}
