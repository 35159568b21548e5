package httpclient

import (
	"bufio"
	"context"
	"net"
	"testing"
)

func TestHeadSendsHeadRequest(t *testing.T) {
	var sawMethod string
	addr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		if len(line) >= 4 {
			sawMethod = line[:4]
		}
		for {
			l, err := r.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	})

	c := New()
	if err := c.SetURL("http://" + addr + "/"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}

	resp, err := c.Head(context.Background(), "/", nil, nil)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if sawMethod != "HEAD" {
		t.Errorf("server saw method %q, want HEAD", sawMethod)
	}
}

func TestPostReturnsDecodedBody(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			l, err := r.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nstore"))
	})

	c := New()
	if err := c.SetURL("http://" + addr + "/submit"); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}

	body, err := c.Post(context.Background(), "/submit", nil, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if string(body) != "store" {
		t.Errorf("Post body = %q, want store", body)
	}
}
