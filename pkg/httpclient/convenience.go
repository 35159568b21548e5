package httpclient

import (
	"context"
	"io"
)

// Get issues a GET and returns the decoded body only (nil on an empty body).
func (c *HttpClient) Get(ctx context.Context, path string, headers map[string]string, info map[string]any) ([]byte, error) {
	resp, err := c.Send(ctx, RequestOptions{Method: "GET", Path: path, Headers: headers, Info: info})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Head issues a HEAD, discarding any body (none is expected).
func (c *HttpClient) Head(ctx context.Context, path string, headers map[string]string, info map[string]any) (*Response, error) {
	return c.Send(ctx, RequestOptions{Method: "HEAD", Path: path, Headers: headers, Info: info})
}

// Post issues a POST with body and returns the decoded response body only.
func (c *HttpClient) Post(ctx context.Context, path string, headers map[string]string, body []byte, info map[string]any) ([]byte, error) {
	resp, err := c.Send(ctx, RequestOptions{Method: "POST", Path: path, Headers: headers, Body: body, Info: info})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// SendWithCallbacks plumbs a streaming send source and/or a streaming recv
// sink through the full request algorithm.
func (c *HttpClient) SendWithCallbacks(ctx context.Context, method, path string, headers map[string]string, sendCB func() (any, error), recvCB func([]byte) error, sink io.Writer, info map[string]any) (*Response, error) {
	return c.Send(ctx, RequestOptions{Method: method, Path: path, Headers: headers, SendCB: sendCB, RecvCB: recvCB, Sink: sink, Info: info})
}
