package httpclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/qorelanguage/netcore/pkg/buffer"
	"github.com/qorelanguage/netcore/pkg/qerrors"
	"github.com/qorelanguage/netcore/pkg/socket"
)

// Response is the decoded result of one HTTP exchange (after redirects).
type Response struct {
	StatusCode    int
	StatusMessage string
	HTTPVersion   string
	Headers       map[string][]string
	Body          []byte
	Chunked       bool
}

func (r *Response) HeaderValue(name string) string {
	vals := r.Headers[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return strings.Join(vals, ", ")
}

// RequestOptions carries the per-call overrides for Send.
type RequestOptions struct {
	Method      string
	Path        string
	Headers     map[string]string
	Body        []byte
	SendCB      func() (any, error)
	RecvCB      func([]byte) error
	Sink        io.Writer
	Info        map[string]any
	TimeoutMs   int
}

var ignoredIncomingHeaders = map[string]bool{
	"content-length": true,
}

// Send drives one request/response exchange, following redirects up to
// maxRedirects, per the algorithm in spec §4.2.
func (c *HttpClient) Send(ctx context.Context, opts RequestOptions) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	method := strings.ToUpper(opts.Method)
	hasBody, ok := builtinMethods[method]
	if !ok {
		hasBody, ok = c.additionalMethods[method]
		if !ok {
			return nil, qerrors.New(qerrors.KindHTTPClientMethodError, "send", "", fmt.Sprintf("unknown method %q", method), nil)
		}
	}

	timeoutMs := opts.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = c.defaultRequestTimeoutMs
	}

	redirectCount := 0
	path := opts.Path

	for {
		if c.connection == nil {
			return nil, qerrors.New(qerrors.KindHTTPClientURLError, "send", "", "no URL configured", nil)
		}

		reqPath := c.getMsgPath(path)
		headers, headerOrder := c.buildHeaders(opts.Headers, opts.Body != nil, opts.SendCB != nil, hasBody)

		needsTunnel := c.proxyConnection != nil && !c.proxyConnection.SSL && c.connection.SSL && !c.proxyTunnelEstablished
		if needsTunnel {
			if err := c.establishTunnel(ctx, timeoutMs); err != nil {
				return nil, err
			}
			delete(headers, "Proxy-Authorization")
			headerOrder = removeHeader(headerOrder, "Proxy-Authorization")
		} else if c.proxyConnection != nil && !c.proxyTunnelEstablished {
			if _, has := headerLookupI(headers, "Proxy-Authorization"); !has && c.proxyConnection.hasCredentials() {
				headers["Proxy-Authorization"] = basicAuth(c.proxyConnection.User, c.proxyConnection.Pass)
				headerOrder = append(headerOrder, "Proxy-Authorization")
			}
		}

		if _, has := headerLookupI(headers, "Host"); !has {
			headers["Host"] = formatHostHeader(c.connection.Host, c.connection.Port, c.connection.SSL)
			headerOrder = append(headerOrder, "Host")
		}

		if !c.connected {
			if c.persistent {
				return nil, qerrors.New(qerrors.KindPersistenceError, "send", "", "persistent client is disconnected", nil)
			}
			if err := c.connect(ctx, timeoutMs); err != nil {
				return nil, err
			}
		}

		version := "1.1"
		if !c.useHTTP11 {
			version = "1.0"
		}

		msg := socket.OutgoingMessage{
			Method:      method,
			Path:        reqPath,
			Version:     version,
			Headers:     headers,
			HeaderOrder: headerOrder,
			Body:        opts.Body,
			SendCB:      opts.SendCB,
		}
		if err := c.socket.SendHttpMessage(msg, timeoutMs); err != nil {
			return nil, err
		}

		info, err := c.socket.ReadHTTPHeader(timeoutMs)
		if err != nil {
			return nil, qerrors.New(qerrors.KindHTTPClientReceiveError, "send", "", "reading response header", err)
		}
		for info.StatusCode == 100 {
			info, err = c.socket.ReadHTTPHeader(timeoutMs)
			if err != nil {
				return nil, qerrors.New(qerrors.KindHTTPClientReceiveError, "send", "", "reading response header after 100-continue", err)
			}
		}

		if opts.Info != nil {
			opts.Info["status_code"] = info.StatusCode
			opts.Info["status_message"] = info.StatusMessage
		}

		if info.StatusCode >= 300 && info.StatusCode < 400 {
			c.socket.Close()
			c.connected = false
			c.proxyTunnelEstablished = false

			location := info.HeaderValue("Location")
			if location == "" {
				return nil, qerrors.New(qerrors.KindHTTPClientRedirectError, "send", "", "redirect with no Location header", nil)
			}
			redirectCount++
			if redirectCount > c.maxRedirects {
				return nil, qerrors.New(qerrors.KindHTTPClientMaxRedirectsExceeded, "send", "", "maximum redirects exceeded", nil)
			}
			if opts.Info != nil {
				opts.Info[fmt.Sprintf("redirect-%d", redirectCount)] = location
				opts.Info[fmt.Sprintf("redirect-message-%d", redirectCount)] = info.StatusMessage
			}
			if err := c.setURLLocked(location); err != nil {
				return nil, err
			}
			continue
		}

		charset := info.Charset
		if ce := info.HeaderValue("Content-Encoding"); ce != "" && (strings.HasPrefix(strings.ToLower(ce), "iso") || strings.HasPrefix(strings.ToLower(ce), "utf-")) {
			charset = ce
		}
		if charset != "" {
			c.socket.SetEncoding(charset)
		}

		if opts.RecvCB != nil {
			if err := opts.RecvCB(formatHeaderBlob(info)); err != nil {
				return nil, qerrors.New(qerrors.KindSocketCallbackError, "send", "", "recv callback rejected headers", err)
			}
		}

		expectBody := hasBody && info.StatusCode != 204 && !(info.StatusCode >= 100 && info.StatusCode < 200) &&
			(info.HasContentLen && info.ContentLength > 0 || !info.HasContentLen) && method != "HEAD"

		resp := &Response{
			StatusCode:    info.StatusCode,
			StatusMessage: info.StatusMessage,
			HTTPVersion:   info.HTTPVersion,
			Headers:       info.Headers,
			Chunked:       info.Chunked,
		}
		canonicalHeaders := make(map[string][]string, len(info.Headers))
		for k, v := range info.Headers {
			canonicalHeaders[strings.ToLower(k)] = v
		}
		resp.Headers = canonicalHeaders

		if expectBody {
			if err := c.readBody(info, opts, resp); err != nil {
				return nil, err
			}
		}

		closeAfter := info.CloseAfterResponse
		if closeAfter {
			c.socket.Close()
			c.connected = false
			c.proxyTunnelEstablished = false
		}

		if opts.RecvCB == nil && opts.Sink == nil && !(resp.StatusCode >= 100 && resp.StatusCode < 300) {
			return resp, qerrors.New(qerrors.KindHTTPClientReceiveError, "send", "", fmt.Sprintf("unexpected status %d %s", resp.StatusCode, resp.StatusMessage), nil)
		}
		return resp, nil
	}
}

func (c *HttpClient) readBody(info *socket.HeaderInfo, opts RequestOptions, resp *Response) error {
	timeoutMs := opts.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = c.defaultRequestTimeoutMs
	}

	if info.Chunked {
		body, trailers, err := c.socket.ReadHTTPChunkedBody(timeoutMs, opts.RecvCB, opts.Sink)
		if err != nil {
			return err
		}
		for k, v := range trailers {
			resp.Headers[strings.ToLower(k)] = v
		}
		if opts.RecvCB == nil && opts.Sink == nil {
			decoded, derr := maybeDecode(body, info)
			if derr != nil {
				return derr
			}
			resp.Body = decoded
		}
		return nil
	}

	if opts.Sink != nil {
		if info.HasContentLen {
			return c.socket.RecvToStream(context.Background(), opts.Sink, int(info.ContentLength), timeoutMs)
		}
		return readUntilCloseToSink(c.socket, opts.Sink, timeoutMs)
	}

	if opts.RecvCB != nil {
		if info.HasContentLen {
			data, err := c.socket.RecvBinary(int(info.ContentLength), timeoutMs)
			if err != nil {
				return err
			}
			return opts.RecvCB(data)
		}
		buf := buffer.New(0)
		defer buf.Close()
		if err := readUntilCloseToSink(c.socket, buf, timeoutMs); err != nil {
			return err
		}
		return opts.RecvCB(buf.Bytes())
	}

	var raw []byte
	var err error
	if info.HasContentLen {
		raw, err = c.socket.RecvBinary(int(info.ContentLength), timeoutMs)
	} else {
		buf := buffer.New(0)
		defer buf.Close()
		if werr := readUntilCloseToSink(c.socket, buf, timeoutMs); werr != nil {
			return werr
		}
		raw = buf.Bytes()
	}
	if err != nil {
		return err
	}
	decoded, derr := maybeDecode(raw, info)
	if derr != nil {
		return derr
	}
	resp.Body = decoded
	return nil
}

// formatHeaderBlob reconstructs a wire-shaped status-line-plus-headers
// block from a parsed HeaderInfo, for delivery through RecvCB per spec
// §4.2 step 11 ("deliver response headers through it") ahead of any body
// chunks the same callback receives.
func formatHeaderBlob(info *socket.HeaderInfo) []byte {
	names := make([]string, 0, len(info.Headers))
	for name := range info.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%s %d %s\r\n", info.HTTPVersion, info.StatusCode, info.StatusMessage)
	for _, name := range names {
		for _, v := range info.Headers[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func readUntilCloseToSink(s *socket.Socket, w io.Writer, timeoutMs int) error {
	for {
		chunk, err := s.RecvAny(timeoutMs)
		if err != nil {
			if qerrors.Is(err, qerrors.KindSocketClosed) {
				break
			}
			if qerrors.IsTimeout(err) {
				break
			}
			return err
		}
		if chunk == "" {
			break
		}
		if _, werr := w.Write([]byte(chunk)); werr != nil {
			return qerrors.New(qerrors.KindHTTPClientReceiveError, "read-until-close", "", "sink write failed", werr)
		}
		if !s.IsOpen() {
			break
		}
	}
	return nil
}

func (c *HttpClient) getMsgPath(override string) string {
	path := override
	if path == "" {
		path = c.connection.Path
	}
	if path == "" {
		path = c.defaultPath
	}
	if path == "" {
		path = "/"
	}
	if c.proxyConnection != nil && !c.proxyTunnelEstablished {
		scheme := "http"
		if c.connection.SSL {
			scheme = "https"
		}
		absolute := fmt.Sprintf("%s://%s", scheme, formatHostHeader(c.connection.Host, c.connection.Port, c.connection.SSL))
		if !strings.HasPrefix(path, "/") {
			absolute += "/"
		}
		path = absolute + path
	}
	return percentEncodeSpacesOnly(path)
}

func percentEncodeSpacesOnly(path string) string {
	if !strings.ContainsRune(path, ' ') {
		return path
	}
	return strings.ReplaceAll(path, " ", "%20")
}

func (c *HttpClient) buildHeaders(userHeaders map[string]string, hasBody, hasSendCB, methodHasBody bool) (map[string]string, []string) {
	headers := make(map[string]string)
	var order []string

	for k, v := range userHeaders {
		if ignoredIncomingHeaders[strings.ToLower(k)] {
			continue
		}
		headers[k] = v
		order = append(order, k)
	}

	_, hasTE := headerLookupI(headers, "Transfer-Encoding")

	addDefault := func(name, value string) {
		if _, has := headerLookupI(headers, name); !has {
			headers[name] = value
			order = append(order, name)
		}
	}

	addDefault("Accept", c.defaultHeaders["Accept"])
	if hasBody || hasSendCB {
		addDefault("Content-Type", c.defaultHeaders["Content-Type"])
	}
	addDefault("Connection", c.defaultHeaders["Connection"])
	addDefault("User-Agent", c.defaultHeaders["User-Agent"])
	addDefault("Accept-Encoding", "deflate,gzip,bzip2")

	if hasSendCB && !hasTE {
		headers["Transfer-Encoding"] = "chunked"
		order = append(order, "Transfer-Encoding")
	}

	if c.connection.hasCredentials() {
		if _, has := headerLookupI(headers, "Authorization"); !has {
			headers["Authorization"] = basicAuth(c.connection.User, c.connection.Pass)
			order = append(order, "Authorization")
		}
	}

	return headers, order
}

func headerLookupI(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func removeHeader(order []string, name string) []string {
	out := order[:0]
	for _, k := range order {
		if !strings.EqualFold(k, name) {
			out = append(out, k)
		}
	}
	return out
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func (c *HttpClient) establishTunnel(ctx context.Context, timeoutMs int) error {
	if !c.connected {
		if err := c.dialPlain(ctx, c.proxyConnection, timeoutMs); err != nil {
			return err
		}
		c.connected = true
	}

	target := formatHostHeader(c.connection.Host, c.connection.Port, c.connection.SSL)
	headers := map[string]string{"Host": target}
	order := []string{"Host"}
	if c.proxyConnection.hasCredentials() {
		headers["Proxy-Authorization"] = basicAuth(c.proxyConnection.User, c.proxyConnection.Pass)
		order = append(order, "Proxy-Authorization")
	}

	msg := socket.OutgoingMessage{Method: "CONNECT", Path: target, Version: "1.1", Headers: headers, HeaderOrder: order}
	if err := c.socket.SendHttpMessage(msg, timeoutMs); err != nil {
		return err
	}
	info, err := c.socket.ReadHTTPHeader(timeoutMs)
	if err != nil {
		return qerrors.New(qerrors.KindHTTPClientReceiveError, "connect-tunnel", "", "reading CONNECT response", err)
	}
	if info.StatusCode < 200 || info.StatusCode >= 300 {
		return qerrors.New(qerrors.KindHTTPClientReceiveError, "connect-tunnel", "", fmt.Sprintf("proxy refused CONNECT: %d %s", info.StatusCode, info.StatusMessage), nil)
	}

	if err := c.socket.UpgradeClientToTLS(ctx, socket.ClientTLSOptions{ServerName: c.connection.Host}, timeoutMs); err != nil {
		return err
	}
	c.proxyTunnelEstablished = true
	return nil
}

func (c *HttpClient) connect(ctx context.Context, timeoutMs int) error {
	target := c.connection
	if c.proxyConnection != nil && !c.proxyTunnelEstablished {
		target = c.proxyConnection
	}
	connectTimeout := c.connectTimeoutMs
	if connectTimeout == 0 {
		connectTimeout = timeoutMs
	}
	if err := c.dialPlain(ctx, target, connectTimeout); err != nil {
		return err
	}
	if c.connection.SSL && (c.proxyConnection == nil) {
		if err := c.socket.UpgradeClientToTLS(ctx, socket.ClientTLSOptions{ServerName: c.connection.Host}, timeoutMs); err != nil {
			return err
		}
	}
	c.connected = true
	return nil
}

func (c *HttpClient) dialPlain(ctx context.Context, target *ConnectionInfo, timeoutMs int) error {
	if target.IsUnix {
		return c.socket.ConnectUnix(ctx, target.Host, timeoutMs)
	}
	return c.socket.ConnectInet(ctx, target.Host, strconv.Itoa(target.Port), timeoutMs, socket.FamilyUnspec)
}
