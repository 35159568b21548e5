// Package httpclient implements the L1 HTTP/1.1 client: one Socket, URL and
// proxy configuration, header defaults, redirect policy, and the protocol
// registry that maps a URL scheme to a default port and TLS requirement.
package httpclient

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/qorelanguage/netcore/pkg/constants"
	"github.com/qorelanguage/netcore/pkg/events"
	"github.com/qorelanguage/netcore/pkg/qerrors"
	"github.com/qorelanguage/netcore/pkg/socket"
	"github.com/qorelanguage/netcore/pkg/urlutil"
)

// ConnectionInfo is either host/port (IP or name, numeric port) or, when
// IsUnix is set, a filesystem path held in Host.
type ConnectionInfo struct {
	Host   string
	Port   int
	Path   string
	User   string
	Pass   string
	SSL    bool
	IsUnix bool
}

func (c *ConnectionInfo) hasCredentials() bool {
	return c != nil && c.User != ""
}

// ProtocolEntry describes one entry of the scheme -> (port, ssl) registry.
type ProtocolEntry struct {
	Port int
	SSL  bool
}

var builtinMethods = map[string]bool{
	"OPTIONS": false,
	"GET":     false,
	"HEAD":    false,
	"POST":    true,
	"PUT":     true,
	"DELETE":  false,
	"TRACE":   false,
	"CONNECT": false,
}

// HttpClient drives one request/response exchange at a time over a single
// underlying Socket.
type HttpClient struct {
	mu sync.Mutex

	socket *socket.Socket

	useHTTP11 bool

	connection      *ConnectionInfo
	proxyConnection *ConnectionInfo

	protocolMap map[string]ProtocolEntry

	defaultHeaders     map[string]string
	defaultHeaderOrder []string

	additionalMethods map[string]bool

	defaultPath             string
	maxRedirects            int
	defaultRequestTimeoutMs int
	connectTimeoutMs        int

	connected              bool
	proxyTunnelEstablished bool
	persistent             bool
	noDelay                bool
}

// New returns an HttpClient with the http/https protocol map seeded and
// HTTP/1.1 as the default wire version.
func New() *HttpClient {
	return &HttpClient{
		socket:    socket.New(),
		useHTTP11: true,
		protocolMap: map[string]ProtocolEntry{
			"http":  {Port: 80, SSL: false},
			"https": {Port: 443, SSL: true},
		},
		defaultHeaders: map[string]string{
			"Accept":       "text/html",
			"User-Agent":   "netcore-http-client/1.0",
			"Connection":   "Keep-Alive",
			"Content-Type": "text/html",
		},
		defaultHeaderOrder:      []string{"Accept", "User-Agent", "Connection", "Content-Type"},
		additionalMethods:       map[string]bool{},
		defaultPath:             "/",
		maxRedirects:            constants.DefaultMaxRedirects,
		defaultRequestTimeoutMs: int(constants.DefaultReadTimeout.Milliseconds()),
		connectTimeoutMs:        int(constants.DefaultConnTimeout.Milliseconds()),
	}
}

// Socket exposes the underlying L0 Socket, e.g. to attach an event queue.
func (c *HttpClient) Socket() *socket.Socket { return c.socket }

// SetOptions applies the closed option set from spec §4.2. Unknown keys are
// ignored; malformed values for a known key fail with HTTP-CLIENT-OPTION-ERROR.
func (c *HttpClient) SetOptions(opts map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := opts["protocols"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "protocols must be a map", nil)
		}
		for scheme, entry := range m {
			switch e := entry.(type) {
			case int:
				c.protocolMap[strings.ToLower(scheme)] = ProtocolEntry{Port: e, SSL: false}
			case map[string]any:
				pe := ProtocolEntry{}
				if p, ok := e["port"].(int); ok {
					pe.Port = p
				}
				if s, ok := e["ssl"].(bool); ok {
					pe.SSL = s
				}
				c.protocolMap[strings.ToLower(scheme)] = pe
			default:
				return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "invalid protocols entry", nil)
			}
		}
	}
	if v, ok := opts["max_redirects"]; ok {
		n, ok := v.(int)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "max_redirects must be an int", nil)
		}
		c.maxRedirects = n
	}
	if v, ok := opts["default_port"]; ok {
		n, ok := v.(int)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "default_port must be an int", nil)
		}
		if c.connection == nil {
			c.connection = &ConnectionInfo{}
		}
		c.connection.Port = n
	}
	if v, ok := opts["proxy"]; ok {
		s, ok := v.(string)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "proxy must be a string", nil)
		}
		parsed, err := urlutil.Parse(s, []string{"http", "https"}, 80, qerrors.KindHTTPClientProxyProtocolError)
		if err != nil {
			return err
		}
		c.proxyConnection = connectionInfoFromParsed(parsed, c.protocolMap)
	}
	if v, ok := opts["url"]; ok {
		s, ok := v.(string)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "url must be a string", nil)
		}
		if err := c.setURLLocked(s); err != nil {
			return err
		}
	}
	if v, ok := opts["default_path"]; ok {
		s, ok := v.(string)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "default_path must be a string", nil)
		}
		c.defaultPath = s
	}
	if v, ok := opts["timeout"]; ok {
		n, ok := v.(int)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "timeout must be milliseconds (int)", nil)
		}
		c.defaultRequestTimeoutMs = n
	}
	if v, ok := opts["http_version"]; ok {
		s, ok := v.(string)
		if !ok {
			return qerrors.New(qerrors.KindHTTPVersionError, "set-options", "", "http_version must be a string", nil)
		}
		switch s {
		case "1.0":
			c.useHTTP11 = false
		case "1.1":
			c.useHTTP11 = true
		default:
			return qerrors.New(qerrors.KindHTTPVersionError, "set-options", "", fmt.Sprintf("unsupported http_version %q", s), nil)
		}
	}
	if v, ok := opts["event_queue"]; ok {
		q, ok := v.(events.Sink)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "event_queue must implement events.Sink", nil)
		}
		c.socket.SetEventQueue(q)
	}
	if v, ok := opts["connect_timeout"]; ok {
		n, ok := v.(int)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "connect_timeout must be an int", nil)
		}
		c.connectTimeoutMs = n
	}
	if v, ok := opts["additional_methods"]; ok {
		m, ok := v.(map[string]bool)
		if !ok {
			return qerrors.New(qerrors.KindHTTPClientOptionError, "set-options", "", "additional_methods must be map[string]bool", nil)
		}
		for k, hasBody := range m {
			c.additionalMethods[strings.ToUpper(k)] = hasBody
		}
	}
	return nil
}

// SetURL parses url and installs it as the active connection target. Per
// spec §9, a previously parsed path is not cleared when the new URL lacks
// one; this mirrors the original client's reuse semantics and is
// intentional, not a bug.
func (c *HttpClient) SetURL(rawurl string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setURLLocked(rawurl)
}

func (c *HttpClient) setURLLocked(rawurl string) error {
	schemes := make([]string, 0, len(c.protocolMap))
	for scheme := range c.protocolMap {
		schemes = append(schemes, scheme)
	}
	parsed, err := urlutil.Parse(rawurl, schemes, 80, qerrors.KindHTTPClientURLError)
	if err != nil {
		if strings.Contains(err.Error(), "unsupported scheme") {
			return qerrors.New(qerrors.KindHTTPClientUnknownProtocol, "set-url", rawurl, err.Error(), err)
		}
		return err
	}
	newConn := connectionInfoFromParsed(parsed, c.protocolMap)
	if c.connection != nil && newConn.Path == "" {
		newConn.Path = c.connection.Path
	}
	c.connection = newConn

	if c.proxyConnection == nil && c.connected {
		// A non-proxy URL change immediately closes the socket (spec §3).
		c.socket.Close()
		c.connected = false
		c.proxyTunnelEstablished = false
	}
	return nil
}

// GetURL round-trips the active connection back to external form.
func (c *HttpClient) GetURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return ""
	}
	scheme := "http"
	if c.connection.SSL {
		scheme = "https"
	}
	p := &urlutil.Parsed{
		Scheme:  scheme,
		Host:    c.connection.Host,
		Port:    c.connection.Port,
		Path:    c.connection.Path,
		IsUnix:  c.connection.IsUnix,
		HasPort: true,
		HasUser: c.connection.User != "",
		User:    c.connection.User,
		Pass:    c.connection.Pass,
	}
	return p.String()
}

func connectionInfoFromParsed(p *urlutil.Parsed, protocolMap map[string]ProtocolEntry) *ConnectionInfo {
	entry := protocolMap[p.Scheme]
	ci := &ConnectionInfo{
		Host:   p.Host,
		Port:   p.Port,
		Path:   p.Path,
		User:   p.User,
		Pass:   p.Pass,
		SSL:    entry.SSL,
		IsUnix: p.IsUnix,
	}
	if !p.HasPort {
		ci.Port = entry.Port
	}
	return ci
}

func formatHostHeader(host string, port int, ssl bool) string {
	defaultPort := 80
	if ssl {
		defaultPort = 443
	}
	if port == defaultPort || port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(port)
}
