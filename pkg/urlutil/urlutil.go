// Package urlutil implements the URL grammar shared by HttpClient and
// FtpClient: scheme://[user[:pass]@]host[:port][/path], with a bare
// integer host field meaning "port on default host" and a host beginning
// with "/" denoting a UNIX socket path (HttpClient only).
package urlutil

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/qorelanguage/netcore/pkg/qerrors"
)

// Parsed is the decomposed form of a client URL.
type Parsed struct {
	Scheme   string
	User     string
	Pass     string
	Host     string
	Port     int
	Path     string
	IsUnix   bool
	HasPort  bool
	HasUser  bool
	HasPass  bool
}

// Parse parses rawurl against the given set of allowed schemes
// (e.g. "http","https" or "ftp","ftps"). defaultPort is used when the URL
// omits a port. errKind is the qerrors.Kind raised on any parse failure,
// letting HttpClient and FtpClient each surface their own error kind
// (HTTP-CLIENT-URL-ERROR / FTP-URL-ERROR) from one shared parser.
func Parse(rawurl string, allowedSchemes []string, defaultPort int, errKind qerrors.Kind) (*Parsed, error) {
	if rawurl == "" {
		return nil, qerrors.New(errKind, "parse", "", "empty URL", nil)
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, qerrors.New(errKind, "parse", rawurl, "malformed URL", err)
	}

	if u.Scheme == "" {
		return nil, qerrors.New(errKind, "parse", rawurl, "URL missing scheme", nil)
	}
	schemeOK := false
	for _, s := range allowedSchemes {
		if strings.EqualFold(u.Scheme, s) {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return nil, qerrors.New(errKind, "parse", rawurl, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}

	p := &Parsed{Scheme: strings.ToLower(u.Scheme), Port: defaultPort}

	if u.User != nil {
		p.User = u.User.Username()
		p.HasUser = true
		if pass, ok := u.User.Password(); ok {
			p.Pass = pass
			p.HasPass = true
		}
	}
	if p.HasUser != p.HasPass && (p.HasUser || p.HasPass) {
		return nil, qerrors.New(errKind, "parse", rawurl, "username without password or vice versa", nil)
	}

	host := u.Hostname()
	if host == "" && strings.HasPrefix(rawurl[strings.Index(rawurl, "://")+3:], "/") {
		p.IsUnix = true
		rest := rawurl[strings.Index(rawurl, "://")+3:]
		if idx := strings.IndexByte(rest, '?'); idx >= 0 {
			rest = rest[:idx]
		}
		p.Host = rest
		return p, nil
	}

	if host != "" {
		if asPort, convErr := strconv.Atoi(host); convErr == nil {
			// A bare integer host field means "port on default host".
			p.Port = asPort
			p.HasPort = true
			host = ""
		}
	}

	if host != "" {
		normalized, idnaErr := idna.Lookup.ToASCII(host)
		if idnaErr == nil {
			host = normalized
		}
	}
	p.Host = host

	if portStr := u.Port(); portStr != "" {
		port, convErr := strconv.Atoi(portStr)
		if convErr != nil || port < 1 || port > 65535 {
			return nil, qerrors.New(errKind, "parse", rawurl, fmt.Sprintf("invalid port %q", portStr), nil)
		}
		p.Port = port
		p.HasPort = true
	}

	p.Path = u.Path
	return p, nil
}

// String serialises back to the canonical external form, percent-encoding
// a UNIX path host as socket=<percent-encoded-path>.
func (p *Parsed) String() string {
	var b strings.Builder
	b.WriteString(p.Scheme)
	b.WriteString("://")
	if p.HasUser {
		b.WriteString(url.UserPassword(p.User, p.Pass).String())
		b.WriteByte('@')
	}
	if p.IsUnix {
		b.WriteString("socket=")
		b.WriteString(url.QueryEscape(p.Host))
	} else {
		b.WriteString(p.Host)
		if p.HasPort {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(p.Port))
		}
	}
	b.WriteString(p.Path)
	return b.String()
}

// PercentEncodeSpaces percent-encodes only ASCII spaces in a request path,
// leaving all other bytes untouched (RFC 3986 passthrough otherwise).
func PercentEncodeSpaces(path string) string {
	if !strings.ContainsRune(path, ' ') {
		return path
	}
	return strings.ReplaceAll(path, " ", "%20")
}
