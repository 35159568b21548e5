// Package ftpclient implements the L1 FTP client: two Sockets (control and
// data), URL and credential handling, and the PORT/PASV/EPSV data-channel
// negotiation with optional FTPS.
package ftpclient

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/qorelanguage/netcore/pkg/constants"
	"github.com/qorelanguage/netcore/pkg/qerrors"
	"github.com/qorelanguage/netcore/pkg/socket"
	"github.com/qorelanguage/netcore/pkg/urlutil"
)

// Mode is the data-channel negotiation style.
type Mode int

const (
	ModeUnknown Mode = iota
	ModePORT
	ModePASV
	ModeEPSV
)

type state int

const (
	stateDisconnected state = iota
	stateConnected
	stateLoggedIn
)

// FtpClient drives the FTP command/reply dialogue over a control Socket and
// negotiates a second data Socket for every transfer.
type FtpClient struct {
	mu sync.Mutex

	control *socket.Socket
	data    *socket.Socket

	host string
	port int
	user string
	pass string
	path string

	timeoutMs int
	family    socket.Family

	mode       Mode
	manualMode bool

	secure     bool
	secureData bool

	state state

	controlResidual string
	pendingListener net.Listener
}

// New returns an FtpClient with default credentials (anonymous/user@) and
// the standard control port and timeout.
func New() *FtpClient {
	return &FtpClient{
		control:   socket.New(),
		data:      socket.New(),
		port:      constants.DefaultFTPPort,
		user:      "anonymous",
		pass:      "user@",
		timeoutMs: int(constants.DefaultFTPControlTimeout.Milliseconds()),
	}
}

// ControlSocket exposes the control channel Socket, e.g. to attach an event
// queue shared with the data channel.
func (f *FtpClient) ControlSocket() *socket.Socket { return f.control }

// DataSocket exposes the data channel Socket.
func (f *FtpClient) DataSocket() *socket.Socket { return f.data }

// SetURL parses an ftp(s):// URL and installs host/port/user/pass/path.
// Missing user+password default to anonymous/user@; a mismatched pair
// (only one of the two present) is a URL error.
func (f *FtpClient) SetURL(rawurl string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	parsed, err := urlutil.Parse(rawurl, []string{"ftp", "ftps"}, constants.DefaultFTPPort, qerrors.KindFTPURLError)
	if err != nil {
		return err
	}
	f.host = parsed.Host
	f.port = parsed.Port
	f.path = parsed.Path
	f.secure = strings.EqualFold(parsed.Scheme, "ftps")
	if parsed.HasUser {
		f.user = parsed.User
		f.pass = parsed.Pass
	} else {
		f.user = "anonymous"
		f.pass = "user@"
	}
	return nil
}

// GetURL round-trips the current host/port/path/scheme back to external form.
func (f *FtpClient) GetURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	scheme := "ftp"
	if f.secure {
		scheme = "ftps"
	}
	p := &urlutil.Parsed{
		Scheme:  scheme,
		Host:    f.host,
		Port:    f.port,
		Path:    f.path,
		HasPort: true,
		HasUser: f.user != "anonymous",
		User:    f.user,
		Pass:    f.pass,
	}
	return p.String()
}

// SetSecure enables FTPS (AUTH TLS) and, if secureData is true, also PROT P
// for the data channel.
func (f *FtpClient) SetSecure(secure, secureData bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secure = secure
	f.secureData = secureData
}

// SetMode pins the data-channel negotiation style, disabling the automatic
// EPSV -> PASV -> PORT fallback probe.
func (f *FtpClient) SetMode(m Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = m
	f.manualMode = true
}

// IsLoggedIn reports whether USER/PASS has completed successfully.
func (f *FtpClient) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateLoggedIn
}

func (f *FtpClient) resetLocked() {
	f.control.Close()
	f.data.Close()
	f.state = stateDisconnected
	if !f.manualMode {
		f.mode = ModeUnknown
	}
}

// Connect opens the control channel, reads the greeting, optionally
// negotiates FTPS, and logs in with USER/PASS.
func (f *FtpClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.control.ConnectInet(ctx, f.host, strconv.Itoa(f.port), f.timeoutMs, f.family); err != nil {
		return qerrors.New(qerrors.KindFTPConnectError, "connect", f.host, "control connect failed", err)
	}

	resp, err := f.readResponseLocked()
	if err != nil {
		f.resetLocked()
		return err
	}
	if resp.Code < 200 || resp.Code >= 300 {
		f.resetLocked()
		return qerrors.New(qerrors.KindFTPConnectError, "connect", f.host, "bad greeting: "+resp.Text, nil).WithPartial(resp.Text)
	}
	f.state = stateConnected

	if f.secure {
		if err := f.authTLSLocked(ctx); err != nil {
			f.resetLocked()
			return err
		}
	}

	if err := f.loginLocked(); err != nil {
		f.resetLocked()
		return err
	}
	f.state = stateLoggedIn
	return nil
}

func (f *FtpClient) authTLSLocked(ctx context.Context) error {
	resp, err := f.sendControlLocked("AUTH", "TLS")
	if err != nil {
		return err
	}
	if resp.Code == 334 {
		return qerrors.New(qerrors.KindFTPSAuthError, "auth-tls", f.host, "ADAT not supported", nil)
	}
	if resp.Code != 234 {
		return qerrors.New(qerrors.KindFTPSAuthError, "auth-tls", f.host, "AUTH TLS rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	if err := f.control.UpgradeClientToTLS(ctx, socket.ClientTLSOptions{ServerName: f.host}, f.timeoutMs); err != nil {
		return qerrors.New(qerrors.KindFTPSAuthError, "auth-tls", f.host, "TLS handshake failed", err)
	}

	if f.secureData {
		if resp, err := f.sendControlLocked("PBSZ", "0"); err != nil || resp.Code < 200 || resp.Code >= 300 {
			if err != nil {
				return err
			}
			return qerrors.New(qerrors.KindFTPSSecureDataError, "pbsz", f.host, "PBSZ rejected: "+resp.Text, nil)
		}
		if resp, err := f.sendControlLocked("PROT", "P"); err != nil || resp.Code < 200 || resp.Code >= 300 {
			if err != nil {
				return err
			}
			return qerrors.New(qerrors.KindFTPSSecureDataError, "prot", f.host, "PROT rejected: "+resp.Text, nil)
		}
	}
	return nil
}

func (f *FtpClient) loginLocked() error {
	resp, err := f.sendControlLocked("USER", f.user)
	if err != nil {
		return err
	}
	if resp.Code == 331 {
		resp, err = f.sendControlLocked("PASS", f.pass)
		if err != nil {
			return err
		}
		if resp.Code < 200 || resp.Code >= 300 {
			return qerrors.New(qerrors.KindFTPLoginError, "login", f.host, "PASS rejected: "+resp.Text, nil).WithPartial(resp.Text)
		}
		return nil
	}
	if resp.Code < 200 || resp.Code >= 300 {
		return qerrors.New(qerrors.KindFTPLoginError, "login", f.host, "USER rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	return nil
}

// Quit sends QUIT and closes both channels.
func (f *FtpClient) Quit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateDisconnected {
		f.sendControlLocked("QUIT")
	}
	f.resetLocked()
	return nil
}
