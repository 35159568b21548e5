package ftpclient

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/qorelanguage/netcore/pkg/qerrors"
	"github.com/qorelanguage/netcore/pkg/socket"
)

var (
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

func parsePASV(text string) (string, int, error) {
	m := pasvRegex.FindStringSubmatch(text)
	if m == nil {
		return "", 0, qerrors.New(qerrors.KindFTPResponseError, "parse-pasv", "", "invalid PASV reply: "+text, nil)
	}
	host := strings.Join(m[1:5], ".")
	if net.ParseIP(host) == nil {
		return "", 0, qerrors.New(qerrors.KindFTPResponseError, "parse-pasv", "", "invalid PASV address: "+host, nil)
	}
	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	return host, p1*256 + p2, nil
}

func parseEPSV(text string) (int, error) {
	m := epsvRegex.FindStringSubmatch(text)
	if m == nil {
		return 0, qerrors.New(qerrors.KindFTPResponseError, "parse-epsv", "", "invalid EPSV reply: "+text, nil)
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, qerrors.New(qerrors.KindFTPResponseError, "parse-epsv", "", "invalid EPSV port: "+m[1], nil)
	}
	return port, nil
}

// connectDataLocked negotiates the data channel per the active mode,
// probing EPSV -> PASV -> PORT when unpinned (spec §4.3 / invariant 8).
func (f *FtpClient) connectDataLocked(ctx context.Context) error {
	if f.mode == ModeUnknown {
		if err := f.tryEPSVLocked(ctx); err == nil {
			if !f.manualMode {
				f.mode = ModeEPSV
			}
			return nil
		}
		if err := f.tryPASVLocked(ctx); err == nil {
			if !f.manualMode {
				f.mode = ModePASV
			}
			return nil
		}
		return f.tryPORTLocked(ctx)
	}

	switch f.mode {
	case ModeEPSV:
		return f.tryEPSVLocked(ctx)
	case ModePASV:
		return f.tryPASVLocked(ctx)
	case ModePORT:
		return f.tryPORTLocked(ctx)
	default:
		return qerrors.New(qerrors.KindFTPConnectError, "connect-data", f.host, "no data channel mode selected", nil)
	}
}

func (f *FtpClient) tryEPSVLocked(ctx context.Context) error {
	resp, err := f.sendControlLocked("EPSV")
	if err != nil {
		return err
	}
	if resp.Code != 229 {
		return qerrors.New(qerrors.KindFTPConnectError, "epsv", f.host, "EPSV rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	port, err := parseEPSV(resp.Text)
	if err != nil {
		return err
	}
	if err := f.data.ConnectInet(ctx, f.host, strconv.Itoa(port), f.timeoutMs, f.family); err != nil {
		return qerrors.New(qerrors.KindFTPConnectError, "epsv", f.host, "EPSV data connect failed", err)
	}
	return f.maybeSecureDataLocked(ctx)
}

func (f *FtpClient) tryPASVLocked(ctx context.Context) error {
	resp, err := f.sendControlLocked("PASV")
	if err != nil {
		return err
	}
	if resp.Code != 227 {
		return qerrors.New(qerrors.KindFTPConnectError, "pasv", f.host, "PASV rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}
	host, port, err := parsePASV(resp.Text)
	if err != nil {
		return err
	}
	if host == "0.0.0.0" {
		host = f.host
	}
	if err := f.data.ConnectInet(ctx, host, strconv.Itoa(port), f.timeoutMs, socket.FamilyInet); err != nil {
		return qerrors.New(qerrors.KindFTPConnectError, "pasv", f.host, "PASV data connect failed", err)
	}
	return f.maybeSecureDataLocked(ctx)
}

func (f *FtpClient) tryPORTLocked(ctx context.Context) error {
	localIP, err := f.controlLocalIPv4Locked()
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp4", localIP+":0")
	if err != nil {
		return qerrors.New(qerrors.KindFTPConnectError, "port", f.host, "failed to listen for PORT", err)
	}
	defer listener.Close()

	tcpAddr := listener.Addr().(*net.TCPAddr)
	port := tcpAddr.Port

	octets := strings.Split(localIP, ".")
	portArg := strings.Join(octets, ",") + "," + strconv.Itoa(port/256) + "," + strconv.Itoa(port%256)

	resp, err := f.sendControlLocked("PORT", portArg)
	if err != nil {
		return err
	}
	if !resp.Is2xx() {
		return qerrors.New(qerrors.KindFTPConnectError, "port", f.host, "PORT rejected: "+resp.Text, nil).WithPartial(resp.Text)
	}

	f.pendingListener = listener
	return nil
}

// acceptPORTLocked accepts the single incoming data connection after the
// transfer-initiating command has returned its 1xx preliminary reply.
func (f *FtpClient) acceptPORTLocked(ctx context.Context) error {
	if f.pendingListener == nil {
		return nil
	}
	listener := f.pendingListener
	f.pendingListener = nil
	defer listener.Close()

	conn, err := listener.Accept()
	if err != nil {
		return qerrors.New(qerrors.KindFTPConnectError, "port", f.host, "accepting data connection failed", err)
	}
	if err := f.data.AdoptConn(conn, socket.FamilyInet); err != nil {
		return err
	}
	return f.maybeSecureDataLocked(ctx)
}

func (f *FtpClient) maybeSecureDataLocked(ctx context.Context) error {
	if f.secure && f.secureData {
		if err := f.data.UpgradeClientToTLS(ctx, socket.ClientTLSOptions{ServerName: f.host}, f.timeoutMs); err != nil {
			return qerrors.New(qerrors.KindFTPSSecureDataError, "secure-data", f.host, "data channel TLS handshake failed", err)
		}
	}
	return nil
}

func (f *FtpClient) controlLocalIPv4Locked() (string, error) {
	if !f.control.IsOpen() {
		return "", qerrors.New(qerrors.KindFTPConnectError, "port", f.host, "control channel is not open", nil)
	}
	// The control Socket doesn't expose its net.Conn directly; resolve the
	// local address the same way the control connection reached the host.
	conn, err := net.Dial("udp4", f.host+":1")
	if err != nil {
		return "", qerrors.New(qerrors.KindFTPConnectError, "port", f.host, "failed to determine local address", err)
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
