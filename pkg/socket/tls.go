package socket

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"

	"github.com/qorelanguage/netcore/pkg/events"
	"github.com/qorelanguage/netcore/pkg/qerrors"
	"github.com/qorelanguage/netcore/pkg/tlsconfig"
)

func tlsConfigRootPool() *x509.CertPool {
	if pool, err := x509.SystemCertPool(); err == nil && pool != nil {
		return pool
	}
	return x509.NewCertPool()
}

// ClientTLSOptions configures UpgradeClientToTLS. Cert/Key are optional
// (one client certificate + one key, per spec's non-goal of excluding
// arbitrary certificate chains). ServerName drives SNI; InsecureSkipVerify
// disables certificate verification.
type ClientTLSOptions struct {
	Cert               []byte
	Key                []byte
	ServerName         string
	InsecureSkipVerify bool
	RootCAs            []byte
	MinVersion         uint16
	MaxVersion         uint16
	// Profile, when non-zero, picks one of tlsconfig's named version
	// bundles (ProfileModern/Secure/Compatible) and overrides
	// MinVersion/MaxVersion.
	Profile tlsconfig.VersionProfile
}

// UpgradeClientToTLS attaches the socket's FD to a new TLS client session
// and drives the handshake, honouring timeoutMs. On success it emits
// tls-established with the negotiated cipher name and version.
func (s *Socket) UpgradeClientToTLS(ctx context.Context, opts ClientTLSOptions, timeoutMs int) error {
	switch s.op.tryAcquire() {
	case interlockReentrant:
		return qerrors.New(qerrors.KindSocketInCallback, "tls-upgrade", "", "reentrant call on same goroutine", nil)
	case interlockOtherThread:
		return qerrors.New(qerrors.KindSocketInCallback, "tls-upgrade", "", "concurrent call from another goroutine", nil)
	}
	defer s.op.release()

	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return qerrors.New(qerrors.KindSocketNotOpen, "tls-upgrade", "", "socket is not open", nil)
	}

	s.emit(events.StartTLS, nil)

	cfg := &tls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		MinVersion:         tlsconfig.VersionTLS12,
	}
	if opts.Profile != (tlsconfig.VersionProfile{}) {
		tlsconfig.ApplyVersionProfile(cfg, opts.Profile)
	}
	if opts.MinVersion != 0 {
		cfg.MinVersion = opts.MinVersion
	}
	if opts.MaxVersion != 0 {
		cfg.MaxVersion = opts.MaxVersion
	}
	tlsconfig.ApplyCipherSuites(cfg, cfg.MinVersion)

	if len(opts.RootCAs) > 0 {
		pool := tlsConfigRootPool()
		if pool.AppendCertsFromPEM(opts.RootCAs) {
			cfg.RootCAs = pool
		}
	}
	if len(opts.Cert) > 0 && len(opts.Key) > 0 {
		cert, err := tls.X509KeyPair(opts.Cert, opts.Key)
		if err != nil {
			return qerrors.New(qerrors.KindSocketSSLError, "tls-upgrade", "", "invalid client certificate/key", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	handshakeCtx, cancel := timeoutToContext(ctx, timeoutMs)
	defer cancel()

	s.mu.Lock()
	timer := s.timer
	s.mu.Unlock()
	if timer != nil {
		timer.StartTLS()
	}

	start := time.Now()
	tlsConn := tls.Client(conn, cfg)
	err := tlsConn.HandshakeContext(handshakeCtx)
	elapsed := time.Since(start)
	if timer != nil {
		timer.EndTLS()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The handshake timing out leaves the TLS session unusable;
			// the underlying socket is closed per spec §4.1.
			s.Close()
			return qerrors.New(qerrors.KindSocketTimeout, "tls-upgrade", "", "TLS handshake timed out", err)
		}
		return qerrors.New(qerrors.KindSocketSSLError, "tls-upgrade", "", "TLS handshake failed", err)
	}

	state := tlsConn.ConnectionState()
	info := &TLSInfo{
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
		Version:     tlsconfig.GetVersionName(state.Version),
	}

	s.mu.Lock()
	s.tls = tlsConn
	s.tlsInfo = info
	if s.timer != nil {
		s.lastMetrics = s.timer.Metrics()
	}
	s.mu.Unlock()

	s.warnTimeout("tls-upgrade", elapsed, nil)
	s.emit(events.TLSEstablished, map[string]any{"cipher": info.CipherSuite, "version": info.Version})
	return nil
}

// UpgradeServerToTLS is the server-side counterpart, used when a Socket
// holds an accepted connection installed via AdoptConn rather than Connect.
func (s *Socket) UpgradeServerToTLS(ctx context.Context, cert, key []byte, timeoutMs int) error {
	switch s.op.tryAcquire() {
	case interlockReentrant:
		return qerrors.New(qerrors.KindSocketInCallback, "tls-upgrade", "", "reentrant call on same goroutine", nil)
	case interlockOtherThread:
		return qerrors.New(qerrors.KindSocketInCallback, "tls-upgrade", "", "concurrent call from another goroutine", nil)
	}
	defer s.op.release()

	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return qerrors.New(qerrors.KindSocketNotOpen, "tls-upgrade", "", "socket is not open", nil)
	}

	certPair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return qerrors.New(qerrors.KindSocketSSLError, "tls-upgrade", "", "invalid server certificate/key", err)
	}

	s.emit(events.StartTLS, nil)

	cfg := &tls.Config{Certificates: []tls.Certificate{certPair}, MinVersion: tlsconfig.VersionTLS12}
	handshakeCtx, cancel := timeoutToContext(ctx, timeoutMs)
	defer cancel()

	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.Close()
			return qerrors.New(qerrors.KindSocketTimeout, "tls-upgrade", "", "TLS handshake timed out", err)
		}
		return qerrors.New(qerrors.KindSocketSSLError, "tls-upgrade", "", "TLS handshake failed", err)
	}

	state := tlsConn.ConnectionState()
	info := &TLSInfo{
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
		Version:     tlsconfig.GetVersionName(state.Version),
	}
	s.mu.Lock()
	s.tls = tlsConn
	s.tlsInfo = info
	s.mu.Unlock()

	s.emit(events.TLSEstablished, map[string]any{"cipher": info.CipherSuite, "version": info.Version})
	return nil
}
