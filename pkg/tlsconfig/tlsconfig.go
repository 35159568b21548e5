// Package tlsconfig supplies the named TLS version/cipher bundles Socket's
// TLS upgrade picks from, per spec §4.1's "optional TLS" requirement.
// Socket never negotiates below TLS 1.2, so SSL 3.0/TLS 1.0/1.1 have no
// bundle here.
package tlsconfig

import "crypto/tls"

const (
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile names a MinVersion/MaxVersion pair a caller can select by
// name instead of setting the raw uint16s.
type VersionProfile struct {
	Min, Max    uint16
	Description string
}

var (
	// ProfileModern pins TLS 1.3 only.
	ProfileModern = VersionProfile{Min: VersionTLS13, Max: VersionTLS13, Description: "TLS 1.3 only"}
	// ProfileSecure is the Socket default: TLS 1.2 through 1.3.
	ProfileSecure = VersionProfile{Min: VersionTLS12, Max: VersionTLS13, Description: "TLS 1.2+"}
	// ProfileCompatible is an alias of ProfileSecure kept for callers that
	// explicitly want to name the wider range rather than rely on the
	// default; Socket has no narrower floor to widen down to.
	ProfileCompatible = VersionProfile{Min: VersionTLS12, Max: VersionTLS13, Description: "TLS 1.2+, maximum compatibility within Socket's supported range"}
)

// GetVersionName returns the human-readable name of a negotiated TLS
// version, for the tls-established event's "version" field.
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// cipherSuitesSecure are the ECDHE/AEAD suites offered for a TLS 1.2
// handshake; TLS 1.3 negotiates its own suites and ignores this list.
var cipherSuitesSecure = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ApplyVersionProfile applies a named profile's Min/Max to config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites sets config.CipherSuites for a TLS 1.2 floor; a TLS 1.3
// floor leaves CipherSuites nil since 1.3 picks its own.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	if minVersion >= VersionTLS13 {
		config.CipherSuites = nil
		return
	}
	config.CipherSuites = cipherSuitesSecure
}
