package identity

import (
	"net"
	"net/http"
	"strings"
)

// Source selects where the caller's fingerprint comes from.
type Source string

const (
	// SourceHeader trusts a header set by the TLS-terminating proxy.
	SourceHeader Source = "header"
	// SourceTLS reads the peer certificate of a TLS connection this process terminated.
	SourceTLS Source = "tls"
)

const (
	DefaultFingerprintHeader = "X-Client-Certificate-Fingerprint"
	CSRFHeader               = "X-Sand"
	CSRFValue                = "cats"
)

// Config is the fixed deployment trust configuration.
type Config struct {
	Source            Source
	FingerprintHeader string
	// TrustedHops is the number of reverse proxies in front of the server
	// whose X-Forwarded-For entries are trusted. Zero ignores the header.
	TrustedHops int
}

// Caller is what the Extractor learned about a request.
type Caller struct {
	Fingerprint Fingerprint // zero when none was presented
	IP          net.IP
	CSRF        bool
}

// HasFingerprint reports whether a valid fingerprint was presented.
func (c Caller) HasFingerprint() bool { return !c.Fingerprint.IsZero() }

// Extractor derives a Caller from an HTTP request.
type Extractor struct {
	cfg Config
}

// NewExtractor creates an Extractor, filling in defaults.
func NewExtractor(cfg Config) *Extractor {
	if cfg.Source == "" {
		cfg.Source = SourceHeader
	}
	if cfg.FingerprintHeader == "" {
		cfg.FingerprintHeader = DefaultFingerprintHeader
	}
	if cfg.TrustedHops < 0 {
		cfg.TrustedHops = 0
	}
	return &Extractor{cfg: cfg}
}

// Extract inspects r. It never fails: missing or malformed inputs simply
// leave the corresponding Caller fields empty.
func (e *Extractor) Extract(r *http.Request) Caller {
	return Caller{
		Fingerprint: e.fingerprint(r),
		IP:          e.sourceIP(r),
		CSRF:        r.Header.Get(CSRFHeader) == CSRFValue,
	}
}

func (e *Extractor) fingerprint(r *http.Request) Fingerprint {
	if e.cfg.Source == SourceTLS {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return ""
		}
		return FingerprintFromCert(r.TLS.PeerCertificates[0])
	}

	fp, err := ParseFingerprint(r.Header.Get(e.cfg.FingerprintHeader))
	if err != nil {
		return ""
	}
	return fp
}

func (e *Extractor) sourceIP(r *http.Request) net.IP {
	peer := peerIP(r.RemoteAddr)
	hops := e.cfg.TrustedHops
	if hops == 0 {
		return peer
	}

	var chain []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				chain = append(chain, part)
			}
		}
	}

	if len(chain) >= hops {
		if ip := parseIP(chain[len(chain)-hops]); ip != nil {
			return ip
		}
		return peer
	}
	if hops == 1 {
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != nil {
			return ip
		}
	}
	return peer
}

func peerIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return parseIP(host)
}

// parseIP parses s and unmaps IPv4-in-IPv6 addresses.
func parseIP(s string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}
