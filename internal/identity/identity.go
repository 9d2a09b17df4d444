// Package identity determines who is calling the sandcats API.
//
// It provides:
//   - Fingerprint — the client-certificate identity that owns a hostname
//   - Extractor   — derives the caller's fingerprint and source IP from a request,
//     honouring a fixed number of trusted reverse-proxy hops
//   - Middleware  — Gin middleware that stores the extracted Caller in the context
package identity

import (
	"crypto/sha1" //nolint:gosec // nginx $ssl_client_fingerprint is SHA-1
	"crypto/x509"
	"encoding/hex"
	"errors"
	"strings"
)

// FingerprintLength is the number of hex characters in a Fingerprint.
const FingerprintLength = 40

// ErrInvalidFingerprint is returned by ParseFingerprint for anything that is
// not 40 hex characters once colons are removed.
var ErrInvalidFingerprint = errors.New("invalid certificate fingerprint")

// Fingerprint is the lowercase hex SHA-1 of a client certificate's DER bytes.
type Fingerprint string

// ParseFingerprint canonicalises s ("AB:CD:..." or "abcd...") into a Fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	if len(s) != FingerprintLength {
		return "", ErrInvalidFingerprint
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", ErrInvalidFingerprint
	}
	return Fingerprint(s), nil
}

// FingerprintFromCert computes the fingerprint of cert.
func FingerprintFromCert(cert *x509.Certificate) Fingerprint {
	sum := sha1.Sum(cert.Raw) //nolint:gosec
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Equal reports whether f and other identify the same key. Both sides are
// compared in canonical form.
func (f Fingerprint) Equal(other Fingerprint) bool {
	a, errA := ParseFingerprint(string(f))
	b, errB := ParseFingerprint(string(other))
	return errA == nil && errB == nil && a == b
}

// IsZero reports whether f is empty.
func (f Fingerprint) IsZero() bool { return f == "" }

func (f Fingerprint) String() string { return string(f) }
