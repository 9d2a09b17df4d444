// Package policy validates and canonicalises the hostnames and email
// addresses that clients submit.
package policy

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// MaxHostnameLength is the longest label a client may register.
	MaxHostnameLength = 20

	// InUseMessage is shown for both blacklisted and already-registered names
	// so that the two cases cannot be told apart.
	InUseMessage = "This hostname is already in use. Type help if you need to recover access, or pick a new one."

	// MalformedMessage is shown for names that fail the syntax rules.
	MalformedMessage = "Your hostname must be 1 to 20 characters of letters, numbers, and hyphens, " +
		"and must not start or end with a hyphen or contain two hyphens in a row."
)

var (
	ErrReserved  = errors.New("hostname is reserved")
	ErrMalformed = errors.New("hostname is malformed")
)

// HostnameError reports why a raw hostname was rejected.
type HostnameError struct {
	Raw string
	Err error
}

func (e *HostnameError) Error() string { return fmt.Sprintf("hostname %q: %v", e.Raw, e.Err) }
func (e *HostnameError) Unwrap() error { return e.Err }

// Message returns the text shown to the client.
func (e *HostnameError) Message() string {
	if errors.Is(e.Err, ErrReserved) {
		return InUseMessage
	}
	return MalformedMessage
}

var hostnameChars = regexp.MustCompile(`^[0-9a-z-]+$`)

var defaultBlacklist = []string{
	"www", "ftp", "mail", "smtp", "imap", "pop", "pop3", "ns", "ns1", "ns2", "mx",
	"admin", "administrator", "hostmaster", "postmaster", "webmaster", "root",
	"api", "blog", "help", "support", "status", "localhost", "sandstorm", "sandcats",
	"install", "static", "cdn", "email", "autoconfig", "autodiscover",
}

// Policy holds the reserved-name blacklist. The zero value is not usable; use New.
type Policy struct {
	mu        sync.RWMutex
	blacklist map[string]struct{}
}

// New returns a Policy with the built-in blacklist plus any extra names.
func New(extra ...string) *Policy {
	p := &Policy{blacklist: make(map[string]struct{}, len(defaultBlacklist)+len(extra))}
	p.Reserve(defaultBlacklist...)
	p.Reserve(extra...)
	return p
}

// Reserve adds names to the blacklist.
func (p *Policy) Reserve(names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			p.blacklist[n] = struct{}{}
		}
	}
}

// Reserved returns the sorted blacklist.
func (p *Policy) Reserved() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.blacklist))
	for n := range p.blacklist {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsReserved reports whether the canonical form of name is blacklisted.
func (p *Policy) IsReserved(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.blacklist[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Normalize returns the canonical lowercase form of raw, which is the
// registry key. Syntax is checked before the blacklist.
func (p *Policy) Normalize(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))

	switch {
	case name == "", len(name) > MaxHostnameLength,
		!hostnameChars.MatchString(name),
		strings.HasPrefix(name, "-"), strings.HasSuffix(name, "-"),
		strings.Contains(name, "--"):
		return "", &HostnameError{Raw: raw, Err: ErrMalformed}
	}

	if p.IsReserved(name) {
		return "", &HostnameError{Raw: raw, Err: ErrReserved}
	}
	return name, nil
}

type blacklistFile struct {
	Names []string `yaml:"names"`
}

// LoadBlacklistFile merges the names listed in a YAML file of the form
// "names: [a, b]" into the blacklist.
func (p *Policy) LoadBlacklistFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read blacklist file: %w", err)
	}
	var f blacklistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse blacklist file: %w", err)
	}
	p.Reserve(f.Names...)
	return nil
}
