package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNXDomain is returned by LookupA when the server answers NXDOMAIN. It is
// a normal state right after registration.
var ErrNXDomain = errors.New("dns: no such domain")

// Checker queries one name server directly, bypassing local caches.
type Checker struct {
	server string
	client *dns.Client
}

// NewChecker creates a Checker for server ("host:port"). net is "udp" or
// "tcp".
func NewChecker(server, network string, timeout time.Duration) *Checker {
	if network == "" {
		network = "udp"
	}
	return &Checker{
		server: server,
		client: &dns.Client{Net: network, Timeout: timeout},
	}
}

// LookupA returns the A records for fqdn.
func (c *Checker) LookupA(ctx context.Context, fqdn string) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeA)

	in, _, err := c.client.ExchangeContext(ctx, msg, c.server)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", fqdn, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, ErrNXDomain
	default:
		return nil, fmt.Errorf("query %s: %s", fqdn, dns.RcodeToString[in.Rcode])
	}

	var ips []net.IP
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	return ips, nil
}

// WaitForA polls until fqdn resolves to ip. NXDOMAIN and stale answers are
// retried until w gives up.
func (c *Checker) WaitForA(ctx context.Context, w Waiter, fqdn, ip string) error {
	want := net.ParseIP(ip)
	if want == nil {
		return fmt.Errorf("invalid ip %q", ip)
	}
	return w.WaitFor(ctx, fmt.Sprintf("%s to resolve to %s", strings.TrimSuffix(fqdn, "."), ip), func(ctx context.Context) error {
		ips, err := c.LookupA(ctx, fqdn)
		if err != nil {
			return err
		}
		for _, got := range ips {
			if got.Equal(want) {
				return nil
			}
		}
		return fmt.Errorf("got %v", ips)
	})
}
