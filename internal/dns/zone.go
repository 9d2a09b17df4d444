package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const defaultCoalesce = time.Second

// Zone is an in-memory authoritative zone for the embedded Server. It
// implements Publisher.
type Zone struct {
	cfg      ZoneConfig
	coalesce time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	hosts  map[string]net.IP // registered hostname -> A
	glue   map[string]net.IP // fqdn -> A
	serial uint32

	pending chan struct{} // closed when the scheduled bump lands
}

// NewZone creates an empty zone. Serial bumps that arrive within coalesce of
// each other are applied once; zero means one second.
func NewZone(cfg ZoneConfig, coalesce time.Duration) (*Zone, error) {
	if err := cfg.init(); err != nil {
		return nil, err
	}
	if coalesce <= 0 {
		coalesce = defaultCoalesce
	}
	z := &Zone{
		cfg:      cfg,
		coalesce: coalesce,
		now:      time.Now,
		hosts:    make(map[string]net.IP),
		glue:     make(map[string]net.IP),
	}
	if cfg.ns1InZone() {
		ip := net.ParseIP(cfg.NS1IP).To4()
		if ip == nil {
			return nil, fmt.Errorf("dns: ns1 address %q is not IPv4", cfg.NS1IP)
		}
		z.glue[cfg.NS1+"."] = ip
	}
	z.serial = TimeSerial(z.now())
	return z, nil
}

// Config returns the zone's normalized configuration.
func (z *Zone) Config() ZoneConfig { return z.cfg }

// UpsertA sets the address of hostname and waits until the serial bump that
// covers it is visible.
func (z *Zone) UpsertA(ctx context.Context, hostname, ip string) error {
	addr := net.ParseIP(ip).To4()
	if addr == nil {
		return fmt.Errorf("dns: %q is not an IPv4 address", ip)
	}
	z.mu.Lock()
	z.hosts[strings.ToLower(hostname)] = addr
	ready := z.scheduleBump()
	z.mu.Unlock()
	return wait(ctx, ready)
}

// BumpSOA advances the serial and waits until it is visible.
func (z *Zone) BumpSOA(ctx context.Context) error {
	z.mu.Lock()
	ready := z.scheduleBump()
	z.mu.Unlock()
	return wait(ctx, ready)
}

// Serial returns the current SOA serial.
func (z *Zone) Serial() uint32 {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.serial
}

// Lookup returns the address registered for hostname.
func (z *Zone) Lookup(hostname string) (net.IP, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	ip, ok := z.hosts[strings.ToLower(hostname)]
	return ip, ok
}

// scheduleBump must be called with the write lock held.
func (z *Zone) scheduleBump() <-chan struct{} {
	if z.pending == nil {
		ready := make(chan struct{})
		z.pending = ready
		time.AfterFunc(z.coalesce, func() {
			z.mu.Lock()
			z.serial = NextSerial(z.serial, z.now())
			z.pending = nil
			z.mu.Unlock()
			close(ready)
		})
	}
	return z.pending
}

func wait(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── resolution ───────────────────────────────────────────────────────────────

type nodeKind int

const (
	nodeOutside nodeKind = iota // not in this zone
	nodeApex
	nodeHost    // has an A record
	nodeMissing // in the zone, nothing there
)

type node struct {
	kind nodeKind
	ip   net.IP
}

// resolve classifies a lowercase fully qualified name. Any name beneath a
// registered hostname resolves to that hostname's address.
func (z *Zone) resolve(name string) node {
	origin := z.cfg.Origin()
	if name == origin {
		return node{kind: nodeApex}
	}
	if !strings.HasSuffix(name, "."+origin) {
		return node{kind: nodeOutside}
	}

	z.mu.RLock()
	defer z.mu.RUnlock()

	if ip, ok := z.glue[name]; ok {
		return node{kind: nodeHost, ip: ip}
	}
	labels := strings.TrimSuffix(name, "."+origin)
	host := labels[strings.LastIndexByte(labels, '.')+1:]
	if ip, ok := z.hosts[host]; ok {
		return node{kind: nodeHost, ip: ip}
	}
	return node{kind: nodeMissing}
}
