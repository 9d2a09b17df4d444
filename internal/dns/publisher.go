// Package dns carries registry changes into DNS.
//
// A Bridge sits between the registry and a Publisher. The registry calls
// Bridge.Notify after every committed IP change; the bridge queues the change
// and a worker goroutine retries the publish until it lands or the attempt
// budget runs out. Two publishers exist: PowerDNS writes the gpgsql backend
// tables of an external PowerDNS server, and Zone keeps the records in memory
// for the embedded Server.
//
// Checker and Waiter are the read side: they poll a name server until a
// record carries the expected address.
package dns

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Publisher writes A records for registered hostnames.
type Publisher interface {
	// UpsertA points <hostname>.<base> and *.<hostname>.<base> at ip and
	// advances the zone serial.
	UpsertA(ctx context.Context, hostname, ip string) error
	// BumpSOA advances the zone serial without touching any records.
	BumpSOA(ctx context.Context) error
}

// SerialEpoch is subtracted from unix time to form SOA serials.
const SerialEpoch = 1500000000

// TimeSerial returns the time-based serial for t, clamped to the uint32
// range.
func TimeSerial(t time.Time) uint32 {
	n := t.Unix() - SerialEpoch
	switch {
	case n < 1:
		return 1
	case n > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(n)
}

// NextSerial returns max(prev+1, TimeSerial(now)).
func NextSerial(prev uint32, now time.Time) uint32 {
	ts := TimeSerial(now)
	if prev >= ts {
		return prev + 1
	}
	return ts
}

// ZoneConfig describes the zone that registered hostnames live under.
type ZoneConfig struct {
	BaseDomain string // e.g. "sandcats-dev.sandstorm.io"
	NS1        string // primary name server hostname
	NS2        string // optional secondary
	NS1IP      string // A record for NS1 when it lies inside the zone
	TTL        uint32 // A record TTL; defaults to 60
}

const (
	defaultTTL = 60

	soaRefresh = 60
	soaRetry   = 60
	soaExpire  = 604800
	soaMinTTL  = 60
)

func (c *ZoneConfig) init() error {
	c.BaseDomain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(c.BaseDomain)), ".")
	if c.BaseDomain == "" {
		return fmt.Errorf("dns: base domain is required")
	}
	c.NS1 = strings.TrimSuffix(strings.ToLower(c.NS1), ".")
	c.NS2 = strings.TrimSuffix(strings.ToLower(c.NS2), ".")
	if c.NS1 == "" {
		c.NS1 = "ns1." + c.BaseDomain
	}
	if c.TTL == 0 {
		c.TTL = defaultTTL
	}
	return nil
}

// Origin returns the zone apex as a fully qualified name.
func (c *ZoneConfig) Origin() string { return c.BaseDomain + "." }

// Mbox returns the SOA responsible-person name.
func (c *ZoneConfig) Mbox() string { return "hostmaster." + c.BaseDomain + "." }

// FQDN returns the fully qualified name of hostname inside the zone.
func (c *ZoneConfig) FQDN(hostname string) string {
	return hostname + "." + c.BaseDomain + "."
}

// soaContent renders the SOA record the way PowerDNS stores it.
func (c *ZoneConfig) soaContent(serial uint32) string {
	return fmt.Sprintf("%s %s %d %d %d %d %d",
		c.NS1, strings.TrimSuffix(c.Mbox(), "."), serial, soaRefresh, soaRetry, soaExpire, soaMinTTL)
}

// ns1InZone reports whether NS1 needs a glue A record in the zone.
func (c *ZoneConfig) ns1InZone() bool {
	return c.NS1IP != "" && strings.HasSuffix(c.NS1, "."+c.BaseDomain)
}
