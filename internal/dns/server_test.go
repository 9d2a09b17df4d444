package dns_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sandcats/internal/dns"
)

const base = "sandcats-dev.sandstorm.io"

func startServer(t *testing.T) (*dns.Zone, string) {
	t.Helper()
	zone, err := dns.NewZone(dns.ZoneConfig{
		BaseDomain: base,
		NS1:        "ns1." + base,
		NS2:        "ns2.example.net",
		NS1IP:      "10.0.0.53",
	}, 10*time.Millisecond)
	require.NoError(t, err)

	srv := dns.NewServer(zone, zap.NewNop())
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return zone, srv.Addr()
}

func query(t *testing.T, network, addr, name string, qtype uint16) *mdns.Msg {
	t.Helper()
	msg := new(mdns.Msg)
	msg.SetQuestion(name, qtype)
	client := &mdns.Client{Net: network, Timeout: 2 * time.Second}
	in, _, err := client.Exchange(msg, addr)
	require.NoError(t, err)
	return in
}

func TestServer_Answers(t *testing.T) {
	zone, addr := startServer(t)
	require.NoError(t, zone.UpsertA(context.Background(), "alice", "1.2.3.4"))

	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			for _, name := range []string{"alice." + base + ".", "www.alice." + base + ".", "ALICE." + base + "."} {
				in := query(t, network, addr, name, mdns.TypeA)
				assert.Equal(t, mdns.RcodeSuccess, in.Rcode, name)
				assert.True(t, in.Authoritative, name)
				require.Len(t, in.Answer, 1, name)
				a := in.Answer[0].(*mdns.A)
				assert.Equal(t, "1.2.3.4", a.A.String())
				assert.Equal(t, name, a.Hdr.Name)
				assert.EqualValues(t, 60, a.Hdr.Ttl)
			}
		})
	}
}

func TestServer_Negative(t *testing.T) {
	zone, addr := startServer(t)
	require.NoError(t, zone.UpsertA(context.Background(), "alice", "1.2.3.4"))

	t.Run("nxdomain carries soa", func(t *testing.T) {
		in := query(t, "udp", addr, "bob."+base+".", mdns.TypeA)
		assert.Equal(t, mdns.RcodeNameError, in.Rcode)
		assert.Empty(t, in.Answer)
		require.Len(t, in.Ns, 1)
		soa := in.Ns[0].(*mdns.SOA)
		assert.Equal(t, zone.Serial(), soa.Serial)
	})

	t.Run("other type on a host", func(t *testing.T) {
		in := query(t, "udp", addr, "alice."+base+".", mdns.TypeAAAA)
		assert.Equal(t, mdns.RcodeSuccess, in.Rcode)
		assert.Empty(t, in.Answer)
		require.Len(t, in.Ns, 1)
		assert.IsType(t, &mdns.SOA{}, in.Ns[0])
	})

	t.Run("outside the zone", func(t *testing.T) {
		in := query(t, "udp", addr, "example.com.", mdns.TypeA)
		assert.Equal(t, mdns.RcodeRefused, in.Rcode)
		assert.False(t, in.Authoritative)
	})
}

func TestServer_Apex(t *testing.T) {
	zone, addr := startServer(t)

	in := query(t, "udp", addr, base+".", mdns.TypeSOA)
	require.Len(t, in.Answer, 1)
	soa := in.Answer[0].(*mdns.SOA)
	assert.Equal(t, "ns1."+base+".", soa.Ns)
	assert.Equal(t, "hostmaster."+base+".", soa.Mbox)
	assert.Equal(t, zone.Serial(), soa.Serial)
	assert.EqualValues(t, 60, soa.Refresh)
	assert.EqualValues(t, 604800, soa.Expire)

	in = query(t, "udp", addr, base+".", mdns.TypeNS)
	var names []string
	for _, rr := range in.Answer {
		names = append(names, rr.(*mdns.NS).Ns)
	}
	assert.ElementsMatch(t, []string{"ns1." + base + ".", "ns2.example.net."}, names)

	in = query(t, "udp", addr, "ns1."+base+".", mdns.TypeA)
	require.Len(t, in.Answer, 1)
	assert.Equal(t, "10.0.0.53", in.Answer[0].(*mdns.A).A.String())
}

func TestServer_SerialAdvances(t *testing.T) {
	zone, addr := startServer(t)
	before := zone.Serial()

	require.NoError(t, zone.UpsertA(context.Background(), "alice", "1.2.3.4"))
	in := query(t, "udp", addr, base+".", mdns.TypeSOA)
	require.Len(t, in.Answer, 1)
	assert.Greater(t, in.Answer[0].(*mdns.SOA).Serial, before)
}

func TestChecker_WaitForA(t *testing.T) {
	zone, addr := startServer(t)
	checker := dns.NewChecker(addr, "udp", time.Second)
	fqdn := "alice." + base

	_, err := checker.LookupA(context.Background(), fqdn)
	require.ErrorIs(t, err, dns.ErrNXDomain)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = zone.UpsertA(context.Background(), "alice", "1.2.3.4")
	}()

	w := dns.Waiter{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}
	require.NoError(t, checker.WaitForA(context.Background(), w, fqdn, "1.2.3.4"))

	ips, err := checker.LookupA(context.Background(), fqdn)
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.True(t, ips[0].Equal(net.ParseIP("1.2.3.4")))
}

func TestChecker_WaitForATimesOut(t *testing.T) {
	zone, addr := startServer(t)
	require.NoError(t, zone.UpsertA(context.Background(), "alice", "1.2.3.4"))
	checker := dns.NewChecker(addr, "tcp", time.Second)
	w := dns.Waiter{Timeout: 150 * time.Millisecond, Interval: 10 * time.Millisecond}

	err := checker.WaitForA(context.Background(), w, "alice."+base, "5.6.7.8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for alice."+base)

	err = checker.WaitForA(context.Background(), w, "bob."+base, "5.6.7.8")
	assert.True(t, errors.Is(err, dns.ErrNXDomain))
}

func TestWaiter(t *testing.T) {
	calls := 0
	w := dns.Waiter{Timeout: time.Second, Interval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	err := w.WaitFor(context.Background(), "third call", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	assert.Equal(t, 20*time.Second, dns.DefaultWaiter().Timeout)
}
