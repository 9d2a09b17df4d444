package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Server answers queries for a Zone over UDP and TCP.
type Server struct {
	zone   *Zone
	logger *zap.Logger

	mu sync.Mutex
	pc net.PacketConn
	l  net.Listener
}

// NewServer creates a Server for zone.
func NewServer(zone *Zone, logger *zap.Logger) *Server {
	return &Server{zone: zone, logger: logger}
}

// Listen binds UDP and TCP on addr. With port 0 both sockets share the port
// the kernel picked for UDP.
func (s *Server) Listen(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("dns listen udp: %w", err)
	}
	l, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		return fmt.Errorf("dns listen tcp: %w", err)
	}
	s.mu.Lock()
	s.pc, s.l = pc, l
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return ""
	}
	return s.pc.LocalAddr().String()
}

// Serve answers queries until ctx is cancelled. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	pc, l := s.pc, s.l
	s.mu.Unlock()
	if pc == nil || l == nil {
		return errors.New("dns: Serve called before Listen")
	}

	handler := dns.HandlerFunc(s.handle)
	errs := make(chan error, 2)
	go func() { errs <- dns.ActivateAndServe(nil, pc, handler) }()
	go func() { errs <- dns.ActivateAndServe(l, nil, handler) }()

	s.logger.Info("dns server listening",
		zap.String("addr", pc.LocalAddr().String()),
		zap.String("zone", s.zone.cfg.Origin()))

	select {
	case <-ctx.Done():
		pc.Close()
		l.Close()
		return nil
	case err := <-errs:
		pc.Close()
		l.Close()
		return fmt.Errorf("dns serve: %w", err)
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	defer func() {
		if x := recover(); x != nil {
			s.logger.Error("dns handler panic", zap.Any("panic", x))
		}
	}()

	reply := s.answer(req)
	if err := w.WriteMsg(reply); err != nil {
		s.logger.Debug("dns write failed", zap.Error(err))
	}
}

// answer builds the reply for req.
func (s *Server) answer(req *dns.Msg) *dns.Msg {
	reply := new(dns.Msg)

	if len(req.Question) != 1 || req.Question[0].Qclass != dns.ClassINET {
		return reply.SetRcode(req, dns.RcodeNotImplemented)
	}
	q := req.Question[0]
	name := strings.ToLower(q.Name)

	n := s.zone.resolve(name)
	if n.kind == nodeOutside {
		return reply.SetRcode(req, dns.RcodeRefused)
	}

	reply.SetRcode(req, dns.RcodeSuccess)
	reply.Authoritative = true
	cfg := s.zone.cfg

	switch n.kind {
	case nodeApex:
		if wants(q.Qtype, dns.TypeSOA) {
			reply.Answer = append(reply.Answer, s.soa())
		}
		if wants(q.Qtype, dns.TypeNS) {
			for _, ns := range []string{cfg.NS1, cfg.NS2} {
				if ns == "" {
					continue
				}
				reply.Answer = append(reply.Answer, &dns.NS{
					Hdr: header(cfg.Origin(), dns.TypeNS, cfg.TTL),
					Ns:  ns + ".",
				})
			}
		}
	case nodeHost:
		if wants(q.Qtype, dns.TypeA) {
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: header(q.Name, dns.TypeA, cfg.TTL),
				A:   n.ip,
			})
		}
	case nodeMissing:
		reply.Rcode = dns.RcodeNameError
	}

	// RFC 2308: negative answers carry the SOA in the authority section.
	if reply.Rcode == dns.RcodeNameError || len(reply.Answer) == 0 {
		reply.Ns = append(reply.Ns, s.soa())
	}
	return reply
}

func (s *Server) soa() *dns.SOA {
	cfg := s.zone.cfg
	return &dns.SOA{
		Hdr:     header(cfg.Origin(), dns.TypeSOA, soaMinTTL),
		Ns:      cfg.NS1 + ".",
		Mbox:    cfg.Mbox(),
		Serial:  s.zone.Serial(),
		Refresh: soaRefresh,
		Retry:   soaRetry,
		Expire:  soaExpire,
		Minttl:  soaMinTTL,
	}
}

func header(name string, rrtype uint16, ttl uint32) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: ttl}
}

// wants reports whether a question of type qtype asks for records of type t.
func wants(qtype, t uint16) bool {
	return qtype == t || qtype == dns.TypeANY
}
