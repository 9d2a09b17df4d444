// Package udpping answers liveness probes from installed clients.
//
// A probe is one datagram "<hostname> <nonce>" where the nonce is exactly
// 16 bytes. In "match" mode the responder echoes the nonce when the sender's
// address is the IP on record for hostname, and stays silent otherwise. In
// "mismatch" mode the meaning flips: a reply tells the client its IP
// changed. Silence is the only negative signal; malformed probes are dropped.
package udpping

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/sandcats/internal/metrics"
)

// NonceLen is the exact nonce length in bytes.
const NonceLen = 16

// Reply modes.
const (
	ReplyOnMatch    = "match"
	ReplyOnMismatch = "mismatch"
)

const (
	maxDatagram          = 512
	defaultLookupTimeout = 2 * time.Second
)

// IPLookup returns the IP on record for a raw hostname.
// *service.DomainService satisfies it.
type IPLookup interface {
	CurrentIP(ctx context.Context, rawHostname string) (ip string, ok bool, err error)
}

// Config holds the responder's settings.
type Config struct {
	ReplyOn       string        // ReplyOnMatch (default) or ReplyOnMismatch
	LookupTimeout time.Duration // per-probe registry lookup bound
}

// Responder is the UDP liveness responder.
type Responder struct {
	lookup IPLookup
	cfg    Config
	logger *zap.Logger

	mu sync.Mutex
	pc net.PacketConn
	wg sync.WaitGroup
}

// NewResponder validates cfg and creates a Responder.
func NewResponder(lookup IPLookup, cfg Config, logger *zap.Logger) (*Responder, error) {
	switch cfg.ReplyOn {
	case "":
		cfg.ReplyOn = ReplyOnMatch
	case ReplyOnMatch, ReplyOnMismatch:
	default:
		return nil, fmt.Errorf("udpping: unknown reply mode %q", cfg.ReplyOn)
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	return &Responder{lookup: lookup, cfg: cfg, logger: logger}, nil
}

// Listen binds the UDP socket.
func (r *Responder) Listen(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("udpping listen: %w", err)
	}
	r.mu.Lock()
	r.pc = pc
	r.mu.Unlock()
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (r *Responder) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pc == nil {
		return ""
	}
	return r.pc.LocalAddr().String()
}

// Serve handles probes until ctx is cancelled, then waits for in-flight
// probes to finish.
func (r *Responder) Serve(ctx context.Context) error {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return errors.New("udpping: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	defer r.wg.Wait()

	r.logger.Info("udp liveness responder listening",
		zap.String("addr", pc.LocalAddr().String()),
		zap.String("reply_on", r.cfg.ReplyOn))

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("udpping read: %w", err)
		}
		data := string(buf[:n])
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(ctx, pc, from, data)
		}()
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (r *Responder) ListenAndServe(ctx context.Context, addr string) error {
	if err := r.Listen(addr); err != nil {
		return err
	}
	return r.Serve(ctx)
}

func (r *Responder) handle(ctx context.Context, pc net.PacketConn, from net.Addr, data string) {
	hostname, nonce, ok := Parse(data)
	if !ok {
		metrics.RecordUDPProbe("malformed")
		return
	}
	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}

	lctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	ip, found, err := r.lookup.CurrentIP(lctx, hostname)
	cancel()
	if err != nil {
		r.logger.Warn("udp probe lookup failed", zap.String("hostname", hostname), zap.Error(err))
		metrics.RecordUDPProbe("silent")
		return
	}

	match := found && sameIP(udpAddr.IP, ip)
	reply := match
	if r.cfg.ReplyOn == ReplyOnMismatch {
		reply = !match
	}
	if !reply {
		metrics.RecordUDPProbe("silent")
		return
	}
	if _, err := pc.WriteTo([]byte(nonce), from); err != nil {
		r.logger.Debug("udp reply failed", zap.String("to", from.String()), zap.Error(err))
		return
	}
	metrics.RecordUDPProbe("replied")
}

// Parse splits a probe into hostname and nonce.
func Parse(data string) (hostname, nonce string, ok bool) {
	hostname, nonce, found := strings.Cut(data, " ")
	if !found || hostname == "" || len(nonce) != NonceLen {
		return "", "", false
	}
	return hostname, nonce, true
}

// Format builds a probe datagram.
func Format(hostname, nonce string) []byte {
	return []byte(hostname + " " + nonce)
}

func sameIP(a net.IP, b string) bool {
	ip := net.ParseIP(b)
	return ip != nil && a.Equal(ip)
}
