package dns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/sandcats/internal/metrics"
	"github.com/jmerrifield20/sandcats/internal/registry/model"
	"go.uber.org/zap"
)

const (
	defaultQueueSize      = 256
	defaultMaxAttempts    = 5
	defaultPublishTimeout = 5 * time.Second
	defaultInitialBackoff = 250 * time.Millisecond
)

// BridgeConfig holds the Bridge's tunables. Zero values take defaults.
type BridgeConfig struct {
	QueueSize      int
	MaxAttempts    int
	PublishTimeout time.Duration
	InitialBackoff time.Duration
}

// Lister returns every registration. *service.DomainService satisfies it.
type Lister interface {
	List(ctx context.Context) ([]*model.DomainRecord, error)
}

type change struct {
	hostname string
	ip       string
}

// Bridge feeds registry changes to a Publisher asynchronously.
//
// Run and Sync share the Publisher. Sync publishes a snapshot that may be
// older than changes already queued, so it skips any hostname notified since
// the snapshot began, and every UpsertA happens under pubMu so a skip check
// and its publish cannot interleave with Run.
type Bridge struct {
	pub    Publisher
	cfg    BridgeConfig
	logger *zap.Logger
	queue  chan change

	pubMu sync.Mutex

	mu      sync.Mutex
	syncing int
	seq     uint64
	touched map[string]uint64 // hostname -> seq of its latest Notify, while syncing
}

// NewBridge creates a Bridge. Call Run to start publishing.
func NewBridge(pub Publisher, cfg BridgeConfig, logger *zap.Logger) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	return &Bridge{
		pub:     pub,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan change, cfg.QueueSize),
		touched: make(map[string]uint64),
	}
}

// Notify queues an A record change. It never blocks; when the queue is full
// the change is dropped and the next Sync repairs it.
func (b *Bridge) Notify(hostname, ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case b.queue <- change{hostname: hostname, ip: ip}:
		b.seq++
		if b.syncing > 0 {
			b.touched[hostname] = b.seq
		}
	default:
		metrics.RecordDNSPublish("dropped")
		b.logger.Warn("dns queue full; change dropped",
			zap.String("hostname", hostname), zap.String("ip", ip))
	}
}

// Run publishes queued changes until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-b.queue:
			b.pubMu.Lock()
			err := b.publish(ctx, c)
			b.pubMu.Unlock()
			if err != nil {
				b.logger.Error("dns publish failed",
					zap.String("hostname", c.hostname),
					zap.String("ip", c.ip),
					zap.Error(err))
			}
		}
	}
}

// Sync republishes every registration from lister, then bumps the serial
// once. Hostnames notified after Sync started are left to Run. It returns
// the number of records published.
func (b *Bridge) Sync(ctx context.Context, lister Lister) (int, error) {
	start := b.beginSync()
	defer b.endSync()

	recs, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list registrations: %w", err)
	}
	n := 0
	for _, rec := range recs {
		published, err := b.syncOne(ctx, rec, start)
		if err != nil {
			b.logger.Error("dns sync failed",
				zap.String("hostname", rec.Hostname), zap.Error(err))
			continue
		}
		if published {
			n++
		}
	}
	if err := b.attempt(ctx, b.pub.BumpSOA); err != nil {
		return n, fmt.Errorf("bump soa: %w", err)
	}
	return n, nil
}

func (b *Bridge) syncOne(ctx context.Context, rec *model.DomainRecord, start uint64) (bool, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.notifiedSince(rec.Hostname, start) {
		b.logger.Debug("dns sync skipped newer change", zap.String("hostname", rec.Hostname))
		return false, nil
	}
	if err := b.publish(ctx, change{hostname: rec.Hostname, ip: rec.IP}); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Bridge) beginSync() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncing++
	return b.seq
}

func (b *Bridge) endSync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncing--
	if b.syncing == 0 {
		clear(b.touched)
	}
}

func (b *Bridge) notifiedSince(hostname string, start uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.touched[hostname] > start
}

// publish retries UpsertA with doubling backoff.
func (b *Bridge) publish(ctx context.Context, c change) error {
	return b.attempt(ctx, func(ctx context.Context) error {
		return b.pub.UpsertA(ctx, c.hostname, c.ip)
	})
}

func (b *Bridge) attempt(ctx context.Context, fn func(context.Context) error) error {
	backoff := b.cfg.InitialBackoff
	var err error
	for i := 1; ; i++ {
		actx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
		err = fn(actx)
		cancel()
		if err == nil {
			metrics.RecordDNSPublish("success")
			return nil
		}
		if i >= b.cfg.MaxAttempts {
			break
		}
		metrics.RecordDNSPublish("retry")
		b.logger.Warn("dns publish attempt failed",
			zap.Int("attempt", i), zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			metrics.RecordDNSPublish("failure")
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	metrics.RecordDNSPublish("failure")
	return fmt.Errorf("after %d attempts: %w", b.cfg.MaxAttempts, err)
}
