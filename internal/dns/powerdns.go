package dns

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PowerDNS publishes records by writing the generic PostgreSQL backend
// (gpgsql) tables of a PowerDNS authoritative server.
type PowerDNS struct {
	pool   *pgxpool.Pool
	cfg    ZoneConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewPowerDNS creates a PowerDNS publisher for the zone described by cfg.
func NewPowerDNS(pool *pgxpool.Pool, cfg ZoneConfig, logger *zap.Logger) (*PowerDNS, error) {
	if err := cfg.init(); err != nil {
		return nil, err
	}
	return &PowerDNS{pool: pool, cfg: cfg, logger: logger, now: time.Now}, nil
}

// EnsureZone creates the domain row plus the SOA, NS and glue records when
// they are missing.
func (p *PowerDNS) EnsureZone(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO domains (name, type) VALUES ($1, 'NATIVE') ON CONFLICT (name) DO NOTHING`,
		p.cfg.BaseDomain,
	); err != nil {
		return fmt.Errorf("insert domain: %w", err)
	}
	id, err := p.domainID(ctx, tx)
	if err != nil {
		return err
	}

	var n int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM records WHERE domain_id = $1 AND type = 'SOA'`, id,
	).Scan(&n); err != nil {
		return fmt.Errorf("count soa: %w", err)
	}
	if n > 0 {
		return tx.Commit(ctx)
	}

	base := p.cfg.BaseDomain
	recs := [][2]string{{"SOA", p.cfg.soaContent(TimeSerial(p.now()))}, {"NS", p.cfg.NS1}}
	if p.cfg.NS2 != "" {
		recs = append(recs, [2]string{"NS", p.cfg.NS2})
	}
	for _, r := range recs {
		if err := insertRecord(ctx, tx, id, base, r[0], r[1], soaMinTTL); err != nil {
			return err
		}
	}
	if p.cfg.ns1InZone() {
		if err := insertRecord(ctx, tx, id, p.cfg.NS1, "A", p.cfg.NS1IP, p.cfg.TTL); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	p.logger.Info("created powerdns zone", zap.String("zone", base))
	return nil
}

// UpsertA replaces the host and wildcard A records and bumps the serial in
// one transaction.
func (p *PowerDNS) UpsertA(ctx context.Context, hostname, ip string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	id, err := p.domainID(ctx, tx)
	if err != nil {
		return err
	}
	host := hostname + "." + p.cfg.BaseDomain
	wildcard := "*." + host

	if _, err := tx.Exec(ctx,
		`DELETE FROM records WHERE domain_id = $1 AND name IN ($2, $3)`, id, host, wildcard,
	); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	for _, name := range []string{host, wildcard} {
		if err := insertRecord(ctx, tx, id, name, "A", ip, p.cfg.TTL); err != nil {
			return err
		}
	}
	if err := p.bump(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// BumpSOA advances the zone serial.
func (p *PowerDNS) BumpSOA(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	id, err := p.domainID(ctx, tx)
	if err != nil {
		return err
	}
	if err := p.bump(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Serial returns the serial currently stored in the SOA record.
func (p *PowerDNS) Serial(ctx context.Context) (uint32, error) {
	var content string
	err := p.pool.QueryRow(ctx,
		`SELECT r.content FROM records r JOIN domains d ON d.id = r.domain_id
		 WHERE d.name = $1 AND r.type = 'SOA'`, p.cfg.BaseDomain,
	).Scan(&content)
	if err != nil {
		return 0, fmt.Errorf("read soa: %w", err)
	}
	return parseSerial(content)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (p *PowerDNS) domainID(ctx context.Context, tx pgx.Tx) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM domains WHERE name = $1`, p.cfg.BaseDomain).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("zone %s does not exist in powerdns", p.cfg.BaseDomain)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup zone: %w", err)
	}
	return id, nil
}

// bump rewrites the SOA content with the next serial. The row lock
// serializes concurrent bumps.
func (p *PowerDNS) bump(ctx context.Context, tx pgx.Tx, domainID int64) error {
	var (
		recID   int64
		content string
	)
	err := tx.QueryRow(ctx,
		`SELECT id, content FROM records WHERE domain_id = $1 AND type = 'SOA' FOR UPDATE`, domainID,
	).Scan(&recID, &content)
	if err != nil {
		return fmt.Errorf("lock soa: %w", err)
	}
	prev, err := parseSerial(content)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE records SET content = $1 WHERE id = $2`,
		p.cfg.soaContent(NextSerial(prev, p.now())), recID,
	); err != nil {
		return fmt.Errorf("update soa: %w", err)
	}
	return nil
}

func insertRecord(ctx context.Context, tx pgx.Tx, domainID int64, name, typ, content string, ttl uint32) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO records (domain_id, name, type, content, ttl, prio, disabled, auth)
		 VALUES ($1, $2, $3, $4, $5, 0, false, true)`,
		domainID, name, typ, content, int64(ttl),
	)
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", typ, name, err)
	}
	return nil
}

// parseSerial extracts the serial (third field) from SOA content.
func parseSerial(content string) (uint32, error) {
	fields := strings.Fields(content)
	if len(fields) < 3 {
		return 0, fmt.Errorf("malformed soa content %q", content)
	}
	n, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed soa serial %q: %w", fields[2], err)
	}
	return uint32(n), nil
}
