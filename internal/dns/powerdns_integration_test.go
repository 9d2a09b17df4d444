//go:build integration

package dns_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sandcats/internal/dns"
)

// Subset of the PowerDNS gpgsql schema that the publisher touches.
const pdnsSchema = `
CREATE TABLE IF NOT EXISTS domains (
  id SERIAL PRIMARY KEY,
  name VARCHAR(255) NOT NULL,
  master VARCHAR(128) DEFAULT NULL,
  last_check INT DEFAULT NULL,
  type TEXT NOT NULL,
  notified_serial BIGINT DEFAULT NULL,
  account VARCHAR(40) DEFAULT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS name_index ON domains(name);
CREATE TABLE IF NOT EXISTS records (
  id BIGSERIAL PRIMARY KEY,
  domain_id INT DEFAULT NULL REFERENCES domains(id) ON DELETE CASCADE,
  name VARCHAR(255) DEFAULT NULL,
  type VARCHAR(10) DEFAULT NULL,
  content VARCHAR(65535) DEFAULT NULL,
  ttl INT DEFAULT NULL,
  prio INT DEFAULT NULL,
  disabled BOOL DEFAULT 'f',
  ordername VARCHAR(255),
  auth BOOL DEFAULT 't'
);`

func TestPowerDNS(t *testing.T) {
	url := os.Getenv("POWERDNS_DATABASE_URL")
	if url == "" {
		t.Skip("POWERDNS_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, pdnsSchema)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DELETE FROM domains WHERE name = $1`, base)
	require.NoError(t, err)

	pdns, err := dns.NewPowerDNS(pool, dns.ZoneConfig{BaseDomain: base, NS1IP: "10.0.0.53"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pdns.EnsureZone(ctx))
	require.NoError(t, pdns.EnsureZone(ctx), "EnsureZone is idempotent")

	before, err := pdns.Serial(ctx)
	require.NoError(t, err)

	require.NoError(t, pdns.UpsertA(ctx, "alice", "1.2.3.4"))
	require.NoError(t, pdns.UpsertA(ctx, "alice", "5.6.7.8"))

	rows, err := pool.Query(ctx,
		`SELECT r.name, r.content FROM records r JOIN domains d ON d.id = r.domain_id
		 WHERE d.name = $1 AND r.type = 'A' AND r.name LIKE '%alice%' ORDER BY r.name`, base)
	require.NoError(t, err)
	defer rows.Close()
	got := map[string]string{}
	for rows.Next() {
		var name, content string
		require.NoError(t, rows.Scan(&name, &content))
		got[name] = content
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, map[string]string{
		"alice." + base:   "5.6.7.8",
		"*.alice." + base: "5.6.7.8",
	}, got)

	after, err := pdns.Serial(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after, before+2)
}
