package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/sandcats/internal/identity"
	"go.uber.org/zap"
)

// advisoryLockKey serialises Append across every server sharing the database.
const advisoryLockKey = int64(0x5a4dca75)

const selectEntry = `SELECT idx, timestamp, hostname, action, fingerprint, data_hash, prev_hash, hash FROM ownership_ledger`

// PostgresLedger stores the chain in the ownership_ledger table.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger. The genesis row is created by
// migration 002.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// Append implements Ledger.
func (l *PostgresLedger) Append(ctx context.Context, hostname string, action Action, fp identity.Fingerprint, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	prev, err := scanEntry(tx.QueryRow(ctx, selectEntry+" ORDER BY idx DESC LIMIT 1"))
	if err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	e := next(prev, time.Now(), hostname, action, fp, sha256Sum(payloadJSON))
	if _, err := tx.Exec(ctx,
		`INSERT INTO ownership_ledger (idx, timestamp, hostname, action, fingerprint, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Index, e.Timestamp, e.Hostname, string(e.Action), e.Fingerprint, e.DataHash, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("ledger entry appended",
		zap.Int("idx", e.Index),
		zap.String("action", string(e.Action)),
		zap.String("hostname", e.Hostname),
	)
	return e, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx, selectEntry+" WHERE idx = $1", index))
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", index, err)
	}
	return e, nil
}

// History implements Ledger.
func (l *PostgresLedger) History(ctx context.Context, hostname string) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx, selectEntry+" WHERE hostname = $1 AND idx > 0 ORDER BY idx ASC", hostname)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ownership_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Verify implements Ledger. It streams every row, so it is linear in the
// ledger length.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, selectEntry+" ORDER BY idx ASC")
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	err = verifyChain(func(visit func(*Entry) error) error {
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			if err := visit(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return rows.Err()
}

// Root implements Ledger.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM ownership_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e      Entry
		action string
	)
	if err := row.Scan(&e.Index, &e.Timestamp, &e.Hostname, &action,
		&e.Fingerprint, &e.DataHash, &e.PrevHash, &e.Hash); err != nil {
		return nil, fmt.Errorf("scan ledger row: %w", err)
	}
	e.Action = Action(action)
	return &e, nil
}
