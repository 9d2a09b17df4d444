// Package ledger keeps an append-only, hash-chained record of hostname
// ownership changes.
//
// The chain begins with a genesis entry whose Hash is GenesisHash. Each later
// entry stores the hash of its predecessor, so Verify detects any rewrite.
// Three implementations are provided: MemoryLedger, PostgresLedger and
// BoltLedger.
package ledger

import (
	"context"

	"github.com/jmerrifield20/sandcats/internal/identity"
)

// Ledger is the append-only ownership log.
type Ledger interface {
	// Append chains a new entry. payload is JSON-marshalled and its SHA-256
	// is stored as DataHash.
	Append(ctx context.Context, hostname string, action Action, fp identity.Fingerprint, payload any) (*Entry, error)

	// Get returns the entry at index.
	Get(ctx context.Context, index int) (*Entry, error)

	// History returns the entries for hostname in index order.
	History(ctx context.Context, hostname string) ([]*Entry, error)

	// Len counts entries including genesis.
	Len(ctx context.Context) (int, error)

	// Verify walks the whole chain. nil means intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the newest entry.
	Root(ctx context.Context) (string, error)
}
