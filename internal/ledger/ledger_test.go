package ledger_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/sandcats/internal/identity"
	"github.com/jmerrifield20/sandcats/internal/ledger"
	bolt "go.etcd.io/bbolt"
)

var ctx = context.Background()

var fpA = identity.Fingerprint(strings.Repeat("a", identity.FingerprintLength))

type factory func(t *testing.T) ledger.Ledger

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T) ledger.Ledger { return ledger.NewMemoryLedger() },
		"bolt": func(t *testing.T) ledger.Ledger {
			db, err := bolt.Open(filepath.Join(t.TempDir(), "ledger.db"), 0o600, nil)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { db.Close() })
			l, err := ledger.NewBoltLedger(db)
			if err != nil {
				t.Fatal(err)
			}
			return l
		},
	}
}

func TestGenesisEntry(t *testing.T) {
	for name, newLedger := range backends() {
		t.Run(name, func(t *testing.T) {
			l := newLedger(t)
			n, err := l.Len(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("expected 1 genesis entry, got %d", n)
			}
			e, err := l.Get(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			if e.Action != ledger.ActionGenesis || e.Hash != ledger.GenesisHash {
				t.Errorf("genesis = %+v", e)
			}
			root, err := l.Root(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if root != ledger.GenesisHash {
				t.Errorf("Root() on genesis-only: got %q", root)
			}
			if err := l.Verify(ctx); err != nil {
				t.Errorf("Verify() on genesis-only chain: %v", err)
			}
		})
	}
}

func TestAppendChains(t *testing.T) {
	for name, newLedger := range backends() {
		t.Run(name, func(t *testing.T) {
			l := newLedger(t)
			e1, err := l.Append(ctx, "benb", ledger.ActionRegister, fpA, map[string]string{"ip": "127.0.0.1"})
			if err != nil {
				t.Fatal(err)
			}
			e2, err := l.Append(ctx, "benb", ledger.ActionUpdate, fpA, nil)
			if err != nil {
				t.Fatal(err)
			}
			if e2.PrevHash != e1.Hash {
				t.Errorf("chain broken: e2.PrevHash=%q, want %q", e2.PrevHash, e1.Hash)
			}
			if e1.Index != 1 || e2.Index != 2 {
				t.Errorf("indexes = %d, %d", e1.Index, e2.Index)
			}
			if _, err := l.Append(ctx, "other", ledger.ActionRegister, fpA, nil); err != nil {
				t.Fatal(err)
			}

			n, _ := l.Len(ctx)
			if n != 4 {
				t.Errorf("Len = %d, want 4", n)
			}
			root, _ := l.Root(ctx)
			last, _ := l.Get(ctx, 3)
			if root != last.Hash {
				t.Errorf("Root = %q, want %q", root, last.Hash)
			}
			if err := l.Verify(ctx); err != nil {
				t.Errorf("Verify: %v", err)
			}

			hist, err := l.History(ctx, "benb")
			if err != nil {
				t.Fatal(err)
			}
			if len(hist) != 2 || hist[0].Action != ledger.ActionRegister || hist[1].Action != ledger.ActionUpdate {
				t.Errorf("History = %+v", hist)
			}
		})
	}
}

func TestGetOutOfRange(t *testing.T) {
	for name, newLedger := range backends() {
		t.Run(name, func(t *testing.T) {
			if _, err := newLedger(t).Get(ctx, 7); err == nil {
				t.Error("expected error for missing index")
			}
		})
	}
}

func TestBoltLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.NewBoltLedger(db)
	if err != nil {
		t.Fatal(err)
	}
	e, err := l.Append(ctx, "benb", ledger.ActionRegister, fpA, nil)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	l, err = ledger.NewBoltLedger(db)
	if err != nil {
		t.Fatal(err)
	}
	root, _ := l.Root(ctx)
	if root != e.Hash {
		t.Errorf("Root after reopen = %q, want %q", root, e.Hash)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify after reopen: %v", err)
	}
}
