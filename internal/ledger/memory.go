package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/sandcats/internal/identity"
)

// MemoryLedger is an in-process Ledger, used by tests and the memory
// storage driver.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// NewMemoryLedger returns a MemoryLedger holding only the genesis entry.
func NewMemoryLedger() *MemoryLedger {
	l := &MemoryLedger{now: time.Now}
	l.entries = append(l.entries, genesis(l.now().UTC()))
	return l
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, hostname string, action Action, fp identity.Fingerprint, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e := next(l.entries[len(l.entries)-1], l.now(), hostname, action, fp, sha256Sum(payloadJSON))
	l.entries = append(l.entries, e)
	cp := *e
	return &cp, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	cp := *l.entries[index]
	return &cp, nil
}

// History implements Ledger.
func (l *MemoryLedger) History(_ context.Context, hostname string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Entry
	for _, e := range l.entries {
		if e.Index > 0 && e.Hostname == hostname {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(func(visit func(*Entry) error) error {
		for _, e := range l.entries {
			if err := visit(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Root implements Ledger.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
