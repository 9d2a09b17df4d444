package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmerrifield20/sandcats/internal/identity"
)

// GenesisHash is the hash of the entry at index 0. Every chain starts here.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// SystemActor is recorded as the fingerprint of the genesis entry.
const SystemActor = "sandcats-system"

// Action names an ownership event.
type Action string

const (
	ActionGenesis          Action = "genesis"
	ActionRegister         Action = "register"
	ActionRegisterReserved Action = "registerreserved"
	ActionUpdate           Action = "update"
	ActionRecover          Action = "recover"
)

// Entry is one link in the ownership chain.
type Entry struct {
	Index       int       `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	Hostname    string    `json:"hostname"`
	Action      Action    `json:"action"`
	Fingerprint string    `json:"fingerprint"`
	DataHash    string    `json:"data_hash"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

func genesis(now time.Time) *Entry {
	return &Entry{
		Index:       0,
		Timestamp:   now,
		Action:      ActionGenesis,
		Fingerprint: SystemActor,
		DataHash:    GenesisHash,
		PrevHash:    GenesisHash,
		Hash:        GenesisHash,
	}
}

// next builds the entry that follows prev. Timestamps are truncated to
// microseconds so a round trip through PostgreSQL keeps the hash stable.
func next(prev *Entry, now time.Time, hostname string, action Action, fp identity.Fingerprint, dataHash string) *Entry {
	e := &Entry{
		Index:       prev.Index + 1,
		Timestamp:   now.UTC().Truncate(time.Microsecond),
		Hostname:    hostname,
		Action:      action,
		Fingerprint: fp.String(),
		DataHash:    dataHash,
		PrevHash:    prev.Hash,
	}
	e.Hash = hashEntry(e)
	return e
}

// hashEntry must not be called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Hostname, e.Action, e.Fingerprint, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// verifyChain checks entries in index order. walk calls visit for each
// entry and stops at the first error.
func verifyChain(walk func(visit func(*Entry) error) error) error {
	var prev *Entry
	return walk(func(curr *Entry) error {
		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			return nil
		}
		if curr.Index != prev.Index+1 {
			return fmt.Errorf("gap in ledger after index %d", prev.Index)
		}
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
		return nil
	})
}
