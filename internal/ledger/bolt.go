package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmerrifield20/sandcats/internal/identity"
	bolt "go.etcd.io/bbolt"
)

var bucketLedger = []byte("ownership_ledger")

// BoltLedger stores the chain in a bbolt bucket keyed by big-endian index,
// so cursor order is chain order.
type BoltLedger struct {
	db *bolt.DB
}

// NewBoltLedger creates the bucket in db and writes the genesis entry if the
// bucket is empty. db is usually shared with the bolt registry store.
func NewBoltLedger(db *bolt.DB) (*BoltLedger, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketLedger)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketLedger, err)
		}
		if k, _ := b.Cursor().First(); k != nil {
			return nil
		}
		return putEntry(b, genesis(time.Now().UTC()))
	})
	if err != nil {
		return nil, err
	}
	return &BoltLedger{db: db}, nil
}

// Append implements Ledger.
func (l *BoltLedger) Append(_ context.Context, hostname string, action Action, fp identity.Fingerprint, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var e *Entry
	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLedger)
		_, v := b.Cursor().Last()
		var prev Entry
		if err := json.Unmarshal(v, &prev); err != nil {
			return fmt.Errorf("read ledger tail: %w", err)
		}
		e = next(&prev, time.Now(), hostname, action, fp, sha256Sum(payloadJSON))
		return putEntry(b, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Get implements Ledger.
func (l *BoltLedger) Get(_ context.Context, index int) (*Entry, error) {
	var e Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLedger).Get(indexKey(index))
		if v == nil {
			return fmt.Errorf("index %d out of range", index)
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// History implements Ledger.
func (l *BoltLedger) History(_ context.Context, hostname string) ([]*Entry, error) {
	var out []*Entry
	err := l.each(func(e *Entry) error {
		if e.Index > 0 && e.Hostname == hostname {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Len implements Ledger.
func (l *BoltLedger) Len(_ context.Context) (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketLedger).Stats().KeyN
		return nil
	})
	return n, err
}

// Verify implements Ledger.
func (l *BoltLedger) Verify(_ context.Context) error {
	return verifyChain(l.each)
}

// Root implements Ledger.
func (l *BoltLedger) Root(_ context.Context) (string, error) {
	var e Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketLedger).Cursor().Last()
		return json.Unmarshal(v, &e)
	})
	return e.Hash, err
}

func (l *BoltLedger) each(visit func(*Entry) error) error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLedger).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode ledger entry: %w", err)
			}
			return visit(&e)
		})
	})
}

func putEntry(b *bolt.Bucket, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put(indexKey(e.Index), data)
}

func indexKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}
