package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/sandcats/internal/identity"
	"github.com/jmerrifield20/sandcats/internal/registry/model"
	"github.com/jmerrifield20/sandcats/internal/token"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRegistrations = []byte("registrations")
	bucketFingerprints  = []byte("fingerprints")
	bucketReservations  = []byte("reservations")
	bucketRecovery      = []byte("recovery_tokens")
)

// BoltRepository stores the registry in a single bbolt file. bbolt allows
// one writer at a time, so every Update transaction is serialised.
type BoltRepository struct {
	db *bolt.DB
}

// OpenBoltRepository opens (or creates) the database at path and ensures
// the buckets exist.
func OpenBoltRepository(path string) (*BoltRepository, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRegistrations, bucketFingerprints, bucketReservations, bucketRecovery} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltRepository{db: db}, nil
}

// DB exposes the underlying handle so other components (the ownership
// ledger) can share the file.
func (r *BoltRepository) DB() *bolt.DB { return r.db }

// Ping reports whether the database is still open.
func (r *BoltRepository) Ping(context.Context) error {
	return r.db.View(func(*bolt.Tx) error { return nil })
}

// Close closes the database.
func (r *BoltRepository) Close() error { return r.db.Close() }

// GetByHostname returns the record for hostname.
func (r *BoltRepository) GetByHostname(_ context.Context, hostname string) (*model.DomainRecord, error) {
	var rec *model.DomainRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, hostname)
		return err
	})
	return rec, err
}

// GetByFingerprint returns the record owned by fp.
func (r *BoltRepository) GetByFingerprint(_ context.Context, fp identity.Fingerprint) (*model.DomainRecord, error) {
	var rec *model.DomainRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		host := tx.Bucket(bucketFingerprints).Get([]byte(fp))
		if host == nil {
			return ErrNotFound
		}
		var err error
		rec, err = getRecord(tx, string(host))
		return err
	})
	return rec, err
}

// IsReserved reports whether hostname has a live reservation at now.
func (r *BoltRepository) IsReserved(_ context.Context, hostname string, now time.Time) (bool, error) {
	var reserved bool
	err := r.db.View(func(tx *bolt.Tx) error {
		res, err := getReservation(tx, hostname)
		if err != nil {
			return err
		}
		reserved = res != nil && res.Live(now)
		return nil
	})
	return reserved, err
}

// Create inserts rec unless the hostname is registered or reserved, or the
// fingerprint already owns a hostname.
func (r *BoltRepository) Create(_ context.Context, rec *model.DomainRecord, now time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRegistrations).Get([]byte(rec.Hostname)) != nil {
			return ErrHostnameTaken
		}
		res, err := getReservation(tx, rec.Hostname)
		if err != nil {
			return err
		}
		if res != nil && res.Live(now) {
			return ErrHostnameTaken
		}
		if tx.Bucket(bucketFingerprints).Get([]byte(rec.Fingerprint)) != nil {
			return ErrFingerprintTaken
		}
		rec.ID = uuid.New()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		return putRecord(tx, rec)
	})
}

// UpdateIP sets the IP of hostname if fp owns it.
func (r *BoltRepository) UpdateIP(_ context.Context, hostname string, fp identity.Fingerprint, ip string, now time.Time) (*model.DomainRecord, error) {
	var rec *model.DomainRecord
	err := r.db.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, hostname)
		if err != nil {
			return err
		}
		if rec.Fingerprint != fp {
			return ErrWrongKey
		}
		rec.IP = ip
		rec.UpdatedAt = now
		return putJSON(tx.Bucket(bucketRegistrations), hostname, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Reserve stores res unless its hostname is registered or has a live reservation.
func (r *BoltRepository) Reserve(_ context.Context, res *model.Reservation, now time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRegistrations).Get([]byte(res.Hostname)) != nil {
			return ErrHostnameTaken
		}
		old, err := getReservation(tx, res.Hostname)
		if err != nil {
			return err
		}
		if old != nil && old.Live(now) {
			return ErrHostnameTaken
		}
		return putJSON(tx.Bucket(bucketReservations), res.Hostname, res)
	})
}

// ClaimReservation registers rec using a live reservation for its hostname
// and deletes the reservation.
func (r *BoltRepository) ClaimReservation(_ context.Context, plainToken string, rec *model.DomainRecord, now time.Time) (*model.DomainRecord, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRegistrations).Get([]byte(rec.Hostname)) != nil {
			return ErrHostnameTaken
		}
		if tx.Bucket(bucketFingerprints).Get([]byte(rec.Fingerprint)) != nil {
			return ErrFingerprintTaken
		}
		res, err := getReservation(tx, rec.Hostname)
		if err != nil {
			return err
		}
		if res == nil || !res.Live(now) || !token.Matches(res.TokenHash, plainToken) {
			return ErrReservationInvalid
		}

		rec.ID = uuid.New()
		rec.Email = res.Email
		rec.CreatedAt = now
		rec.UpdatedAt = now
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		return tx.Bucket(bucketReservations).Delete([]byte(rec.Hostname))
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PutRecoveryToken stores tok as the only recovery token of its hostname.
func (r *BoltRepository) PutRecoveryToken(_ context.Context, tok *model.RecoveryToken) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRegistrations).Get([]byte(tok.Hostname)) == nil {
			return ErrNotFound
		}
		return putJSON(tx.Bucket(bucketRecovery), tok.Hostname, tok)
	})
}

// Recover consumes hostname's recovery token and transfers ownership to fp.
func (r *BoltRepository) Recover(_ context.Context, hostname, plainToken string, fp identity.Fingerprint, now time.Time) (*model.DomainRecord, error) {
	var rec *model.DomainRecord
	err := r.db.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, hostname)
		if err != nil {
			return err
		}

		var tok model.RecoveryToken
		data := tx.Bucket(bucketRecovery).Get([]byte(hostname))
		if data == nil {
			return ErrRecoveryTokenInvalid
		}
		if err := json.Unmarshal(data, &tok); err != nil {
			return fmt.Errorf("decode recovery token: %w", err)
		}
		if !tok.Usable(now) || !token.Matches(tok.TokenHash, plainToken) {
			return ErrRecoveryTokenInvalid
		}

		fps := tx.Bucket(bucketFingerprints)
		if owner := fps.Get([]byte(fp)); owner != nil && string(owner) != hostname {
			return ErrFingerprintTaken
		}

		used := now
		tok.UsedAt = &used
		if err := putJSON(tx.Bucket(bucketRecovery), hostname, &tok); err != nil {
			return err
		}
		if err := fps.Delete([]byte(rec.Fingerprint)); err != nil {
			return err
		}
		rec.Fingerprint = fp
		rec.UpdatedAt = now
		return putRecord(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteExpired removes expired reservations and dead recovery tokens.
func (r *BoltRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		var stale [][]byte
		err := tx.Bucket(bucketReservations).ForEach(func(k, v []byte) error {
			var res model.Reservation
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			if !res.Live(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := tx.Bucket(bucketReservations).Delete(k); err != nil {
				return err
			}
		}
		n += int64(len(stale))

		stale = stale[:0]
		err = tx.Bucket(bucketRecovery).ForEach(func(k, v []byte) error {
			var tok model.RecoveryToken
			if err := json.Unmarshal(v, &tok); err != nil {
				return err
			}
			if !tok.Usable(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := tx.Bucket(bucketRecovery).Delete(k); err != nil {
				return err
			}
		}
		n += int64(len(stale))
		return nil
	})
	return n, err
}

// List returns every record ordered by hostname.
func (r *BoltRepository) List(_ context.Context) ([]*model.DomainRecord, error) {
	var out []*model.DomainRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistrations).ForEach(func(_, v []byte) error {
			var rec model.DomainRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, err
}

func getRecord(tx *bolt.Tx, hostname string) (*model.DomainRecord, error) {
	data := tx.Bucket(bucketRegistrations).Get([]byte(hostname))
	if data == nil {
		return nil, ErrNotFound
	}
	var rec model.DomainRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	return &rec, nil
}

func getReservation(tx *bolt.Tx, hostname string) (*model.Reservation, error) {
	data := tx.Bucket(bucketReservations).Get([]byte(hostname))
	if data == nil {
		return nil, nil
	}
	var res model.Reservation
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode reservation: %w", err)
	}
	return &res, nil
}

// putRecord writes rec and its fingerprint index entry.
func putRecord(tx *bolt.Tx, rec *model.DomainRecord) error {
	if err := putJSON(tx.Bucket(bucketRegistrations), rec.Hostname, rec); err != nil {
		return err
	}
	return tx.Bucket(bucketFingerprints).Put([]byte(rec.Fingerprint), []byte(rec.Hostname))
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
