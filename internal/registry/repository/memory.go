package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/sandcats/internal/identity"
	"github.com/jmerrifield20/sandcats/internal/registry/model"
	"github.com/jmerrifield20/sandcats/internal/token"
)

// MemoryRepository keeps the registry in process memory. Every method runs
// under one mutex, so each check-then-mutate sequence is atomic.
type MemoryRepository struct {
	mu            sync.RWMutex
	domains       map[string]*model.DomainRecord
	byFingerprint map[identity.Fingerprint]string
	reservations  map[string]*model.Reservation
	recovery      map[string]*model.RecoveryToken
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		domains:       make(map[string]*model.DomainRecord),
		byFingerprint: make(map[identity.Fingerprint]string),
		reservations:  make(map[string]*model.Reservation),
		recovery:      make(map[string]*model.RecoveryToken),
	}
}

// GetByHostname returns the record for hostname.
func (m *MemoryRepository) GetByHostname(_ context.Context, hostname string) (*model.DomainRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.domains[hostname]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// GetByFingerprint returns the record owned by fp.
func (m *MemoryRepository) GetByFingerprint(_ context.Context, fp identity.Fingerprint) (*model.DomainRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.byFingerprint[fp]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.domains[host]
	return &cp, nil
}

// IsReserved reports whether hostname has a live reservation at now.
func (m *MemoryRepository) IsReserved(_ context.Context, hostname string, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.reservations[hostname]
	return ok && res.Live(now), nil
}

// Create inserts rec. The hostname must be neither registered nor reserved
// and the fingerprint must not own another hostname.
func (m *MemoryRepository) Create(_ context.Context, rec *model.DomainRecord, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.domains[rec.Hostname]; ok {
		return ErrHostnameTaken
	}
	if res, ok := m.reservations[rec.Hostname]; ok && res.Live(now) {
		return ErrHostnameTaken
	}
	if _, ok := m.byFingerprint[rec.Fingerprint]; ok {
		return ErrFingerprintTaken
	}
	m.insertLocked(rec, now)
	return nil
}

// UpdateIP sets the IP of hostname if fp owns it.
func (m *MemoryRepository) UpdateIP(_ context.Context, hostname string, fp identity.Fingerprint, ip string, now time.Time) (*model.DomainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.domains[hostname]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Fingerprint != fp {
		return nil, ErrWrongKey
	}
	rec.IP = ip
	rec.UpdatedAt = now
	cp := *rec
	return &cp, nil
}

// Reserve stores res unless its hostname is registered or already has a
// live reservation. An expired reservation is replaced.
func (m *MemoryRepository) Reserve(_ context.Context, res *model.Reservation, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.domains[res.Hostname]; ok {
		return ErrHostnameTaken
	}
	if old, ok := m.reservations[res.Hostname]; ok && old.Live(now) {
		return ErrHostnameTaken
	}
	cp := *res
	m.reservations[res.Hostname] = &cp
	return nil
}

// ClaimReservation turns a live reservation into a DomainRecord owned by
// rec.Fingerprint at rec.IP. The reservation's email is used and the
// reservation is removed.
func (m *MemoryRepository) ClaimReservation(_ context.Context, plainToken string, rec *model.DomainRecord, now time.Time) (*model.DomainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.domains[rec.Hostname]; ok {
		return nil, ErrHostnameTaken
	}
	if _, ok := m.byFingerprint[rec.Fingerprint]; ok {
		return nil, ErrFingerprintTaken
	}
	res, ok := m.reservations[rec.Hostname]
	if !ok || !res.Live(now) || !token.Matches(res.TokenHash, plainToken) {
		return nil, ErrReservationInvalid
	}

	rec.Email = res.Email
	m.insertLocked(rec, now)
	delete(m.reservations, rec.Hostname)
	cp := *rec
	return &cp, nil
}

// PutRecoveryToken stores tok as the only recovery token of its hostname.
func (m *MemoryRepository) PutRecoveryToken(_ context.Context, tok *model.RecoveryToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[tok.Hostname]; !ok {
		return ErrNotFound
	}
	cp := *tok
	m.recovery[tok.Hostname] = &cp
	return nil
}

// Recover consumes the recovery token of hostname and transfers ownership
// to fp. Nothing changes unless every check passes.
func (m *MemoryRepository) Recover(_ context.Context, hostname, plainToken string, fp identity.Fingerprint, now time.Time) (*model.DomainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.domains[hostname]
	if !ok {
		return nil, ErrNotFound
	}
	tok, ok := m.recovery[hostname]
	if !ok || !tok.Usable(now) || !token.Matches(tok.TokenHash, plainToken) {
		return nil, ErrRecoveryTokenInvalid
	}
	if owner, ok := m.byFingerprint[fp]; ok && owner != hostname {
		return nil, ErrFingerprintTaken
	}

	used := now
	tok.UsedAt = &used
	delete(m.byFingerprint, rec.Fingerprint)
	rec.Fingerprint = fp
	rec.UpdatedAt = now
	m.byFingerprint[fp] = hostname
	cp := *rec
	return &cp, nil
}

// DeleteExpired removes expired reservations and dead recovery tokens.
func (m *MemoryRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for host, res := range m.reservations {
		if !res.Live(now) {
			delete(m.reservations, host)
			n++
		}
	}
	for host, tok := range m.recovery {
		if !tok.Usable(now) {
			delete(m.recovery, host)
			n++
		}
	}
	return n, nil
}

// List returns every record ordered by hostname.
func (m *MemoryRepository) List(_ context.Context) ([]*model.DomainRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.DomainRecord, 0, len(m.domains))
	for _, rec := range m.domains {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (m *MemoryRepository) insertLocked(rec *model.DomainRecord, now time.Time) {
	rec.ID = uuid.New()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	cp := *rec
	m.domains[rec.Hostname] = &cp
	m.byFingerprint[rec.Fingerprint] = rec.Hostname
}
