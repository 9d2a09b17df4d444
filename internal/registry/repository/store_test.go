package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/sandcats/internal/identity"
	"github.com/jmerrifield20/sandcats/internal/registry/model"
	"github.com/jmerrifield20/sandcats/internal/registry/repository"
	"github.com/jmerrifield20/sandcats/internal/token"
	"golang.org/x/crypto/bcrypt"
)

// store is the method set every registry backend provides.
type store interface {
	GetByHostname(ctx context.Context, hostname string) (*model.DomainRecord, error)
	GetByFingerprint(ctx context.Context, fp identity.Fingerprint) (*model.DomainRecord, error)
	IsReserved(ctx context.Context, hostname string, now time.Time) (bool, error)
	Create(ctx context.Context, rec *model.DomainRecord, now time.Time) error
	UpdateIP(ctx context.Context, hostname string, fp identity.Fingerprint, ip string, now time.Time) (*model.DomainRecord, error)
	Reserve(ctx context.Context, res *model.Reservation, now time.Time) error
	ClaimReservation(ctx context.Context, plainToken string, rec *model.DomainRecord, now time.Time) (*model.DomainRecord, error)
	PutRecoveryToken(ctx context.Context, tok *model.RecoveryToken) error
	Recover(ctx context.Context, hostname, plainToken string, fp identity.Fingerprint, now time.Time) (*model.DomainRecord, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	List(ctx context.Context) ([]*model.DomainRecord, error)
}

var (
	_ store = (*repository.MemoryRepository)(nil)
	_ store = (*repository.BoltRepository)(nil)
	_ store = (*repository.PostgresRepository)(nil)
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fp(c string) identity.Fingerprint {
	return identity.Fingerprint(strings.Repeat(c, identity.FingerprintLength))
}

func hash(t *testing.T, plain string) string {
	t.Helper()
	h, err := token.NewHasher(bcrypt.MinCost).Hash(plain)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}

func newRecord(host string, f identity.Fingerprint) *model.DomainRecord {
	return &model.DomainRecord{Hostname: host, Fingerprint: f, IP: "127.0.0.1", Email: host + "@example.org"}
}

func TestMemoryRepository(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store {
		return repository.NewMemoryRepository()
	})
}

func TestBoltRepository(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store {
		repo, err := repository.OpenBoltRepository(filepath.Join(t.TempDir(), "sandcats.db"))
		if err != nil {
			t.Fatalf("OpenBoltRepository: %v", err)
		}
		t.Cleanup(func() { repo.Close() })
		return repo
	})
}

func TestBoltRepository_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandcats.db")
	repo, err := repository.OpenBoltRepository(path)
	if err != nil {
		t.Fatalf("OpenBoltRepository: %v", err)
	}
	if err := repo.Create(context.Background(), newRecord("benb", fp("a")), t0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.Close()

	repo, err = repository.OpenBoltRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()
	got, err := repo.GetByFingerprint(context.Background(), fp("a"))
	if err != nil {
		t.Fatalf("GetByFingerprint after reopen: %v", err)
	}
	if got.Hostname != "benb" {
		t.Errorf("Hostname = %q, want benb", got.Hostname)
	}
}

// runStoreSuite exercises the registry contract against the store returned
// by newStore. Each subtest gets a fresh store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord("benb", fp("a"))
		if err := s.Create(ctx, rec, t0); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := s.GetByHostname(ctx, "benb")
		if err != nil {
			t.Fatalf("GetByHostname: %v", err)
		}
		if got.Fingerprint != fp("a") || got.IP != "127.0.0.1" {
			t.Errorf("got %+v", got)
		}
		if got.ID == uuid.Nil || got.ID != rec.ID {
			t.Errorf("ID = %v, want the assigned %v", got.ID, rec.ID)
		}
		if _, err := s.GetByHostname(ctx, "nope"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("missing hostname: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("duplicate hostname", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newRecord("benb", fp("a")), t0); err != nil {
			t.Fatalf("Create: %v", err)
		}
		err := s.Create(ctx, newRecord("benb", fp("b")), t0)
		if !errors.Is(err, repository.ErrHostnameTaken) {
			t.Errorf("err = %v, want ErrHostnameTaken", err)
		}
	})

	t.Run("duplicate fingerprint", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newRecord("benb", fp("a")), t0); err != nil {
			t.Fatalf("Create: %v", err)
		}
		err := s.Create(ctx, newRecord("benb2", fp("a")), t0)
		if !errors.Is(err, repository.ErrFingerprintTaken) {
			t.Errorf("err = %v, want ErrFingerprintTaken", err)
		}
	})

	t.Run("concurrent create admits one", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				f := identity.Fingerprint(strings.Repeat("0", 38) + string(rune('a'+i/10)) + string(rune('0'+i%10)))
				if err := s.Create(ctx, newRecord("race", f), t0); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("wins = %d, want 1", wins)
		}
	})

	t.Run("update ip", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newRecord("benb", fp("a")), t0); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := s.UpdateIP(ctx, "benb", fp("b"), "10.0.0.9", t0); !errors.Is(err, repository.ErrWrongKey) {
			t.Errorf("wrong key: err = %v, want ErrWrongKey", err)
		}
		if _, err := s.UpdateIP(ctx, "nope", fp("a"), "10.0.0.9", t0); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("missing: err = %v, want ErrNotFound", err)
		}
		got, _ := s.GetByHostname(ctx, "benb")
		if got.IP != "127.0.0.1" {
			t.Errorf("ip changed by rejected update: %q", got.IP)
		}

		later := t0.Add(time.Minute)
		rec, err := s.UpdateIP(ctx, "benb", fp("a"), "10.0.0.9", later)
		if err != nil {
			t.Fatalf("UpdateIP: %v", err)
		}
		if rec.IP != "10.0.0.9" || !rec.UpdatedAt.Equal(later) {
			t.Errorf("rec = %+v", rec)
		}
	})

	t.Run("reservation lifecycle", func(t *testing.T) {
		s := newStore(t)
		res := &model.Reservation{
			Hostname: "benb4", Email: "a@a.org", TokenHash: hash(t, "secret"),
			CreatedAt: t0, ExpiresAt: t0.Add(30 * time.Minute),
		}
		if err := s.Reserve(ctx, res, t0); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if err := s.Reserve(ctx, res, t0); !errors.Is(err, repository.ErrHostnameTaken) {
			t.Errorf("second Reserve: err = %v, want ErrHostnameTaken", err)
		}
		reserved, err := s.IsReserved(ctx, "benb4", t0)
		if err != nil || !reserved {
			t.Fatalf("IsReserved = %v, %v", reserved, err)
		}
		if err := s.Create(ctx, newRecord("benb4", fp("a")), t0); !errors.Is(err, repository.ErrHostnameTaken) {
			t.Errorf("Create over reservation: err = %v, want ErrHostnameTaken", err)
		}

		claim := &model.DomainRecord{Hostname: "benb4", Fingerprint: fp("a"), IP: "127.0.0.1"}
		if _, err := s.ClaimReservation(ctx, "wrong", claim, t0); !errors.Is(err, repository.ErrReservationInvalid) {
			t.Errorf("wrong token: err = %v, want ErrReservationInvalid", err)
		}

		claim = &model.DomainRecord{Hostname: "benb4", Fingerprint: fp("a"), IP: "127.0.0.1"}
		rec, err := s.ClaimReservation(ctx, "secret", claim, t0)
		if err != nil {
			t.Fatalf("ClaimReservation: %v", err)
		}
		if rec.Email != "a@a.org" {
			t.Errorf("Email = %q, want reservation email", rec.Email)
		}
		reserved, _ = s.IsReserved(ctx, "benb4", t0)
		if reserved {
			t.Error("reservation still present after claim")
		}

		claim = &model.DomainRecord{Hostname: "benb4", Fingerprint: fp("b"), IP: "127.0.0.1"}
		if _, err := s.ClaimReservation(ctx, "secret", claim, t0); err == nil {
			t.Error("reused reservation token accepted")
		}
	})

	t.Run("expired reservation frees hostname", func(t *testing.T) {
		s := newStore(t)
		res := &model.Reservation{
			Hostname: "benb5", Email: "a@a.org", TokenHash: hash(t, "secret"),
			CreatedAt: t0, ExpiresAt: t0.Add(30 * time.Minute),
		}
		if err := s.Reserve(ctx, res, t0); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		later := t0.Add(31 * time.Minute)
		claim := &model.DomainRecord{Hostname: "benb5", Fingerprint: fp("a"), IP: "127.0.0.1"}
		if _, err := s.ClaimReservation(ctx, "secret", claim, later); !errors.Is(err, repository.ErrReservationInvalid) {
			t.Errorf("expired claim: err = %v, want ErrReservationInvalid", err)
		}
		if err := s.Create(ctx, newRecord("benb5", fp("a")), later); err != nil {
			t.Errorf("Create after expiry: %v", err)
		}
	})

	t.Run("recover", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newRecord("benb", fp("a")), t0); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.Create(ctx, newRecord("other", fp("c")), t0); err != nil {
			t.Fatalf("Create: %v", err)
		}
		tok := &model.RecoveryToken{Hostname: "benb", TokenHash: hash(t, "recover-me"), IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}
		if err := s.PutRecoveryToken(ctx, tok); err != nil {
			t.Fatalf("PutRecoveryToken: %v", err)
		}

		if _, err := s.Recover(ctx, "benb", "wrong", fp("b"), t0); !errors.Is(err, repository.ErrRecoveryTokenInvalid) {
			t.Errorf("wrong token: err = %v", err)
		}
		if _, err := s.Recover(ctx, "benb", "recover-me", fp("c"), t0); !errors.Is(err, repository.ErrFingerprintTaken) {
			t.Errorf("foreign fingerprint: err = %v, want ErrFingerprintTaken", err)
		}

		rec, err := s.Recover(ctx, "benb", "recover-me", fp("b"), t0)
		if err != nil {
			t.Fatalf("Recover: %v", err)
		}
		if rec.Fingerprint != fp("b") || rec.IP != "127.0.0.1" {
			t.Errorf("rec = %+v", rec)
		}
		if _, err := s.GetByFingerprint(ctx, fp("a")); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("old fingerprint still bound: err = %v", err)
		}
		if _, err := s.Recover(ctx, "benb", "recover-me", fp("d"), t0); !errors.Is(err, repository.ErrRecoveryTokenInvalid) {
			t.Errorf("reused token: err = %v, want ErrRecoveryTokenInvalid", err)
		}
		if _, err := s.Recover(ctx, "nope", "recover-me", fp("d"), t0); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("missing hostname: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("new recovery token replaces old", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newRecord("benb", fp("a")), t0); err != nil {
			t.Fatalf("Create: %v", err)
		}
		for _, plain := range []string{"first", "second"} {
			tok := &model.RecoveryToken{Hostname: "benb", TokenHash: hash(t, plain), IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}
			if err := s.PutRecoveryToken(ctx, tok); err != nil {
				t.Fatalf("PutRecoveryToken: %v", err)
			}
		}
		if _, err := s.Recover(ctx, "benb", "first", fp("b"), t0); !errors.Is(err, repository.ErrRecoveryTokenInvalid) {
			t.Errorf("replaced token: err = %v", err)
		}
		if _, err := s.Recover(ctx, "benb", "second", fp("b"), t0); err != nil {
			t.Errorf("current token: %v", err)
		}
	})

	t.Run("recovery token for unknown hostname", func(t *testing.T) {
		s := newStore(t)
		tok := &model.RecoveryToken{Hostname: "nope", TokenHash: hash(t, "x"), IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}
		if err := s.PutRecoveryToken(ctx, tok); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("concurrent recover consumes once", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newRecord("benb", fp("a")), t0); err != nil {
			t.Fatalf("Create: %v", err)
		}
		tok := &model.RecoveryToken{Hostname: "benb", TokenHash: hash(t, "once"), IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}
		if err := s.PutRecoveryToken(ctx, tok); err != nil {
			t.Fatalf("PutRecoveryToken: %v", err)
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for _, c := range []string{"b", "c", "d", "e", "f", "1", "2", "3"} {
			wg.Add(1)
			go func(c string) {
				defer wg.Done()
				if _, err := s.Recover(ctx, "benb", "once", fp(c), t0); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(c)
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("wins = %d, want 1", wins)
		}
	})

	t.Run("delete expired", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newRecord("benb", fp("a")), t0); err != nil {
			t.Fatalf("Create: %v", err)
		}
		res := &model.Reservation{Hostname: "gone", Email: "a@a.org", TokenHash: hash(t, "x"), CreatedAt: t0, ExpiresAt: t0.Add(time.Minute)}
		if err := s.Reserve(ctx, res, t0); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		tok := &model.RecoveryToken{Hostname: "benb", TokenHash: hash(t, "y"), IssuedAt: t0, ExpiresAt: t0.Add(time.Minute)}
		if err := s.PutRecoveryToken(ctx, tok); err != nil {
			t.Fatalf("PutRecoveryToken: %v", err)
		}

		n, err := s.DeleteExpired(ctx, t0)
		if err != nil || n != 0 {
			t.Fatalf("DeleteExpired(now) = %d, %v; want 0", n, err)
		}
		n, err = s.DeleteExpired(ctx, t0.Add(2*time.Minute))
		if err != nil || n != 2 {
			t.Fatalf("DeleteExpired(later) = %d, %v; want 2", n, err)
		}
		recs, err := s.List(ctx)
		if err != nil || len(recs) != 1 {
			t.Errorf("List = %d records, %v; registrations must survive the sweep", len(recs), err)
		}
	})
}
