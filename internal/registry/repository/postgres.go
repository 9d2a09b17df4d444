package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/sandcats/internal/identity"
	"github.com/jmerrifield20/sandcats/internal/registry/model"
	"github.com/jmerrifield20/sandcats/internal/token"
)

const (
	uniqueViolation       = "23505"
	fingerprintConstraint = "registrations_fingerprint_key"
	hostnameLockNamespace = "sandcats:hostname:"
	registrationColumns   = `id, hostname, fingerprint, ip_address, email, created_at, updated_at`
)

// PostgresRepository stores the registry in PostgreSQL. Mutations run in a
// transaction holding an advisory lock on the hostname; fingerprint
// uniqueness is enforced by the registrations_fingerprint_key constraint.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByHostname returns the record for hostname.
func (r *PostgresRepository) GetByHostname(ctx context.Context, hostname string) (*model.DomainRecord, error) {
	return scanRecord(r.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE hostname = $1`, hostname))
}

// GetByFingerprint returns the record owned by fp.
func (r *PostgresRepository) GetByFingerprint(ctx context.Context, fp identity.Fingerprint) (*model.DomainRecord, error) {
	return scanRecord(r.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE fingerprint = $1`, fp.String()))
}

// IsReserved reports whether hostname has a live reservation at now.
func (r *PostgresRepository) IsReserved(ctx context.Context, hostname string, now time.Time) (bool, error) {
	var reserved bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM domain_reservations WHERE hostname = $1 AND expires_at > $2)`,
		hostname, now,
	).Scan(&reserved)
	if err != nil {
		return false, fmt.Errorf("check reservation: %w", err)
	}
	return reserved, nil
}

// Create inserts rec unless the hostname is registered or reserved, or the
// fingerprint already owns a hostname.
func (r *PostgresRepository) Create(ctx context.Context, rec *model.DomainRecord, now time.Time) error {
	return r.withHostnameLock(ctx, rec.Hostname, func(tx pgx.Tx) error {
		var reserved bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM domain_reservations WHERE hostname = $1 AND expires_at > $2)`,
			rec.Hostname, now,
		).Scan(&reserved); err != nil {
			return fmt.Errorf("check reservation: %w", err)
		}
		if reserved {
			return ErrHostnameTaken
		}
		return insertRecord(ctx, tx, rec, now)
	})
}

// UpdateIP sets the IP of hostname if fp owns it.
func (r *PostgresRepository) UpdateIP(ctx context.Context, hostname string, fp identity.Fingerprint, ip string, now time.Time) (*model.DomainRecord, error) {
	var out *model.DomainRecord
	err := r.withHostnameLock(ctx, hostname, func(tx pgx.Tx) error {
		current, err := scanRecord(tx.QueryRow(ctx,
			`SELECT `+registrationColumns+` FROM registrations WHERE hostname = $1 FOR UPDATE`, hostname))
		if err != nil {
			return err
		}
		if current.Fingerprint != fp {
			return ErrWrongKey
		}
		out, err = scanRecord(tx.QueryRow(ctx,
			`UPDATE registrations SET ip_address = $2, updated_at = $3 WHERE hostname = $1
			 RETURNING `+registrationColumns, hostname, ip, now))
		return err
	})
	return out, err
}

// Reserve stores res unless its hostname is registered or has a live
// reservation. An expired reservation row is overwritten.
func (r *PostgresRepository) Reserve(ctx context.Context, res *model.Reservation, now time.Time) error {
	return r.withHostnameLock(ctx, res.Hostname, func(tx pgx.Tx) error {
		var registered bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM registrations WHERE hostname = $1)`, res.Hostname,
		).Scan(&registered); err != nil {
			return fmt.Errorf("check registration: %w", err)
		}
		if registered {
			return ErrHostnameTaken
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO domain_reservations (hostname, email, token_hash, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (hostname) DO UPDATE
			   SET email = EXCLUDED.email, token_hash = EXCLUDED.token_hash,
			       created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
			 WHERE domain_reservations.expires_at <= $4`,
			res.Hostname, res.Email, res.TokenHash, res.CreatedAt, res.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrHostnameTaken
		}
		return nil
	})
}

// ClaimReservation registers rec using a live reservation for its hostname
// and deletes the reservation.
func (r *PostgresRepository) ClaimReservation(ctx context.Context, plainToken string, rec *model.DomainRecord, now time.Time) (*model.DomainRecord, error) {
	err := r.withHostnameLock(ctx, rec.Hostname, func(tx pgx.Tx) error {
		var registered, fpTaken bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM registrations WHERE hostname = $1),
			        EXISTS(SELECT 1 FROM registrations WHERE fingerprint = $2)`,
			rec.Hostname, rec.Fingerprint.String(),
		).Scan(&registered, &fpTaken); err != nil {
			return fmt.Errorf("check registration: %w", err)
		}
		if registered {
			return ErrHostnameTaken
		}
		if fpTaken {
			return ErrFingerprintTaken
		}

		var email, hash string
		var expiresAt time.Time
		err := tx.QueryRow(ctx,
			`SELECT email, token_hash, expires_at FROM domain_reservations WHERE hostname = $1 FOR UPDATE`,
			rec.Hostname,
		).Scan(&email, &hash, &expiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationInvalid
		}
		if err != nil {
			return fmt.Errorf("read reservation: %w", err)
		}
		if !now.Before(expiresAt) || !token.Matches(hash, plainToken) {
			return ErrReservationInvalid
		}

		rec.Email = email
		if err := insertRecord(ctx, tx, rec, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM domain_reservations WHERE hostname = $1`, rec.Hostname); err != nil {
			return fmt.Errorf("delete reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PutRecoveryToken stores tok as the only recovery token of its hostname.
func (r *PostgresRepository) PutRecoveryToken(ctx context.Context, tok *model.RecoveryToken) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO recovery_tokens (hostname, token_hash, issued_at, expires_at, used_at)
		 SELECT $1, $2, $3, $4, NULL WHERE EXISTS (SELECT 1 FROM registrations WHERE hostname = $1)
		 ON CONFLICT (hostname) DO UPDATE
		   SET token_hash = EXCLUDED.token_hash, issued_at = EXCLUDED.issued_at,
		       expires_at = EXCLUDED.expires_at, used_at = NULL`,
		tok.Hostname, tok.TokenHash, tok.IssuedAt, tok.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store recovery token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Recover consumes hostname's recovery token and transfers ownership to fp.
// The transaction is rolled back, leaving the token usable, if fp already
// owns another hostname.
func (r *PostgresRepository) Recover(ctx context.Context, hostname, plainToken string, fp identity.Fingerprint, now time.Time) (*model.DomainRecord, error) {
	var out *model.DomainRecord
	err := r.withHostnameLock(ctx, hostname, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM registrations WHERE hostname = $1)`, hostname,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check registration: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		tok := model.RecoveryToken{Hostname: hostname}
		err := tx.QueryRow(ctx,
			`SELECT token_hash, issued_at, expires_at, used_at FROM recovery_tokens WHERE hostname = $1 FOR UPDATE`,
			hostname,
		).Scan(&tok.TokenHash, &tok.IssuedAt, &tok.ExpiresAt, &tok.UsedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRecoveryTokenInvalid
		}
		if err != nil {
			return fmt.Errorf("read recovery token: %w", err)
		}
		if !tok.Usable(now) || !token.Matches(tok.TokenHash, plainToken) {
			return ErrRecoveryTokenInvalid
		}

		out, err = scanRecord(tx.QueryRow(ctx,
			`UPDATE registrations SET fingerprint = $2, updated_at = $3 WHERE hostname = $1
			 RETURNING `+registrationColumns, hostname, fp.String(), now))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE recovery_tokens SET used_at = $2 WHERE hostname = $1`, hostname, now,
		); err != nil {
			return fmt.Errorf("consume recovery token: %w", err)
		}
		return nil
	})
	return out, err
}

// DeleteExpired removes expired reservations and dead recovery tokens.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.Exec(ctx, `DELETE FROM domain_reservations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired reservations: %w", err)
	}
	tok, err := r.db.Exec(ctx,
		`DELETE FROM recovery_tokens WHERE expires_at <= $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired recovery tokens: %w", err)
	}
	return res.RowsAffected() + tok.RowsAffected(), nil
}

// List returns every record ordered by hostname.
func (r *PostgresRepository) List(ctx context.Context) ([]*model.DomainRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+registrationColumns+` FROM registrations ORDER BY hostname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DomainRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) withHostnameLock(ctx context.Context, hostname string, fn func(pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", hostnameLockNamespace+hostname); err != nil {
		return fmt.Errorf("acquire hostname lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return mapUniqueViolation(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapUniqueViolation(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec *model.DomainRecord, now time.Time) error {
	rec.ID = uuid.New()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := tx.Exec(ctx,
		`INSERT INTO registrations (`+registrationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Hostname, rec.Fingerprint.String(), rec.IP, rec.Email, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == fingerprintConstraint {
			return ErrFingerprintTaken
		}
		return ErrHostnameTaken
	}
	return err
}

func scanRecord(row pgx.Row) (*model.DomainRecord, error) {
	rec := &model.DomainRecord{}
	var fp string
	err := row.Scan(&rec.ID, &rec.Hostname, &fp, &rec.IP, &rec.Email, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan registration: %w", err)
	}
	rec.Fingerprint = identity.Fingerprint(fp)
	return rec, nil
}
