package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/sandcats/internal/identity"
)

// DomainRecord is one registered hostname. It exists iff the hostname is
// registered.
type DomainRecord struct {
	ID          uuid.UUID            `json:"id"`
	Hostname    string               `json:"hostname"`
	Fingerprint identity.Fingerprint `json:"fingerprint"`
	IP          string               `json:"ip_address"`
	Email       string               `json:"email"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Reservation holds a hostname for a client that will register it later
// with a domainReservationToken.
type Reservation struct {
	Hostname  string    `json:"hostname"`
	Email     string    `json:"email"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the reservation still blocks its hostname at now.
func (r *Reservation) Live(now time.Time) bool { return now.Before(r.ExpiresAt) }

// RecoveryToken lets the holder move a hostname to a new fingerprint once.
// Each hostname has at most one; issuing a new token replaces the old one.
type RecoveryToken struct {
	Hostname  string     `json:"hostname"`
	TokenHash string     `json:"token_hash"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// Usable reports whether the token is unconsumed and unexpired at now.
func (t *RecoveryToken) Usable(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}
