package repository

import "errors"

// Sentinel errors shared by every store implementation.
var (
	ErrNotFound             = errors.New("domain not found")
	ErrHostnameTaken        = errors.New("hostname already registered or reserved")
	ErrFingerprintTaken     = errors.New("fingerprint already bound to another hostname")
	ErrWrongKey             = errors.New("fingerprint does not own hostname")
	ErrReservationInvalid   = errors.New("domain reservation token invalid")
	ErrRecoveryTokenInvalid = errors.New("recovery token invalid")
)
