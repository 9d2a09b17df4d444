package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jmerrifield20/sandcats/internal/email"
	"github.com/jmerrifield20/sandcats/internal/identity"
	"github.com/jmerrifield20/sandcats/internal/ledger"
	"github.com/jmerrifield20/sandcats/internal/metrics"
	"github.com/jmerrifield20/sandcats/internal/policy"
	"github.com/jmerrifield20/sandcats/internal/registry/model"
	"github.com/jmerrifield20/sandcats/internal/registry/repository"
	"github.com/jmerrifield20/sandcats/internal/token"
	"go.uber.org/zap"
)

// Messages returned to clients. Handlers write them verbatim.
const (
	MsgRegistered        = "Successfully registered!"
	MsgUpdated           = "Successfully updated your IP address."
	MsgReserved          = "Successfully registered!"
	MsgRecoveryTokenSent = "OK. We sent a recovery token to the email address on file. Type it below."
	MsgRecovered         = "OK! You have recovered your domain. Next we will update your IP address."
	MsgNeedCertificate   = "Your client is misconfigured. You need to provide a client certificate."
	MsgKeyInUse          = "There is already a domain registered with this sandcats key. If you are re-installing, you can skip the Sandcats configuration process."
	MsgNotAuthorized     = "Your client is not authorized to update this hostname."
	MsgNoSuchDomain      = "There is no such domain. You can register it!"
	MsgBadRecoveryToken  = "Bad recovery token."
	MsgBadReservation    = "Bad domainReservationToken. If you are an end user, contact your Sandstorm hosting provider."
	MsgIPv4Only          = "Sandcats only supports IPv4 addresses at the moment."
	MsgServerError       = "Server error. Please try again later."
	MsgMissingCSRF       = "Your client is misconfigured. You need X-Sand: cats"
	MsgMustPost          = "Must POST."
)

const (
	defaultReservationTTL = 30 * time.Minute
	defaultRecoveryTTL    = time.Hour
	defaultMailTimeout    = 10 * time.Second
)

// Config holds the service's tunables.
type Config struct {
	BaseDomain     string
	ReservationTTL time.Duration
	RecoveryTTL    time.Duration
	MailTimeout    time.Duration
}

// Store is the persistence interface for DomainService.
// MemoryRepository, PostgresRepository and BoltRepository satisfy it.
type Store interface {
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

// Notifier is told about every A record that should change.
// *dns.Bridge satisfies it.
type Notifier interface {
	Notify(hostname, ip string)
}

// Limiter throttles recovery-token issuance per hostname.
// *ratelimit.Window satisfies it.
type Limiter interface {
	Allow(key string, now time.Time) bool
	Release(key string, at time.Time)
	Prune(now time.Time) int
}

// TokenHasher hashes tokens before they are stored.
type TokenHasher interface {
	Hash(tok string) (string, error)
}

// DomainService implements the registration, update, reservation and
// recovery state machine on top of a Store.
type DomainService struct {
	repo     Store
	policy   *policy.Policy
	hasher   TokenHasher
	limiter  Limiter
	notifier Notifier     // nil = no DNS propagation
	mailer   email.Sender // nil = recovery tokens are stored but never delivered
	ledger   ledger.Ledger
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mail sync.WaitGroup
}

// NewDomainService creates a DomainService. Zero TTLs in cfg fall back to
// 30 minutes for reservations and one hour for recovery tokens.
func NewDomainService(repo Store, pol *policy.Policy, hasher TokenHasher, limiter Limiter, cfg Config, logger *zap.Logger) *DomainService {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.RecoveryTTL <= 0 {
		cfg.RecoveryTTL = defaultRecoveryTTL
	}
	if cfg.MailTimeout <= 0 {
		cfg.MailTimeout = defaultMailTimeout
	}
	return &DomainService{
		repo:    repo,
		policy:  pol,
		hasher:  hasher,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetNotifier configures where A record changes are sent.
func (s *DomainService) SetNotifier(n Notifier) { s.notifier = n }

// SetMailer configures the recovery-token mail sender.
func (s *DomainService) SetMailer(m email.Sender) { s.mailer = m }

// SetLedger configures the ownership ledger.
func (s *DomainService) SetLedger(l ledger.Ledger) { s.ledger = l }

// SetClock replaces time.Now. Tests use it to step through token lifetimes.
func (s *DomainService) SetClock(now func() time.Time) { s.now = now }

// ── Register ─────────────────────────────────────────────────────────────────

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	RawHostname string
	Email       string
	Fingerprint identity.Fingerprint
	IP          net.IP
}

// Register binds a new hostname to the caller's fingerprint at the caller's IP.
func (s *DomainService) Register(ctx context.Context, req RegisterRequest) (*model.DomainRecord, error) {
	rec, err := s.register(ctx, req)
	s.record("register", err)
	return rec, err
}

func (s *DomainService) register(ctx context.Context, req RegisterRequest) (*model.DomainRecord, error) {
	if req.Fingerprint.IsZero() {
		return nil, &model.ErrValidation{Msg: MsgNeedCertificate}
	}
	host, err := s.normalize(req.RawHostname)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.checkAvailable(ctx, host, now); err != nil {
		return nil, err
	}
	if err := s.checkKeyUnused(ctx, req.Fingerprint); err != nil {
		return nil, err
	}
	if !policy.ValidEmail(req.Email) {
		return nil, &model.ErrValidation{Msg: policy.InvalidEmailMessage}
	}
	ip, err := ipv4(req.IP)
	if err != nil {
		return nil, err
	}

	rec := &model.DomainRecord{
		Hostname:    host,
		Fingerprint: req.Fingerprint,
		IP:          ip,
		Email:       req.Email,
	}
	if err := s.repo.Create(ctx, rec, now); err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("hostname registered", zap.String("hostname", host), zap.String("ip", ip))
	s.notify(host, ip)
	s.appendLedger(ctx, host, ledger.ActionRegister, rec.Fingerprint, rec)
	return rec, nil
}

// ── Update ───────────────────────────────────────────────────────────────────

// UpdateRequest is the input to Update.
type UpdateRequest struct {
	RawHostname string
	Fingerprint identity.Fingerprint
	IP          net.IP
}

// Update points hostname at the caller's IP if the caller owns it.
func (s *DomainService) Update(ctx context.Context, req UpdateRequest) (*model.DomainRecord, error) {
	rec, err := s.update(ctx, req)
	s.record("update", err)
	return rec, err
}

func (s *DomainService) update(ctx context.Context, req UpdateRequest) (*model.DomainRecord, error) {
	if req.Fingerprint.IsZero() {
		return nil, &model.ErrValidation{Msg: MsgNeedCertificate}
	}
	host, err := s.normalize(req.RawHostname)
	if err != nil {
		return nil, err
	}
	// Ownership is decided before the address family; UpdateIP re-checks it
	// atomically.
	cur, err := s.repo.GetByHostname(ctx, host)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, storeError(err)
	}
	if cur == nil || !cur.Fingerprint.Equal(req.Fingerprint) {
		return nil, s.refuseUpdate(host, repository.ErrWrongKey)
	}
	ip, err := ipv4(req.IP)
	if err != nil {
		return nil, err
	}

	rec, err := s.repo.UpdateIP(ctx, host, req.Fingerprint, ip, s.now())
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrWrongKey) {
		return nil, s.refuseUpdate(host, err)
	}
	if err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("hostname updated", zap.String("hostname", host), zap.String("ip", ip))
	s.notify(host, ip)
	s.appendLedger(ctx, host, ledger.ActionUpdate, rec.Fingerprint, map[string]string{"ip": ip})
	return rec, nil
}

func (s *DomainService) refuseUpdate(host string, cause error) error {
	s.logger.Warn("update refused", zap.String("hostname", host), zap.Error(cause))
	return &model.ErrForbidden{Msg: MsgNotAuthorized}
}

// ── Reserve ──────────────────────────────────────────────────────────────────

// Reserve holds a hostname for later registration and returns the plaintext
// domainReservationToken.
func (s *DomainService) Reserve(ctx context.Context, rawHostname, addr string) (string, error) {
	tok, err := s.reserve(ctx, rawHostname, addr)
	s.record("reserve", err)
	return tok, err
}

func (s *DomainService) reserve(ctx context.Context, rawHostname, addr string) (string, error) {
	host, err := s.normalize(rawHostname)
	if err != nil {
		return "", err
	}
	now := s.now()
	if err := s.checkAvailable(ctx, host, now); err != nil {
		return "", err
	}
	if !policy.ValidEmail(addr) {
		return "", &model.ErrValidation{Msg: policy.InvalidEmailMessage}
	}

	plain, hash, err := s.newToken()
	if err != nil {
		return "", err
	}
	res := &model.Reservation{
		Hostname:  host,
		Email:     addr,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ReservationTTL),
	}
	if err := s.repo.Reserve(ctx, res, now); err != nil {
		return "", storeError(err)
	}

	s.logger.Info("hostname reserved", zap.String("hostname", host), zap.Time("expires_at", res.ExpiresAt))
	return plain, nil
}

// ── RegisterReserved ─────────────────────────────────────────────────────────

// RegisterReservedRequest is the input to RegisterReserved.
type RegisterReservedRequest struct {
	RawHostname      string
	ReservationToken string
	Fingerprint      identity.Fingerprint
	IP               net.IP
}

// RegisterReserved registers a reserved hostname. The reservation's email is
// used and the token cannot be used again.
func (s *DomainService) RegisterReserved(ctx context.Context, req RegisterReservedRequest) (*model.DomainRecord, error) {
	rec, err := s.registerReserved(ctx, req)
	s.record("registerreserved", err)
	return rec, err
}

func (s *DomainService) registerReserved(ctx context.Context, req RegisterReservedRequest) (*model.DomainRecord, error) {
	if req.Fingerprint.IsZero() {
		return nil, &model.ErrValidation{Msg: MsgNeedCertificate}
	}
	host, err := s.normalize(req.RawHostname)
	if err != nil {
		return nil, err
	}
	if !token.WellFormed(req.ReservationToken) {
		return nil, &model.ErrValidation{Msg: MsgBadReservation}
	}
	ip, err := ipv4(req.IP)
	if err != nil {
		return nil, err
	}

	rec, err := s.repo.ClaimReservation(ctx, req.ReservationToken, &model.DomainRecord{
		Hostname:    host,
		Fingerprint: req.Fingerprint,
		IP:          ip,
	}, s.now())
	if err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("reserved hostname registered", zap.String("hostname", host), zap.String("ip", ip))
	s.notify(host, ip)
	s.appendLedger(ctx, host, ledger.ActionRegisterReserved, rec.Fingerprint, rec)
	return rec, nil
}

// ── Recovery ─────────────────────────────────────────────────────────────────

// SendRecoveryToken issues a recovery token for hostname and mails it to the
// address on file. issued is false when the rate limiter refused; callers
// must not reveal that to the client.
func (s *DomainService) SendRecoveryToken(ctx context.Context, rawHostname string) (issued bool, err error) {
	issued, err = s.sendRecoveryToken(ctx, rawHostname)
	s.record("sendrecoverytoken", err)
	return issued, err
}

func (s *DomainService) sendRecoveryToken(ctx context.Context, rawHostname string) (bool, error) {
	host, err := s.policy.Normalize(rawHostname)
	if err != nil {
		return false, &model.ErrValidation{Msg: MsgNoSuchDomain}
	}
	rec, err := s.repo.GetByHostname(ctx, host)
	if errors.Is(err, repository.ErrNotFound) {
		return false, &model.ErrValidation{Msg: MsgNoSuchDomain}
	}
	if err != nil {
		return false, storeError(err)
	}

	now := s.now()
	if !s.limiter.Allow(host, now) {
		metrics.RecordRecoveryToken(false)
		s.logger.Warn("recovery token rate limited", zap.String("hostname", host))
		return false, nil
	}

	plain, hash, err := s.newToken()
	if err != nil {
		s.limiter.Release(host, now)
		return false, err
	}
	tok := &model.RecoveryToken{
		Hostname:  host,
		TokenHash: hash,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RecoveryTTL),
	}
	if err := s.repo.PutRecoveryToken(ctx, tok); err != nil {
		s.limiter.Release(host, now)
		return false, storeError(err)
	}
	metrics.RecordRecoveryToken(true)
	s.logger.Info("recovery token issued", zap.String("hostname", host))

	s.sendMail(email.RecoveryMessage(rec.Email, host, s.cfg.BaseDomain, plain), host)
	return true, nil
}

// RecoverRequest is the input to Recover.
type RecoverRequest struct {
	RawHostname   string
	RecoveryToken string
	Fingerprint   identity.Fingerprint
}

// Recover consumes a recovery token and moves hostname to the caller's
// fingerprint. The IP is left for a following Update.
func (s *DomainService) Recover(ctx context.Context, req RecoverRequest) (*model.DomainRecord, error) {
	rec, err := s.recover(ctx, req)
	s.record("recover", err)
	return rec, err
}

func (s *DomainService) recover(ctx context.Context, req RecoverRequest) (*model.DomainRecord, error) {
	if req.Fingerprint.IsZero() {
		return nil, &model.ErrValidation{Msg: MsgNeedCertificate}
	}
	host, err := s.policy.Normalize(req.RawHostname)
	if err != nil {
		return nil, &model.ErrValidation{Msg: MsgNoSuchDomain}
	}

	rec, err := s.repo.Recover(ctx, host, req.RecoveryToken, req.Fingerprint, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &model.ErrValidation{Msg: MsgNoSuchDomain}
	}
	if err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("hostname recovered", zap.String("hostname", host))
	s.appendLedger(ctx, host, ledger.ActionRecover, rec.Fingerprint, map[string]string{"hostname": host})
	return rec, nil
}

// ── Queries and housekeeping ─────────────────────────────────────────────────

// CurrentIP returns the registered IP of rawHostname. ok is false when the
// name is malformed or unregistered.
func (s *DomainService) CurrentIP(ctx context.Context, rawHostname string) (ip string, ok bool, err error) {
	host, err := s.policy.Normalize(rawHostname)
	if err != nil {
		return "", false, nil
	}
	rec, err := s.repo.GetByHostname(ctx, host)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.IP, true, nil
}

// List returns every registration. The DNS bridge uses it to republish at
// startup.
func (s *DomainService) List(ctx context.Context) ([]*model.DomainRecord, error) {
	return s.repo.List(ctx)
}

// DeleteExpired sweeps dead reservations and recovery tokens and prunes the
// rate limiter.
func (s *DomainService) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	s.limiter.Prune(now)
	return n, nil
}

// Wait blocks until every queued recovery mail has been attempted.
func (s *DomainService) Wait() { s.mail.Wait() }

// ── helpers ──────────────────────────────────────────────────────────────────

func (s *DomainService) normalize(raw string) (string, error) {
	host, err := s.policy.Normalize(raw)
	if err != nil {
		var herr *policy.HostnameError
		if errors.As(err, &herr) {
			return "", &model.ErrValidation{Msg: herr.Message()}
		}
		return "", &model.ErrValidation{Msg: policy.MalformedMessage}
	}
	return host, nil
}

func (s *DomainService) checkAvailable(ctx context.Context, host string, now time.Time) error {
	_, err := s.repo.GetByHostname(ctx, host)
	switch {
	case err == nil:
		return &model.ErrValidation{Msg: policy.InUseMessage}
	case !errors.Is(err, repository.ErrNotFound):
		return storeError(err)
	}
	reserved, err := s.repo.IsReserved(ctx, host, now)
	if err != nil {
		return storeError(err)
	}
	if reserved {
		return &model.ErrValidation{Msg: policy.InUseMessage}
	}
	return nil
}

func (s *DomainService) checkKeyUnused(ctx context.Context, fp identity.Fingerprint) error {
	_, err := s.repo.GetByFingerprint(ctx, fp)
	switch {
	case err == nil:
		return &model.ErrValidation{Msg: MsgKeyInUse}
	case errors.Is(err, repository.ErrNotFound):
		return nil
	default:
		return storeError(err)
	}
}

func (s *DomainService) newToken() (plain, hash string, err error) {
	plain, err = token.Generate()
	if err != nil {
		return "", "", err
	}
	hash, err = s.hasher.Hash(plain)
	if err != nil {
		return "", "", err
	}
	return plain, hash, nil
}

func (s *DomainService) notify(host, ip string) {
	if s.notifier != nil {
		s.notifier.Notify(host, ip)
	}
}

// sendMail delivers msg in the background, bounded by the mail timeout.
func (s *DomainService) sendMail(msg email.Message, host string) {
	if s.mailer == nil {
		s.logger.Warn("no mailer configured; recovery token not delivered", zap.String("hostname", host))
		return
	}
	s.mail.Add(1)
	go func() {
		defer s.mail.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MailTimeout)
		defer cancel()
		if err := s.mailer.Send(ctx, msg); err != nil {
			s.logger.Error("recovery mail failed (non-fatal)", zap.String("hostname", host), zap.Error(err))
		}
	}()
}

// appendLedger appends an ownership entry in a non-fatal manner.
func (s *DomainService) appendLedger(ctx context.Context, host string, action ledger.Action, fp identity.Fingerprint, payload any) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Append(ctx, host, action, fp, payload); err != nil {
		s.logger.Error("ledger append failed (non-fatal)",
			zap.String("action", string(action)),
			zap.String("hostname", host),
			zap.Error(err),
		)
		return
	}
	metrics.RecordLedgerAppend()
}

func (s *DomainService) record(op string, err error) {
	var (
		verr *model.ErrValidation
		ferr *model.ErrForbidden
	)
	switch {
	case err == nil:
		metrics.RecordOperation(op, "success")
	case errors.As(err, &verr), errors.As(err, &ferr):
		metrics.RecordOperation(op, "rejected")
	default:
		metrics.RecordOperation(op, "error")
		s.logger.Error("operation failed", zap.String("operation", op), zap.Error(err))
	}
}

// storeError converts store sentinels into client-facing errors.
func storeError(err error) error {
	switch {
	case errors.Is(err, repository.ErrHostnameTaken):
		return &model.ErrValidation{Msg: policy.InUseMessage}
	case errors.Is(err, repository.ErrFingerprintTaken):
		return &model.ErrValidation{Msg: MsgKeyInUse}
	case errors.Is(err, repository.ErrReservationInvalid):
		return &model.ErrValidation{Msg: MsgBadReservation}
	case errors.Is(err, repository.ErrRecoveryTokenInvalid):
		return &model.ErrValidation{Msg: MsgBadRecoveryToken}
	case errors.Is(err, repository.ErrNotFound):
		return &model.ErrValidation{Msg: MsgNoSuchDomain}
	default:
		return err
	}
}

func ipv4(ip net.IP) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", &model.ErrValidation{Msg: MsgIPv4Only}
	}
	return v4.String(), nil
}
