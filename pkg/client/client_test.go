package client_test

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmerrifield20/sandcats/internal/email"
	"github.com/jmerrifield20/sandcats/internal/identity"
	"github.com/jmerrifield20/sandcats/internal/policy"
	"github.com/jmerrifield20/sandcats/internal/ratelimit"
	"github.com/jmerrifield20/sandcats/internal/registry/handler"
	"github.com/jmerrifield20/sandcats/internal/registry/repository"
	"github.com/jmerrifield20/sandcats/internal/registry/service"
	"github.com/jmerrifield20/sandcats/internal/token"
	"github.com/jmerrifield20/sandcats/pkg/client"
)

// ── Stub server ──────────────────────────────────────────────────────────────

type stubMailer struct {
	mu     sync.Mutex
	tokens []string
}

func (m *stubMailer) Send(_ context.Context, msg email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, msg.Headers[email.RecoveryTokenHeader])
	return nil
}

func (m *stubMailer) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tokens) == 0 {
		return ""
	}
	return m.tokens[len(m.tokens)-1]
}

type stubServer struct {
	*httptest.Server
	svc    *service.DomainService
	mailer *stubMailer
}

// newServer starts the real handler stack. With useTLS the fingerprint
// comes from the presented client certificate; otherwise from the header.
func newServer(t *testing.T, useTLS bool) *stubServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mailer := &stubMailer{}
	svc := service.NewDomainService(repository.NewMemoryRepository(), policy.New(),
		token.NewHasher(bcrypt.MinCost), ratelimit.NewWindow(2, time.Hour),
		service.Config{BaseDomain: "sandcats-dev.sandstorm.io"}, zap.NewNop())
	svc.SetMailer(mailer)

	source := identity.SourceHeader
	if useTLS {
		source = identity.SourceTLS
	}
	r := gin.New()
	r.Use(identity.Middleware(identity.NewExtractor(identity.Config{Source: source})))
	handler.NewDomainHandler(svc, zap.NewNop()).Register(&r.RouterGroup)

	srv := httptest.NewUnstartedServer(r)
	if useTLS {
		srv.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
		srv.StartTLS()
	} else {
		srv.Start()
	}
	t.Cleanup(srv.Close)
	return &stubServer{Server: srv, svc: svc, mailer: mailer}
}

func keyPair(t *testing.T) *client.KeyPair {
	t.Helper()
	kp, err := identity.GenerateKeyPair("test", 1024)
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestClient_RegisterOverTLS(t *testing.T) {
	srv := newServer(t, true)
	kp := keyPair(t)
	c := client.MustNew(srv.URL,
		client.WithClientCertificate(kp.CertPEM, kp.KeyPEM),
		client.WithInsecureSkipVerify(),
	)
	ctx := context.Background()

	res, err := c.Register(ctx, "alice", "alice@example.com")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !res.Success || res.Status != http.StatusOK {
		t.Errorf("got %+v", res)
	}

	ip, ok, err := srv.svc.CurrentIP(ctx, "alice")
	if err != nil || !ok || ip != "127.0.0.1" {
		t.Errorf("CurrentIP = %q, %v, %v", ip, ok, err)
	}

	if _, err := c.Update(ctx, "alice"); err != nil {
		t.Errorf("Update: %v", err)
	}
}

func TestClient_NoCertificate(t *testing.T) {
	srv := newServer(t, true)
	c := client.MustNew(srv.URL, client.WithInsecureSkipVerify())

	_, err := c.Register(context.Background(), "alice", "alice@example.com")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Text != service.MsgNeedCertificate {
		t.Errorf("got %d %q", apiErr.Status, apiErr.Text)
	}
}

func TestClient_ReserveAndRecover(t *testing.T) {
	srv := newServer(t, false)
	ctx := context.Background()
	owner := client.MustNew(srv.URL, client.WithFingerprintHeader("", identity.Fingerprint(strings.Repeat("ab", 20))))
	other := client.MustNew(srv.URL, client.WithFingerprintHeader("", identity.Fingerprint(strings.Repeat("cd", 20))))

	res, err := owner.Reserve(ctx, "bob", "bob@example.com")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !token.WellFormed(res.Token) {
		t.Fatalf("reservation token %q is not well formed", res.Token)
	}
	if _, err := owner.RegisterReserved(ctx, "bob", res.Token); err != nil {
		t.Fatalf("RegisterReserved: %v", err)
	}

	if _, err := other.Update(ctx, "bob"); err == nil {
		t.Fatal("update with a different key should fail")
	}

	if _, err := other.SendRecoveryToken(ctx, "bob"); err != nil {
		t.Fatalf("SendRecoveryToken: %v", err)
	}
	srv.svc.Wait()
	tok := srv.mailer.last()
	if tok == "" {
		t.Fatal("no recovery token mailed")
	}
	res, err = other.Recover(ctx, "bob", tok)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Text != service.MsgRecovered {
		t.Errorf("text = %q", res.Text)
	}
	if _, err := other.Update(ctx, "bob"); err != nil {
		t.Errorf("Update after recover: %v", err)
	}
}

func TestClient_PlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Sand") != "cats" {
			t.Errorf("missing X-Sand header")
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).Update(context.Background(), "alice")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Text != "bad gateway" {
		t.Errorf("text = %q", apiErr.Text)
	}
}
