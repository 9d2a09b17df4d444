package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmerrifield20/sandcats/internal/identity"
)

const defaultTimeout = 10 * time.Second

// Result is the server's answer to an API call.
type Result struct {
	Status  int    `json:"-"`
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Token   string `json:"token,omitempty"` // set by Reserve
}

// APIError is returned for any non-2xx response. Text is the message the
// server wants shown to the user.
type APIError struct {
	Status int
	Text   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sandcats: %d: %s", e.Status, e.Text)
}

// Client talks to a sandcats server.
type Client struct {
	base       string
	httpClient *http.Client

	// TLS settings collected from options; applied in New unless
	// WithHTTPClient was given.
	certs    []tls.Certificate
	insecure bool

	fpHeader    string
	fingerprint identity.Fingerprint
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithClientCertificate presents the PEM certificate and key during the TLS
// handshake. Its fingerprint is the identity that owns your hostname.
func WithClientCertificate(certPEM, keyPEM []byte) Option {
	return func(c *Client) error {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("parse client cert/key: %w", err)
		}
		c.certs = []tls.Certificate{cert}
		return nil
	}
}

// WithCertFiles is WithClientCertificate reading from disk.
func WithCertFiles(certPath, keyPath string) Option {
	return func(c *Client) error {
		kp, err := identity.LoadKeyPair(certPath, keyPath)
		if err != nil {
			return err
		}
		return WithClientCertificate(kp.CertPEM, kp.KeyPEM)(c)
	}
}

// WithInsecureSkipVerify disables server certificate verification.
// Only use this in development.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.insecure = true
		return nil
	}
}

// WithFingerprintHeader sends fp in header instead of relying on TLS. This
// only works against a server that trusts the header, i.e. a development
// backend without a TLS-terminating proxy in front.
func WithFingerprintHeader(header string, fp identity.Fingerprint) Option {
	return func(c *Client) error {
		if header == "" {
			header = identity.DefaultFingerprintHeader
		}
		c.fpHeader = header
		c.fingerprint = fp
		return nil
	}
}

// New creates a Client for the server at base, e.g.
// "https://sandcats-dev.sandstorm.io".
//
//	c, err := client.New(base, client.WithCertFiles("client.crt", "client.key"))
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{base: strings.TrimSuffix(base, "/")}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates:       c.certs,
					InsecureSkipVerify: c.insecure, //nolint:gosec
					MinVersion:         tls.VersionTLS12,
				},
			},
			Timeout: defaultTimeout,
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Register claims hostname for this client's key and points it at the
// caller's address.
func (c *Client) Register(ctx context.Context, hostname, email string) (*Result, error) {
	return c.post(ctx, "/register", url.Values{"rawHostname": {hostname}, "email": {email}})
}

// Update points hostname at the caller's current address.
func (c *Client) Update(ctx context.Context, hostname string) (*Result, error) {
	return c.post(ctx, "/update", url.Values{"rawHostname": {hostname}})
}

// Reserve holds hostname for later registration and returns the
// domainReservationToken in Result.Token. No client key is needed.
func (c *Client) Reserve(ctx context.Context, hostname, email string) (*Result, error) {
	return c.post(ctx, "/reserve", url.Values{"rawHostname": {hostname}, "email": {email}})
}

// RegisterReserved completes a reservation with this client's key.
func (c *Client) RegisterReserved(ctx context.Context, hostname, reservationToken string) (*Result, error) {
	return c.post(ctx, "/registerreserved", url.Values{
		"rawHostname":            {hostname},
		"domainReservationToken": {reservationToken},
	})
}

// SendRecoveryToken asks the server to mail a recovery token to the
// address on file for hostname.
func (c *Client) SendRecoveryToken(ctx context.Context, hostname string) (*Result, error) {
	return c.post(ctx, "/sendrecoverytoken", url.Values{"rawHostname": {hostname}})
}

// Recover moves hostname to this client's key using a mailed token.
func (c *Client) Recover(ctx context.Context, hostname, recoveryToken string) (*Result, error) {
	return c.post(ctx, "/recover", url.Values{
		"rawHostname":   {hostname},
		"recoveryToken": {recoveryToken},
	})
}

func (c *Client) post(ctx context.Context, path string, form url.Values) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(identity.CSRFHeader, identity.CSRFValue)
	if c.fpHeader != "" {
		req.Header.Set(c.fpHeader, c.fingerprint.String())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	res := &Result{Status: resp.StatusCode}
	if err := json.Unmarshal(body, res); err != nil {
		// Proxies and some error paths answer with bare text.
		res.Text = strings.TrimSpace(string(body))
		res.Success = false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, &APIError{Status: resp.StatusCode, Text: res.Text}
	}
	return res, nil
}
