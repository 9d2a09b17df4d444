package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmerrifield20/sandcats/internal/dns"
	"github.com/jmerrifield20/sandcats/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

const (
	defaultServer = "https://sandcats-dev.sandstorm.io"
	defaultBase   = "sandcats-dev.sandstorm.io"
)

var (
	cfgFile    string
	serverURL  string
	certPath   string
	keyPath    string
	insecure   bool
	sendFPHdr  bool
	reqTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintln(os.Stderr, apiErr.Text)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sandcatsctl",
	Short: "Sandcats dynamic DNS client",
	Long: `sandcatsctl registers and maintains a hostname under a sandcats server.

A hostname belongs to a client certificate. Run 'sandcatsctl keygen' once,
then 'sandcatsctl register <hostname> --email you@example.com'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		home, _ := os.UserHomeDir()
		dir := filepath.Join(home, ".sandcats")
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(dir)
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("SANDCATS")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		viper.SetDefault("server", defaultServer)
		viper.SetDefault("cert", filepath.Join(dir, "client.crt"))
		viper.SetDefault("key", filepath.Join(dir, "client.key"))
		viper.SetDefault("base_domain", defaultBase)

		// Flags win over the config file.
		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if certPath == "" {
			certPath = viper.GetString("cert")
		}
		if keyPath == "" {
			keyPath = viper.GetString("key")
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.sandcats/config.yaml)")
	pf.StringVar(&serverURL, "server", "", "sandcats server URL (default "+defaultServer+")")
	pf.StringVar(&certPath, "cert", "", "client certificate (default ~/.sandcats/client.crt)")
	pf.StringVar(&keyPath, "key", "", "client key (default ~/.sandcats/client.key)")
	pf.BoolVar(&insecure, "insecure", false, "skip server certificate verification (development only)")
	pf.BoolVar(&sendFPHdr, "fingerprint-header", false, "send the certificate fingerprint as a header instead of over TLS (development backends only)")
	pf.DurationVar(&reqTimeout, "timeout", 30*time.Second, "overall request timeout")

	rootCmd.AddCommand(keygenCmd, fingerprintCmd, registerCmd, updateCmd, reserveCmd,
		registerReservedCmd, sendRecoveryTokenCmd, recoverCmd, pingCmd, waitDNSCmd, versionCmd)
}

// newClient builds a client from the persistent flags. Without a key pair on
// disk the client is anonymous, which is enough for reserve and
// send-recovery-token.
func newClient() (*client.Client, error) {
	var opts []client.Option
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	if fileExists(certPath) && fileExists(keyPath) {
		kp, err := client.LoadKeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithClientCertificate(kp.CertPEM, kp.KeyPEM))
		if sendFPHdr {
			opts = append(opts, client.WithFingerprintHeader("", kp.Fingerprint))
		}
	}
	return client.New(serverURL, opts...)
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), reqTimeout)
}

// call runs one API call and prints the server's message.
func call(fn func(ctx context.Context, c *client.Client) (*client.Result, error)) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	res, err := fn(ctx, c)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ── keygen / fingerprint ─────────────────────────────────────────────────────

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a client certificate and key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if fileExists(certPath) && !keygenForce {
			return fmt.Errorf("%s already exists; pass --force to replace it (the old key loses its hostname)", certPath)
		}
		kp, err := client.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := writeKeyPair(kp); err != nil {
			return err
		}
		fmt.Printf("✓ Key pair written\n\n")
		fmt.Printf("  Certificate: %s\n", certPath)
		fmt.Printf("  Key:         %s\n", keyPath)
		fmt.Printf("  Fingerprint: %s\n", kp.Fingerprint)
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "overwrite an existing key pair")
}

// writeKeyPair stores kp at certPath and keyPath, which may live in
// different directories.
func writeKeyPair(kp *client.KeyPair) error {
	for _, f := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{{certPath, kp.CertPEM, 0o644}, {keyPath, kp.KeyPEM, 0o600}} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return nil
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the fingerprint of the client certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := client.LoadKeyPair(certPath, keyPath)
		if err != nil {
			return err
		}
		fmt.Println(kp.Fingerprint)
		return nil
	},
}

// ── registration ─────────────────────────────────────────────────────────────

var regEmail string

var registerCmd = &cobra.Command{
	Use:   "register <hostname>",
	Short: "Register a hostname for this client's key at this machine's address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Register(ctx, args[0], regEmail)
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <hostname>",
	Short: "Point a hostname at this machine's current address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Update(ctx, args[0])
		})
	},
}

var reserveEmail string

var reserveCmd = &cobra.Command{
	Use:   "reserve <hostname>",
	Short: "Reserve a hostname and print the domainReservationToken",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout()
		defer cancel()
		res, err := c.Reserve(ctx, args[0], reserveEmail)
		if err != nil {
			return err
		}
		fmt.Println(res.Text)
		fmt.Printf("  Token: %s\n", res.Token)
		fmt.Printf("\nNext: sandcatsctl register-reserved %s %s\n", args[0], res.Token)
		return nil
	},
}

var registerReservedCmd = &cobra.Command{
	Use:   "register-reserved <hostname> <token>",
	Short: "Claim a reserved hostname with this client's key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.RegisterReserved(ctx, args[0], args[1])
		})
	},
}

func init() {
	registerCmd.Flags().StringVar(&regEmail, "email", "", "contact address for recovery mail")
	_ = registerCmd.MarkFlagRequired("email")
	reserveCmd.Flags().StringVar(&reserveEmail, "email", "", "contact address for recovery mail")
	_ = reserveCmd.MarkFlagRequired("email")
}

// ── recovery ─────────────────────────────────────────────────────────────────

var sendRecoveryTokenCmd = &cobra.Command{
	Use:   "send-recovery-token <hostname>",
	Short: "Mail a recovery token to the address on file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.SendRecoveryToken(ctx, args[0])
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <hostname> <token>",
	Short: "Move a hostname to this client's key, then update its address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Recover(ctx, args[0], args[1])
		}); err != nil {
			return err
		}
		return call(func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Update(ctx, args[0])
		})
	},
}

// ── liveness / dns ───────────────────────────────────────────────────────────

var (
	pingAddr    string
	pingTimeout time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping <hostname>",
	Short: "Ask the server's UDP responder whether this machine is the address on record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := pingAddr
		if addr == "" {
			addr = udpAddr(serverURL)
		}
		ctx, cancel := withTimeout()
		defer cancel()
		ok, err := client.Ping(ctx, addr, args[0], pingTimeout)
		if err != nil {
			return err
		}
		if ok {
			fmt.Println("reply received")
		} else {
			fmt.Println("no reply")
		}
		return nil
	},
}

var (
	waitServer  string
	waitBase    string
	waitTimeout time.Duration
)

var waitDNSCmd = &cobra.Command{
	Use:   "wait-dns <hostname> <ip>",
	Short: "Block until <hostname>.<base> resolves to ip on a given name server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := waitBase
		if base == "" {
			base = viper.GetString("base_domain")
		}
		fqdn := args[0] + "." + strings.TrimSuffix(base, ".")

		w := dns.DefaultWaiter()
		if waitTimeout > 0 {
			w.Timeout = waitTimeout
		}
		checker := dns.NewChecker(waitServer, "udp", 2*time.Second)
		if err := checker.WaitForA(context.Background(), w, fqdn, args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ %s resolves to %s\n", fqdn, args[1])
		return nil
	},
}

func init() {
	pingCmd.Flags().StringVar(&pingAddr, "udp", "", "UDP responder address (default <server host>:8080)")
	pingCmd.Flags().DurationVar(&pingTimeout, "wait", 2*time.Second, "how long to wait for a reply")

	waitDNSCmd.Flags().StringVar(&waitServer, "ns", "", "name server to query, host:port")
	waitDNSCmd.Flags().StringVar(&waitBase, "base", "", "base domain (default from config, "+defaultBase+")")
	waitDNSCmd.Flags().DurationVar(&waitTimeout, "wait", 0, "give up after this long (default 20s)")
	_ = waitDNSCmd.MarkFlagRequired("ns")
}

// udpAddr derives the responder address from the server URL.
func udpAddr(server string) string {
	host := server
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	return host + ":8080"
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sandcatsctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sandcatsctl %s\n", version)
	},
}
