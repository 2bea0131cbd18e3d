// Package issuer obtains certificates from Let's Encrypt, either in process
// with lego or by driving an external certbot. Both write certbot's live
// directory layout so the rest of the tool does not care which one ran.
package issuer

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	autocert "github.com/caasmo/aliyun-autocert"
	"github.com/caasmo/aliyun-autocert/renewal"
)

// DefaultDNSTimeout bounds how long lego waits for a challenge record.
const DefaultDNSTimeout = 10 * time.Minute

// LegoOptions configures the in-process issuer.
type LegoOptions struct {
	Email          string
	Domains        []string
	ConfigDir      string // certbot style config dir, holds live/ and accounts/
	Staging        bool
	CADirectoryURL string // overrides Staging when set
	DNSTimeout     time.Duration
}

// Lego obtains certificates with the lego ACME client using a DNS-01
// provider.
type Lego struct {
	opts          LegoOptions
	provider      challenge.Provider
	history       autocert.HistoryWriter
	logger        *slog.Logger
	clientFactory clientFactory
}

// NewLego creates the issuer. history may be nil.
func NewLego(opts LegoOptions, provider challenge.Provider, history autocert.HistoryWriter, logger *slog.Logger) *Lego {
	if provider == nil || logger == nil {
		panic("issuer.NewLego: received nil provider or logger")
	}
	if opts.DNSTimeout <= 0 {
		opts.DNSTimeout = DefaultDNSTimeout
	}
	return &Lego{
		opts:          opts,
		provider:      provider,
		history:       history,
		logger:        logger.With("issuer", "lego"),
		clientFactory: defaultClientFactory,
	}
}

// DirectoryURL is the ACME directory the issuer talks to.
func (l *Lego) DirectoryURL() string {
	if l.opts.CADirectoryURL != "" {
		return l.opts.CADirectoryURL
	}
	if l.opts.Staging {
		return lego.LEDirectoryStaging
	}
	return lego.LEDirectoryProduction
}

// Obtain always orders a fresh certificate; forceRenewal only matters to
// certbot, which would otherwise keep a still valid one.
func (l *Lego) Obtain(ctx context.Context, forceRenewal bool) error {
	if len(l.opts.Domains) == 0 {
		return errors.New("issuer: no domains configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.logger.Info("Attempting certificate issuance",
		"domains", l.opts.Domains, "directory", l.DirectoryURL(), "force", forceRenewal)

	accountKey, err := l.accountKey()
	if err != nil {
		return err
	}

	user := &accountUser{email: l.opts.Email, key: accountKey}
	cfg := lego.NewConfig(user)
	cfg.CADirURL = l.DirectoryURL()
	// RSA for compatibility with every ALB listener type.
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := l.clientFactory(cfg)
	if err != nil {
		return fmt.Errorf("issuer: create ACME client: %w", err)
	}

	if err := client.SetDNS01Provider(l.provider, dns01.AddDNSTimeout(l.opts.DNSTimeout)); err != nil {
		return fmt.Errorf("issuer: set DNS01 provider: %w", err)
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return fmt.Errorf("issuer: ACME registration failed for %s: %w", l.opts.Email, err)
	}
	user.registration = reg

	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := client.Obtain(certificate.ObtainRequest{Domains: l.opts.Domains, Bundle: true})
	if err != nil {
		return fmt.Errorf("issuer: obtain certificate for %v: %w", l.opts.Domains, err)
	}
	l.logger.Info("Successfully obtained certificate", "domains", l.opts.Domains, "certificate_url", res.CertURL)

	paths, err := l.writeLive(res)
	if err != nil {
		return err
	}
	recordIssued(ctx, l.history, l.opts.Domains, paths.Certificate, l.logger)
	return nil
}

// accountKey loads the ACME account key, creating it on first use.
func (l *Lego) accountKey() (crypto.PrivateKey, error) {
	path := filepath.Join(l.opts.ConfigDir, "accounts", safeFileSegment(l.opts.Email)+".key")

	data, err := os.ReadFile(path)
	if err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("issuer: parse account key %s: %w", path, err)
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("issuer: read account key: %w", err)
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("issuer: generate account key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("issuer: create accounts dir: %w", err)
	}
	if err := os.WriteFile(path, certcrypto.PEMEncode(key), 0o600); err != nil {
		return nil, fmt.Errorf("issuer: write account key: %w", err)
	}
	l.logger.Info("Created ACME account key", "path", path)
	return key, nil
}

func (l *Lego) writeLive(res *certificate.Resource) (renewal.Paths, error) {
	if res == nil || len(res.Certificate) == 0 {
		return renewal.Paths{}, errors.New("issuer: empty certificate received from ACME server")
	}
	if len(res.PrivateKey) == 0 {
		return renewal.Paths{}, errors.New("issuer: empty private key received from ACME server")
	}

	dir := filepath.Join(renewal.LiveDir(l.opts.ConfigDir), l.opts.Domains[0])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return renewal.Paths{}, fmt.Errorf("issuer: create live dir: %w", err)
	}
	p := renewal.Paths{
		Dir:         dir,
		Certificate: filepath.Join(dir, renewal.CertificateFile),
		PrivateKey:  filepath.Join(dir, renewal.PrivateKeyFile),
	}
	if err := os.WriteFile(p.PrivateKey, res.PrivateKey, 0o600); err != nil {
		return renewal.Paths{}, fmt.Errorf("issuer: write private key: %w", err)
	}
	if err := os.WriteFile(p.Certificate, res.Certificate, 0o644); err != nil {
		return renewal.Paths{}, fmt.Errorf("issuer: write certificate: %w", err)
	}
	l.logger.Info("Saved certificate", "certificate", p.Certificate, "private_key", p.PrivateKey)
	return p, nil
}

// recordIssued adds the certificate at path to the history. Failures are
// logged only: the certificate is already on disk.
func recordIssued(ctx context.Context, history autocert.HistoryWriter, domains []string, path string, logger *slog.Logger) {
	if history == nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Could not read certificate for history", "path", path, "error", err)
		return
	}
	cert := autocert.Cert{
		Identifier:       domains[0],
		Domains:          domains,
		CertificateChain: string(data),
		IssuedAt:         time.Now().UTC(),
	}
	if leaf, err := certcrypto.ParsePEMCertificate(data); err == nil {
		cert.IssuedAt = leaf.NotBefore.UTC()
		cert.ExpiresAt = leaf.NotAfter.UTC()
	} else {
		logger.Warn("Could not parse certificate for history", "error", err)
	}
	if err := history.AddCert(ctx, cert); err != nil {
		logger.Warn("Failed to record certificate in history", "error", err)
	}
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (a *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return a.client.Registration.Register(options)
}

func (a *legoClientAdapter) SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error {
	return a.client.Challenge.SetDNS01Provider(provider, opts...)
}

func (a *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return a.client.Certificate.Obtain(request)
}

// accountUser implements registration.User.
type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string                        { return u.email }
func (u *accountUser) GetRegistration() *registration.Resource { return u.registration }
func (u *accountUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

func safeFileSegment(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '@':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if s := strings.Trim(b.String(), "._-"); s != "" {
		return s
	}
	return "account"
}
