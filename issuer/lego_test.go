package issuer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autocert "github.com/caasmo/aliyun-autocert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCertPEM(t *testing.T, cn string, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

type nopProvider struct{}

func (nopProvider) Present(string, string, string) error { return nil }
func (nopProvider) CleanUp(string, string, string) error { return nil }

type stubClient struct {
	config     *lego.Config
	provider   challenge.Provider
	registered bool
	request    certificate.ObtainRequest
	resource   *certificate.Resource
	obtainErr  error
}

func (s *stubClient) Register(registration.RegisterOptions) (*registration.Resource, error) {
	s.registered = true
	return &registration.Resource{URI: "https://acme.test/acct/1"}, nil
}

func (s *stubClient) SetDNS01Provider(p challenge.Provider, _ ...dns01.ChallengeOption) error {
	s.provider = p
	return nil
}

func (s *stubClient) Obtain(req certificate.ObtainRequest) (*certificate.Resource, error) {
	s.request = req
	if s.obtainErr != nil {
		return nil, s.obtainErr
	}
	return s.resource, nil
}

type memHistory struct {
	mu    sync.Mutex
	certs []autocert.Cert
	deps  []autocert.DeploymentRecord
}

func (h *memHistory) AddCert(_ context.Context, c autocert.Cert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.certs = append(h.certs, c)
	return nil
}

func (h *memHistory) AddDeployment(_ context.Context, r autocert.DeploymentRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps = append(h.deps, r)
	return nil
}

func newTestLego(t *testing.T, opts LegoOptions, stub *stubClient, history autocert.HistoryWriter) *Lego {
	t.Helper()
	l := NewLego(opts, nopProvider{}, history, discardLogger())
	l.clientFactory = func(cfg *lego.Config) (acmeClient, error) {
		stub.config = cfg
		return stub, nil
	}
	return l
}

func TestLegoObtainWritesLiveFiles(t *testing.T) {
	dir := t.TempDir()
	notAfter := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second)
	certPEM := testCertPEM(t, "example.com", notAfter)

	stub := &stubClient{resource: &certificate.Resource{
		Domain:      "example.com",
		Certificate: certPEM,
		PrivateKey:  []byte("key-data"),
	}}
	history := &memHistory{}
	l := newTestLego(t, LegoOptions{
		Email:     "ops@example.com",
		Domains:   []string{"example.com", "*.example.com"},
		ConfigDir: dir,
		Staging:   true,
	}, stub, history)

	require.NoError(t, l.Obtain(context.Background(), true))

	assert.True(t, stub.registered)
	assert.NotNil(t, stub.provider)
	assert.Equal(t, lego.LEDirectoryStaging, stub.config.CADirURL)
	assert.Equal(t, []string{"example.com", "*.example.com"}, stub.request.Domains)
	assert.True(t, stub.request.Bundle)

	live := filepath.Join(dir, "live", "example.com")
	got, err := os.ReadFile(filepath.Join(live, "fullchain.pem"))
	require.NoError(t, err)
	assert.Equal(t, certPEM, got)

	info, err := os.Stat(filepath.Join(live, "privkey.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.Len(t, history.certs, 1)
	assert.Equal(t, "example.com", history.certs[0].Identifier)
	assert.Equal(t, notAfter.Unix(), history.certs[0].ExpiresAt.Unix())
}

func TestLegoAccountKeyIsReused(t *testing.T) {
	dir := t.TempDir()
	stub := &stubClient{resource: &certificate.Resource{Certificate: []byte("c"), PrivateKey: []byte("k")}}
	l := newTestLego(t, LegoOptions{Email: "ops@example.com", Domains: []string{"example.com"}, ConfigDir: dir}, stub, nil)

	require.NoError(t, l.Obtain(context.Background(), false))
	first, ok := stub.config.User.GetPrivateKey().(*ecdsa.PrivateKey)
	require.True(t, ok)

	keyPath := filepath.Join(dir, "accounts", "ops@example.com.key")
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, l.Obtain(context.Background(), false))
	second, ok := stub.config.User.GetPrivateKey().(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, first.Equal(second))
	assert.Equal(t, lego.LEDirectoryProduction, stub.config.CADirURL)
}

func TestLegoDirectoryOverride(t *testing.T) {
	l := NewLego(LegoOptions{Staging: true, CADirectoryURL: "https://acme.test/dir"}, nopProvider{}, nil, discardLogger())
	assert.Equal(t, "https://acme.test/dir", l.DirectoryURL())
}

func TestLegoObtainError(t *testing.T) {
	dir := t.TempDir()
	stub := &stubClient{obtainErr: errors.New("urn:ietf:params:acme:error:rateLimited")}
	l := newTestLego(t, LegoOptions{Email: "ops@example.com", Domains: []string{"example.com"}, ConfigDir: dir}, stub, nil)

	err := l.Obtain(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, stub.obtainErr)

	_, statErr := os.Stat(filepath.Join(dir, "live", "example.com", "fullchain.pem"))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestLegoObtainCancelled(t *testing.T) {
	stub := &stubClient{}
	l := newTestLego(t, LegoOptions{Email: "ops@example.com", Domains: []string{"example.com"}, ConfigDir: t.TempDir()}, stub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Obtain(ctx, false), context.Canceled)
	assert.False(t, stub.registered)
}

func TestSafeFileSegment(t *testing.T) {
	assert.Equal(t, "ops@example.com", safeFileSegment(" Ops@Example.com "))
	assert.Equal(t, "a_b", safeFileSegment("a/b"))
	assert.Equal(t, "account", safeFileSegment("//"))
}
