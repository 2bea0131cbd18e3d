package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autocert "github.com/caasmo/aliyun-autocert"
	"github.com/caasmo/aliyun-autocert/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu        sync.Mutex
	next      int
	bundles   map[string]autocert.CertificateBundle
	calls     []string
	noRes     bool
	uploadErr error
	deleteErr error
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{next: 1000, bundles: make(map[string]autocert.CertificateBundle)}
}

func (s *fakeStore) seed(name string, sans ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprint(s.next)
	s.bundles[id] = autocert.CertificateBundle{CertID: id, Name: name, CommonName: firstOr(sans, ""), Domains: sans}
	return id
}

func firstOr(s []string, def string) string {
	if len(s) == 0 {
		return def
	}
	return s[0]
}

func (s *fakeStore) ListUploaded(context.Context) ([]autocert.CertificateBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "list")
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]autocert.CertificateBundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CertID < out[j].CertID })
	return out, nil
}

func (s *fakeStore) Upload(_ context.Context, name, certPEM, keyPEM string) (autocert.CertificateBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "upload")
	if s.uploadErr != nil {
		return autocert.CertificateBundle{}, s.uploadErr
	}
	s.next++
	id := fmt.Sprint(s.next)
	b := autocert.CertificateBundle{CertID: id, Name: name, CommonName: "example.com", Domains: []string{"example.com", "*.example.com"}}
	if !s.noRes {
		b.ResourceID = id + "-cn-hangzhou"
	}
	s.bundles[id] = b
	return autocert.CertificateBundle{CertID: b.CertID, ResourceID: b.ResourceID, Name: name}, nil
}

func (s *fakeStore) Delete(_ context.Context, certID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "delete:"+certID)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.bundles, certID)
	return nil
}

type fakeListener struct {
	accept map[string]bool // nil accepts everything
	calls  []string
}

func (l *fakeListener) UpdateListenerCertificate(_ context.Context, listenerID, certificateID string) error {
	l.calls = append(l.calls, listenerID+"="+certificateID)
	if l.accept != nil && !l.accept[certificateID] {
		return errors.New("InvalidParam.CertificateId")
	}
	return nil
}

type memHistory struct {
	deployments []autocert.DeploymentRecord
}

func (h *memHistory) AddCert(context.Context, autocert.Cert) error { return nil }

func (h *memHistory) AddDeployment(_ context.Context, r autocert.DeploymentRecord) error {
	h.deployments = append(h.deployments, r)
	return nil
}

func writeLive(t *testing.T, configDir string) string {
	t.Helper()
	live := filepath.Join(configDir, "live")
	dir := filepath.Join(live, "example.com")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fullchain.pem"), []byte("CERT"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "privkey.pem"), []byte("KEY"), 0o600))
	return live
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDeployer(t *testing.T, store CertStore, listener ListenerUpdater, opts Options, history autocert.HistoryWriter, m *metrics.Metrics) *Deployer {
	t.Helper()
	d := NewDeployer(store, listener, opts, history, m, discardLogger())
	d.now = func() time.Time { return fixedNow }
	return d
}

func TestDeployUploadFirst(t *testing.T) {
	dir := t.TempDir()
	live := writeLive(t, dir)
	storage := filepath.Join(dir, "certs")

	store := newFakeStore()
	old := store.seed("example.com-20250301-000000", "example.com", "*.example.com")
	unrelated := store.seed("other.org-20250301-000000", "other.org")

	listener := &fakeListener{}
	history := &memHistory{}
	m := metrics.New()
	d := newTestDeployer(t, store, listener, Options{
		LiveDir:        live,
		Domains:        []string{"example.com", "*.example.com"},
		LoadBalancerID: "alb-123",
		ListenerID:     "lsr-456",
		StorageDir:     storage,
	}, history, m)

	res, err := d.Deploy(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"list", "upload", "delete:" + old}, store.calls)
	assert.Equal(t, "example.com-wildcard.example.com-20250601-120000", res.Bundle.Name)
	assert.Equal(t, []string{old}, res.Superseded)
	assert.Equal(t, []string{old}, res.Deleted)
	assert.True(t, res.ListenerUpdated)
	assert.Equal(t, res.Bundle.ResourceID, res.ListenerCertID)
	assert.Equal(t, []string{"lsr-456=" + res.Bundle.ResourceID}, listener.calls)
	assert.Contains(t, store.bundles, unrelated)

	snap, err := ReadSnapshot(storage)
	require.NoError(t, err)
	assert.Equal(t, "alb-123", snap.LoadBalancerID)
	assert.Equal(t, "lsr-456", snap.ListenerID)
	assert.Equal(t, res.Bundle.CertID, snap.PrimaryCertificateID)
	assert.Equal(t, []string{res.Bundle.CertID}, snap.AllCertificateIDs)
	assert.Equal(t, []string{"example.com", "*.example.com"}, snap.Domains)
	assert.True(t, fixedNow.Equal(snap.DeployedAt))

	require.Len(t, history.deployments, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deployments.WithLabelValues(metrics.ResultSuccess)))
}

func TestDeployDeleteFirst(t *testing.T) {
	live := writeLive(t, t.TempDir())
	store := newFakeStore()
	a := store.seed("example.com-a", "example.com")
	b := store.seed("www.example.com-b", "www.example.com")

	d := newTestDeployer(t, store, &fakeListener{}, Options{
		LiveDir:    live,
		Domains:    []string{"example.com"},
		ListenerID: "lsr-456",
		Strategy:   autocert.StrategyDeleteFirst,
	}, nil, nil)

	_, err := d.Deploy(context.Background())
	require.NoError(t, err)
	// Substring match also catches www.example.com.
	assert.Equal(t, []string{"list", "delete:" + a, "delete:" + b, "upload"}, store.calls)
}

func TestDeployIsIdempotent(t *testing.T) {
	live := writeLive(t, t.TempDir())
	store := newFakeStore()
	store.seed("example.com-old", "example.com")

	d := newTestDeployer(t, store, &fakeListener{}, Options{
		LiveDir:    live,
		Domains:    []string{"example.com", "*.example.com"},
		ListenerID: "lsr-456",
	}, nil, nil)

	for i := 0; i < 2; i++ {
		_, err := d.Deploy(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, store.bundles, 1)
}

func TestDeployListenerFallback(t *testing.T) {
	live := writeLive(t, t.TempDir())
	store := newFakeStore()
	listener := &fakeListener{accept: map[string]bool{"1001": true}}

	d := newTestDeployer(t, store, listener, Options{LiveDir: live, Domains: []string{"example.com"}, ListenerID: "lsr-1"}, nil, nil)
	res, err := d.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"lsr-1=1001-cn-hangzhou", "lsr-1=1001"}, listener.calls)
	assert.Equal(t, "1001", res.ListenerCertID)
}

func TestDeployListenerWithoutResourceID(t *testing.T) {
	live := writeLive(t, t.TempDir())
	store := newFakeStore()
	store.noRes = true
	listener := &fakeListener{}

	d := newTestDeployer(t, store, listener, Options{LiveDir: live, Domains: []string{"example.com"}, ListenerID: "lsr-1"}, nil, nil)
	_, err := d.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"lsr-1=1001"}, listener.calls)
}

func TestDeployListenerFailureKeepsBundle(t *testing.T) {
	dir := t.TempDir()
	live := writeLive(t, dir)
	store := newFakeStore()
	old := store.seed("example.com-old", "example.com")
	listener := &fakeListener{accept: map[string]bool{}}
	m := metrics.New()

	d := newTestDeployer(t, store, listener, Options{
		LiveDir:    live,
		Domains:    []string{"example.com"},
		ListenerID: "lsr-1",
		StorageDir: filepath.Join(dir, "certs"),
	}, nil, m)
	res, err := d.Deploy(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListenerUpdate)
	assert.Len(t, listener.calls, 2)

	assert.Contains(t, store.bundles, res.Bundle.CertID)
	assert.Contains(t, store.bundles, old, "superseded bundle is kept while the listener still uses it")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deployments.WithLabelValues(metrics.ResultFailure)))

	_, err = ReadSnapshot(filepath.Join(dir, "certs"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDeployWithoutListenerStillStores(t *testing.T) {
	live := writeLive(t, t.TempDir())
	store := newFakeStore()
	old := store.seed("example.com-old", "example.com")

	d := newTestDeployer(t, store, nil, Options{LiveDir: live, Domains: []string{"example.com"}}, nil, nil)
	res, err := d.Deploy(context.Background())
	require.NoError(t, err)
	assert.False(t, res.ListenerUpdated)
	assert.Equal(t, []string{old}, res.Deleted)
	assert.Len(t, store.bundles, 1)
}

func TestDeployUploadFailureAborts(t *testing.T) {
	live := writeLive(t, t.TempDir())
	store := newFakeStore()
	old := store.seed("example.com-old", "example.com")
	store.uploadErr = errors.New("InvalidCert")
	listener := &fakeListener{}

	d := newTestDeployer(t, store, listener, Options{LiveDir: live, Domains: []string{"example.com"}, ListenerID: "lsr-1"}, nil, nil)
	_, err := d.Deploy(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.uploadErr)
	assert.Empty(t, listener.calls)
	assert.Contains(t, store.bundles, old)
}

func TestDeployDeleteFailureIsNotFatal(t *testing.T) {
	live := writeLive(t, t.TempDir())
	store := newFakeStore()
	store.seed("example.com-old", "example.com")
	store.deleteErr = errors.New("CertificateInUse")

	d := newTestDeployer(t, store, &fakeListener{}, Options{
		LiveDir:    live,
		Domains:    []string{"example.com"},
		ListenerID: "lsr-1",
		Strategy:   autocert.StrategyDeleteFirst,
	}, nil, nil)
	res, err := d.Deploy(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)
	assert.Len(t, res.Superseded, 1)
	assert.True(t, res.ListenerUpdated)
}

func TestDeployMissingCertificate(t *testing.T) {
	store := newFakeStore()
	d := newTestDeployer(t, store, nil, Options{LiveDir: filepath.Join(t.TempDir(), "live"), Domains: []string{"example.com"}}, nil, nil)
	_, err := d.Deploy(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.calls)
}

func TestBundleName(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "example.com-20250102-030405", BundleName([]string{"example.com"}, at))
	assert.Equal(t, "a.com-wildcard.a.com-20250102-030405-and-2-more",
		BundleName([]string{"a.com", "*.a.com", "b.com", "c.com"}, at))
}
