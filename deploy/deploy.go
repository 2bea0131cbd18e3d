// Package deploy publishes the live certificate to Alibaba Cloud CAS and
// points the ALB HTTPS listener at it.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	autocert "github.com/caasmo/aliyun-autocert"
	"github.com/caasmo/aliyun-autocert/metrics"
	"github.com/caasmo/aliyun-autocert/renewal"
)

// SnapshotFile is written to the storage directory after a listener update.
const SnapshotFile = "slb_deployment_info.json"

// ErrListenerUpdate is returned when the listener rejected both the
// resource id and the certificate id. The uploaded bundle stays stored.
var ErrListenerUpdate = errors.New("deploy: listener update failed")

// Options configures a Deployer.
type Options struct {
	LiveDir        string
	Domains        []string
	LoadBalancerID string
	ListenerID     string // empty skips the listener update
	Strategy       string // autocert.StrategyUploadFirst or autocert.StrategyDeleteFirst
	StorageDir     string // where SnapshotFile goes, empty disables it
}

// Result reports what a deployment did.
type Result struct {
	Bundle          autocert.CertificateBundle
	Superseded      []string // cert ids matched for the configured domains
	Deleted         []string
	ListenerUpdated bool
	ListenerCertID  string // identifier the listener accepted
}

// Deployer replaces the stored certificate for the configured domains.
type Deployer struct {
	store    CertStore
	listener ListenerUpdater
	opts     Options
	history  autocert.HistoryWriter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewDeployer panics on a nil store or logger. listener may be nil when no
// listener id is configured; history and m may be nil.
func NewDeployer(store CertStore, listener ListenerUpdater, opts Options, history autocert.HistoryWriter, m *metrics.Metrics, logger *slog.Logger) *Deployer {
	if store == nil || logger == nil {
		panic("deploy.NewDeployer: received nil store or logger")
	}
	if opts.Strategy == "" {
		opts.Strategy = autocert.StrategyUploadFirst
	}
	return &Deployer{
		store:    store,
		listener: listener,
		opts:     opts,
		history:  history,
		metrics:  m,
		logger:   logger.With("component", "deploy"),
		now:      time.Now,
	}
}

// Deploy uploads the live certificate, updates the listener and removes the
// bundles it supersedes.
func (d *Deployer) Deploy(ctx context.Context) (Result, error) {
	res, err := d.deploy(ctx)
	if err != nil {
		d.metrics.Deployment(metrics.ResultFailure)
		d.logger.Error("certificate deployment failed", "error", err)
		return res, err
	}
	d.metrics.Deployment(metrics.ResultSuccess)
	return res, nil
}

func (d *Deployer) deploy(ctx context.Context) (Result, error) {
	var res Result
	domains := cleanDomains(d.opts.Domains)
	if len(domains) == 0 {
		return res, errors.New("deploy: no domains configured")
	}

	paths, err := renewal.Locate(d.opts.LiveDir, domains[0])
	if err != nil {
		return res, fmt.Errorf("deploy: could not get certificate paths, run apply or renew first: %w", err)
	}
	certPEM, err := os.ReadFile(paths.Certificate)
	if err != nil {
		return res, fmt.Errorf("deploy: read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(paths.PrivateKey)
	if err != nil {
		return res, fmt.Errorf("deploy: read private key: %w", err)
	}
	d.logger.Info("deploying certificate", "certificate", paths.Certificate, "domains", domains, "strategy", d.opts.Strategy)

	existing, err := d.findExisting(ctx, domains)
	if err != nil {
		return res, err
	}
	for _, b := range existing {
		res.Superseded = append(res.Superseded, b.CertID)
	}

	if d.opts.Strategy == autocert.StrategyDeleteFirst {
		res.Deleted = d.deleteAll(ctx, existing)
	}

	name := BundleName(domains, d.now())
	bundle, err := d.store.Upload(ctx, name, string(certPEM), string(keyPEM))
	if err != nil {
		return res, fmt.Errorf("deploy: upload certificate %s: %w", name, err)
	}
	bundle.Domains = domains
	res.Bundle = bundle
	d.logger.Info("uploaded certificate", "name", name, "cert_id", bundle.CertID, "resource_id", bundle.ResourceID)

	if d.opts.ListenerID == "" || d.listener == nil {
		d.logger.Info("skipping listener update, no listener id configured")
	} else {
		accepted, err := d.updateListener(ctx, bundle)
		if err != nil {
			return res, err
		}
		res.ListenerUpdated = true
		res.ListenerCertID = accepted
		d.record(ctx, bundle)
	}

	if d.opts.Strategy != autocert.StrategyDeleteFirst {
		res.Deleted = d.deleteAll(ctx, existing)
	}
	return res, nil
}

// findExisting returns the distinct uploaded bundles matching any domain.
func (d *Deployer) findExisting(ctx context.Context, domains []string) ([]autocert.CertificateBundle, error) {
	uploaded, err := d.store.ListUploaded(ctx)
	if err != nil {
		return nil, fmt.Errorf("deploy: list uploaded certificates: %w", err)
	}
	d.logger.Info("listed uploaded certificates", "count", len(uploaded))

	seen := make(map[string]bool)
	var matches []autocert.CertificateBundle
	for _, domain := range domains {
		for _, b := range uploaded {
			if b.CertID == "" || seen[b.CertID] || !b.Covers(domain) {
				continue
			}
			seen[b.CertID] = true
			matches = append(matches, b)
			d.logger.Info("found certificate for domain", "domain", domain, "cert_id", b.CertID, "name", b.Name)
		}
	}
	return matches, nil
}

// deleteAll never fails; a bundle that could not be deleted is only logged.
func (d *Deployer) deleteAll(ctx context.Context, bundles []autocert.CertificateBundle) []string {
	var deleted []string
	for _, b := range bundles {
		if err := d.store.Delete(ctx, b.CertID); err != nil {
			d.logger.Warn("failed to delete certificate", "cert_id", b.CertID, "name", b.Name, "error", err)
			continue
		}
		d.logger.Info("deleted certificate", "cert_id", b.CertID, "name", b.Name)
		deleted = append(deleted, b.CertID)
	}
	return deleted
}

// updateListener tries the resource id first and falls back to the
// certificate id once.
func (d *Deployer) updateListener(ctx context.Context, bundle autocert.CertificateBundle) (string, error) {
	listenerID := d.opts.ListenerID
	if bundle.ResourceID != "" {
		err := d.listener.UpdateListenerCertificate(ctx, listenerID, bundle.ResourceID)
		if err == nil {
			d.logger.Info("updated listener", "listener_id", listenerID, "resource_id", bundle.ResourceID)
			return bundle.ResourceID, nil
		}
		d.logger.Warn("listener rejected resource id, trying certificate id",
			"listener_id", listenerID, "resource_id", bundle.ResourceID, "cert_id", bundle.CertID, "error", err)
	} else {
		d.logger.Warn("no resource id for certificate, trying certificate id", "cert_id", bundle.CertID)
	}

	if err := d.listener.UpdateListenerCertificate(ctx, listenerID, bundle.CertID); err != nil {
		return "", fmt.Errorf("%w: listener %s: %w", ErrListenerUpdate, listenerID, err)
	}
	d.logger.Info("updated listener", "listener_id", listenerID, "cert_id", bundle.CertID)
	return bundle.CertID, nil
}

func (d *Deployer) record(ctx context.Context, bundle autocert.CertificateBundle) {
	rec := autocert.DeploymentRecord{
		LoadBalancerID:       d.opts.LoadBalancerID,
		ListenerID:           d.opts.ListenerID,
		PrimaryCertificateID: bundle.CertID,
		AllCertificateIDs:    []string{bundle.CertID},
		DeployedAt:           d.now().UTC(),
		Domains:              bundle.Domains,
	}

	if d.opts.StorageDir != "" {
		if err := WriteSnapshot(d.opts.StorageDir, rec); err != nil {
			d.logger.Warn("could not save deployment information", "error", err)
		}
	}
	if d.history != nil {
		if err := d.history.AddDeployment(ctx, rec); err != nil {
			d.logger.Warn("failed to record deployment in history", "error", err)
		}
	}
}

// WriteSnapshot writes rec as indented JSON to dir/SnapshotFile.
func WriteSnapshot(dir string, rec autocert.DeploymentRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SnapshotFile), data, 0o644)
}

// ReadSnapshot reads the last snapshot written by WriteSnapshot.
func ReadSnapshot(dir string) (*autocert.DeploymentRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, SnapshotFile))
	if err != nil {
		return nil, err
	}
	var rec autocert.DeploymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("deploy: parse snapshot: %w", err)
	}
	return &rec, nil
}

// BundleName names an upload after the first two domains and the upload
// time, e.g. "example.com-wildcard.example.com-20250601-120000".
func BundleName(domains []string, at time.Time) string {
	domains = cleanDomains(domains)
	head := domains
	if len(head) > 2 {
		head = head[:2]
	}
	parts := make([]string, len(head))
	for i, d := range head {
		if strings.HasPrefix(d, "*.") {
			d = "wildcard." + strings.TrimPrefix(d, "*.")
		}
		parts[i] = d
	}
	name := strings.Join(parts, "-") + "-" + at.Format("20060102-150405")
	if len(domains) > 2 {
		name += fmt.Sprintf("-and-%d-more", len(domains)-2)
	}
	return name
}

func cleanDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}
