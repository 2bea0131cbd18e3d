package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	autocert "github.com/caasmo/aliyun-autocert"
	"github.com/caasmo/aliyun-autocert/alidns"
	"github.com/caasmo/aliyun-autocert/deploy"
	"github.com/caasmo/aliyun-autocert/issuer"
	"github.com/caasmo/aliyun-autocert/renewal"
	"github.com/caasmo/aliyun-autocert/zombiezen"
)

// markerDir holds one file per pending challenge, shared between the
// certbot auth and cleanup hook processes.
func (a *app) markerDir() string {
	return filepath.Join(a.cfg.Paths.CertbotConfig, "alidns_records")
}

// challengeStore picks where record ids wait between Present and Cleanup.
// Hooks run as separate certbot child processes and need marker files; the
// lego issuer presents and cleans up within this process.
func (a *app) challengeStore(inProcess bool) alidns.RecordStore {
	if inProcess {
		return alidns.NewMemoryStore()
	}
	return alidns.NewFileStore(a.markerDir())
}

func (a *app) dnsHandler(store alidns.RecordStore) (*alidns.Handler, error) {
	client, err := alidns.NewAliClient(a.cfg.Alibaba.RegionID, a.cfg.Alibaba.AccessKeyID, a.cfg.Alibaba.AccessKeySecret)
	if err != nil {
		return nil, err
	}
	return alidns.NewHandler(client, store, alidns.Options{
		ZoneApex:            a.cfg.DNS.ZoneApex,
		TTL:                 a.cfg.DNS.TTL,
		PropagationTimeout:  a.cfg.DNS.PropagationTimeout.Std(),
		PropagationInterval: a.cfg.DNS.PropagationInterval.Std(),
		Metrics:             a.metrics,
	}, a.logger), nil
}

// openHistory returns nil when no history database is configured. The
// returned close function is always safe to call.
func (a *app) openHistory() (*zombiezen.Db, func(), error) {
	if a.cfg.Paths.HistoryDatabase == "" {
		return nil, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.Paths.HistoryDatabase), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := zombiezen.Open(a.cfg.Paths.HistoryDatabase)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := db.Close(); err != nil {
			a.logger.Error("Failed to close history database", "error", err)
		}
	}, nil
}

// historyWriter avoids handing a typed nil to code that checks for nil.
func historyWriter(db *zombiezen.Db) autocert.HistoryWriter {
	if db == nil {
		return nil
	}
	return db
}

func (a *app) checker() *renewal.Checker {
	return &renewal.Checker{
		LiveDir:   renewal.LiveDir(a.cfg.Paths.CertbotConfig),
		Primary:   a.cfg.PrimaryDomain(),
		Threshold: renewal.Days(a.cfg.Cert.RenewBeforeDays),
	}
}

func (a *app) issuer(ctx context.Context, history autocert.HistoryWriter) (renewal.Issuer, error) {
	if a.cfg.Cert.ValidationMethod == autocert.ValidationLego {
		handler, err := a.dnsHandler(a.challengeStore(true))
		if err != nil {
			return nil, err
		}
		return issuer.NewLego(issuer.LegoOptions{
			Email:          a.cfg.Cert.Email,
			Domains:        a.cfg.Cert.Domains,
			ConfigDir:      a.cfg.Paths.CertbotConfig,
			Staging:        a.cfg.Cert.Staging,
			CADirectoryURL: a.cfg.Cert.CADirectoryURL,
			DNSTimeout:     a.cfg.DNS.PropagationTimeout.Std() + a.cfg.DNS.PropagationInterval.Std(),
		}, alidns.NewLegoProvider(ctx, handler), history, a.logger), nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable for certbot hooks: %w", err)
	}
	env := []string{
		"CERT_DOMAINS=" + strings.Join(a.cfg.Cert.Domains, ","),
		"ALIBABA_CLOUD_ACCESS_KEY_ID=" + a.cfg.Alibaba.AccessKeyID,
		"ALIBABA_CLOUD_ACCESS_KEY_SECRET=" + a.cfg.Alibaba.AccessKeySecret,
		"ALIBABA_CLOUD_REGION_ID=" + a.cfg.Alibaba.RegionID,
		"CERTBOT_CONFIG_DIR=" + a.cfg.Paths.CertbotConfig,
	}
	if a.configPath != "" {
		env = append(env, configEnv+"="+a.configPath)
	}
	return issuer.NewCertbot(issuer.CertbotOptions{
		Binary:      a.cfg.Paths.CertbotBinary,
		Domains:     a.cfg.Cert.Domains,
		Email:       a.cfg.Cert.Email,
		ConfigDir:   a.cfg.Paths.CertbotConfig,
		Method:      a.cfg.Cert.ValidationMethod,
		Staging:     a.cfg.Cert.Staging,
		HookCommand: shellQuote(self) + " hook",
		Env:         env,
	}, nil, history, a.logger), nil
}

func (a *app) deployer(history autocert.HistoryWriter) (*deploy.Deployer, error) {
	store, err := deploy.NewAliCAS(a.cfg.Alibaba.RegionID, a.cfg.Alibaba.AccessKeyID, a.cfg.Alibaba.AccessKeySecret)
	if err != nil {
		return nil, err
	}
	var listener deploy.ListenerUpdater
	if a.cfg.SLB.ListenerID != "" {
		alb, err := deploy.NewAliALB(a.cfg.Alibaba.RegionID, a.cfg.Alibaba.AccessKeyID, a.cfg.Alibaba.AccessKeySecret)
		if err != nil {
			return nil, err
		}
		listener = alb
	}
	return deploy.NewDeployer(store, listener, deploy.Options{
		LiveDir:        renewal.LiveDir(a.cfg.Paths.CertbotConfig),
		Domains:        a.cfg.Cert.Domains,
		LoadBalancerID: a.cfg.SLB.InstanceID,
		ListenerID:     a.cfg.SLB.ListenerID,
		Strategy:       a.cfg.SLB.Strategy,
		StorageDir:     a.cfg.Paths.CertStorage,
	}, history, a.metrics, a.logger), nil
}

// shellQuote quotes s for the POSIX shell certbot runs hooks with.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
