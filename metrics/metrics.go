// Package metrics exposes Prometheus collectors for the certificate
// lifecycle. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Metrics groups every collector the tool updates.
type Metrics struct {
	registry *prometheus.Registry

	DNSRecordsCreated   prometheus.Counter
	DNSRecordsDeleted   prometheus.Counter
	DNSCleanupFailures  prometheus.Counter
	Renewals            *prometheus.CounterVec
	Deployments         *prometheus.CounterVec
	SchedulerTicks      *prometheus.CounterVec
	CertificateNotAfter prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DNSRecordsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autocert_dns_records_created_total",
			Help: "Number of challenge TXT records created.",
		}),
		DNSRecordsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autocert_dns_records_deleted_total",
			Help: "Number of challenge TXT records deleted.",
		}),
		DNSCleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autocert_dns_cleanup_failures_total",
			Help: "Number of failed challenge record cleanups.",
		}),
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocert_renewals_total",
			Help: "Renewal runs by result.",
		}, []string{"result"}),
		Deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocert_deployments_total",
			Help: "Deployment runs by result.",
		}, []string{"result"}),
		SchedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autocert_scheduler_ticks_total",
			Help: "Scheduler ticks by result.",
		}, []string{"result"}),
		CertificateNotAfter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autocert_certificate_not_after_seconds",
			Help: "Expiry of the current certificate as a unix timestamp.",
		}),
	}

	m.registry.MustRegister(
		m.DNSRecordsCreated,
		m.DNSRecordsDeleted,
		m.DNSCleanupFailures,
		m.Renewals,
		m.Deployments,
		m.SchedulerTicks,
		m.CertificateNotAfter,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordCreated() {
	if m != nil {
		m.DNSRecordsCreated.Inc()
	}
}

func (m *Metrics) RecordDeleted() {
	if m != nil {
		m.DNSRecordsDeleted.Inc()
	}
}

func (m *Metrics) CleanupFailed() {
	if m != nil {
		m.DNSCleanupFailures.Inc()
	}
}

func (m *Metrics) Renewal(result string) {
	if m != nil {
		m.Renewals.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Deployment(result string) {
	if m != nil {
		m.Deployments.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Tick(result string) {
	if m != nil {
		m.SchedulerTicks.WithLabelValues(result).Inc()
	}
}

// Expiry records the NotAfter of the certificate on disk.
func (m *Metrics) Expiry(notAfter time.Time) {
	if m != nil && !notAfter.IsZero() {
		m.CertificateNotAfter.Set(float64(notAfter.Unix()))
	}
}

// Serve exposes the registry on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
