// Package alidns answers ACME DNS-01 challenges with TXT records in
// Alibaba Cloud DNS and remembers which record it created for each
// challenge so it can be removed afterwards.
package alidns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caasmo/aliyun-autocert/metrics"
)

const (
	DefaultTTL                 = 600
	DefaultPropagationTimeout  = 300 * time.Second
	DefaultPropagationInterval = 10 * time.Second
)

// ErrNotPropagated is returned when a TXT record did not become visible in time.
var ErrNotPropagated = errors.New("alidns: record not visible before timeout")

// Record is a DNS record as reported by the provider.
type Record struct {
	ID    string
	Zone  string
	RR    string
	Type  string
	Value string
	TTL   int
}

// Client is the subset of the cloud DNS API the handler needs.
type Client interface {
	AddTXTRecord(ctx context.Context, zone, rr, value string, ttl int) (string, error)
	FindTXTRecords(ctx context.Context, zone, rr string) ([]Record, error)
	DeleteRecord(ctx context.Context, recordID string) error
}

// Options configures a Handler. Zero values select the defaults.
type Options struct {
	ZoneApex            string
	TTL                 int
	PropagationTimeout  time.Duration
	PropagationInterval time.Duration
	Metrics             *metrics.Metrics
}

// Handler creates and removes challenge TXT records.
type Handler struct {
	client  Client
	store   RecordStore
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler builds a Handler. It panics on nil dependencies.
func NewHandler(client Client, store RecordStore, opts Options, logger *slog.Logger) *Handler {
	if client == nil || store == nil || logger == nil {
		panic("alidns.NewHandler: received nil client, store, or logger")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PropagationTimeout <= 0 {
		opts.PropagationTimeout = DefaultPropagationTimeout
	}
	if opts.PropagationInterval <= 0 {
		opts.PropagationInterval = DefaultPropagationInterval
	}
	return &Handler{
		client:  client,
		store:   store,
		opts:    opts,
		logger:  logger.With("component", "alidns"),
		metrics: opts.Metrics,
	}
}

type target struct {
	key       string // normalized validation name, the store key
	zone      string
	subdomain string
}

func (h *Handler) resolve(domain, validationName string) target {
	key := strings.TrimSuffix(NormalizeValidationName(validationName), ".")
	zone := ZoneApex(domain, h.opts.ZoneApex)
	return target{
		key:       key,
		zone:      zone,
		subdomain: Subdomain(key, zone),
	}
}

// Present creates the TXT record for a challenge and remembers its id.
// Provider errors are returned as is; there is no retry.
func (h *Handler) Present(ctx context.Context, domain, validationName, value string) error {
	t := h.resolve(domain, validationName)
	logger := h.logger.With("domain", domain, "validation_name", t.key, "zone", t.zone, "rr", t.subdomain)

	logger.Info("adding TXT record")
	recordID, err := h.client.AddTXTRecord(ctx, t.zone, t.subdomain, value, h.opts.TTL)
	if err != nil {
		logger.Error("failed to add TXT record", "error", err)
		return fmt.Errorf("alidns: add TXT record %s.%s: %w", t.subdomain, t.zone, err)
	}
	h.metrics.RecordCreated()
	logger.Info("TXT record added", "record_id", recordID)

	// Cleanup falls back to a provider query when the marker is missing.
	if err := h.store.Save(t.key, recordID); err != nil {
		logger.Warn("failed to remember record id", "record_id", recordID, "error", err)
	}
	return nil
}

// Cleanup removes the TXT record created for a challenge. Failures are
// logged and never returned so they cannot fail an otherwise successful
// issuance.
func (h *Handler) Cleanup(ctx context.Context, domain, validationName, value string) {
	t := h.resolve(domain, validationName)
	logger := h.logger.With("domain", domain, "validation_name", t.key, "zone", t.zone, "rr", t.subdomain)

	recordID, found, err := h.store.Get(t.key)
	if err != nil {
		logger.Warn("failed to read stored record id", "error", err)
	}
	if found {
		logger.Info("deleting stored TXT record", "record_id", recordID)
		h.deleteRecord(ctx, logger, t.key, recordID)
		return
	}

	logger.Warn("no stored record id, querying provider")
	records, err := h.client.FindTXTRecords(ctx, t.zone, t.subdomain)
	if err != nil {
		h.metrics.CleanupFailed()
		logger.Error("failed to list TXT records", "error", err)
		return
	}
	if len(records) == 0 {
		logger.Warn("no TXT records found")
		return
	}
	logger.Info("deleting TXT records found by query", "count", len(records))
	for _, r := range records {
		h.deleteRecord(ctx, logger, t.key, r.ID)
	}
}

func (h *Handler) deleteRecord(ctx context.Context, logger *slog.Logger, key, recordID string) {
	if err := h.client.DeleteRecord(ctx, recordID); err != nil {
		h.metrics.CleanupFailed()
		logger.Error("failed to delete TXT record", "record_id", recordID, "error", err)
		return
	}
	h.metrics.RecordDeleted()
	logger.Info("TXT record deleted", "record_id", recordID)

	if err := h.store.Remove(key); err != nil {
		logger.Warn("failed to remove record marker", "error", err)
	}
}

// WaitForPropagation polls the provider until a TXT record holding value
// is listed at the challenge name, or the propagation timeout elapses.
func (h *Handler) WaitForPropagation(ctx context.Context, domain, validationName, value string) error {
	t := h.resolve(domain, validationName)
	logger := h.logger.With("zone", t.zone, "rr", t.subdomain)

	start := time.Now()
	retries := uint64(h.opts.PropagationTimeout / h.opts.PropagationInterval)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(h.opts.PropagationInterval), retries),
		ctx,
	)

	op := func() error {
		records, err := h.client.FindTXTRecords(ctx, t.zone, t.subdomain)
		if err != nil {
			logger.Warn("propagation check failed", "error", err)
			return err
		}
		for _, r := range records {
			if r.Value == value {
				return nil
			}
		}
		logger.Info("waiting for DNS propagation",
			"elapsed", time.Since(start).Truncate(time.Second),
			"timeout", h.opts.PropagationTimeout)
		return ErrNotPropagated
	}

	if err := backoff.Retry(op, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn("DNS propagation timed out")
		return fmt.Errorf("%w: %s.%s", ErrNotPropagated, t.subdomain, t.zone)
	}
	logger.Info("DNS record visible")
	return nil
}

// Timeout returns the propagation timeout and poll interval.
func (h *Handler) Timeout() (timeout, interval time.Duration) {
	return h.opts.PropagationTimeout, h.opts.PropagationInterval
}
