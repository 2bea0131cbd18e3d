// Package renewal decides from the certificate on disk whether a renewal
// is due and runs the issuer when it is.
package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caasmo/aliyun-autocert/metrics"
)

// DefaultThreshold is how long before expiry a certificate is renewed.
const DefaultThreshold = 30 * 24 * time.Hour

// Days converts a day count to a threshold.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// Status is the outcome of an expiry check.
type Status struct {
	Path          string
	NotAfter      time.Time
	DaysRemaining int
	Due           bool
	Reason        string
}

// Checker reads the live certificate expiry directly from the file.
type Checker struct {
	LiveDir   string
	Primary   string
	Threshold time.Duration
	Now       func() time.Time
}

// Check never fails: a missing or unreadable certificate is reported as due.
func (c *Checker) Check() Status {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	paths, err := Locate(c.LiveDir, c.Primary)
	if err != nil {
		return Status{Due: true, Reason: "no certificate file found"}
	}

	notAfter, err := ReadExpiry(paths.Certificate)
	if err != nil {
		return Status{Path: paths.Certificate, Due: true, Reason: "expiry unreadable: " + err.Error()}
	}

	t := now()
	s := Status{
		Path:          paths.Certificate,
		NotAfter:      notAfter,
		DaysRemaining: int(notAfter.Sub(t).Hours() / 24),
	}
	if notAfter.Before(t.Add(threshold)) {
		s.Due = true
		s.Reason = "expires within renewal window"
	} else {
		s.Reason = "not yet due"
	}
	return s
}

// Issuer obtains a certificate into the live directory.
type Issuer interface {
	Obtain(ctx context.Context, forceRenewal bool) error
}

// Outcome reports what a renewal run did.
type Outcome struct {
	Status  Status
	Renewed bool
}

// Renewer runs the issuer when the checker says renewal is due.
type Renewer struct {
	checker *Checker
	issuer  Issuer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRenewer panics on nil dependencies; m may be nil.
func NewRenewer(checker *Checker, issuer Issuer, m *metrics.Metrics, logger *slog.Logger) *Renewer {
	if checker == nil || issuer == nil || logger == nil {
		panic("renewal.NewRenewer: received nil checker, issuer, or logger")
	}
	return &Renewer{
		checker: checker,
		issuer:  issuer,
		logger:  logger.With("component", "renewal"),
		metrics: m,
	}
}

// Run renews the certificate if it is due. Not being due is a success.
func (r *Renewer) Run(ctx context.Context) (Outcome, error) {
	status := r.checker.Check()
	r.metrics.Expiry(status.NotAfter)

	if !status.Due {
		r.logger.Info("certificate does not need renewal",
			"path", status.Path,
			"not_after", status.NotAfter.Format(time.DateOnly),
			"days_remaining", status.DaysRemaining)
		r.metrics.Renewal(metrics.ResultSkipped)
		return Outcome{Status: status}, nil
	}

	r.logger.Info("certificate renewal needed", "path", status.Path, "reason", status.Reason)
	// First issuance needs no --force-renewal.
	force := status.Path != ""
	if err := r.issuer.Obtain(ctx, force); err != nil {
		r.metrics.Renewal(metrics.ResultFailure)
		r.logger.Error("certificate renewal failed", "error", err)
		return Outcome{Status: status}, fmt.Errorf("renewal: obtain certificate: %w", err)
	}
	r.metrics.Renewal(metrics.ResultSuccess)

	renewed := r.checker.Check()
	r.metrics.Expiry(renewed.NotAfter)
	if renewed.Due {
		r.logger.Warn("certificate still due after renewal", "reason", renewed.Reason)
	}
	r.logger.Info("certificate renewed", "path", renewed.Path, "not_after", renewed.NotAfter)
	return Outcome{Status: renewed, Renewed: true}, nil
}
