package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/caasmo/aliyun-autocert/alidns"
	"github.com/caasmo/aliyun-autocert/deploy"
	"github.com/caasmo/aliyun-autocert/renewal"
	"github.com/caasmo/aliyun-autocert/scheduler"
)

func newApplyCommand(ctx context.Context, a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Obtain a certificate for the configured domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.validate(false); err != nil {
				return err
			}
			db, closeDB, err := a.openHistory()
			if err != nil {
				return err
			}
			defer closeDB()

			iss, err := a.issuer(ctx, historyWriter(db))
			if err != nil {
				return err
			}
			a.logger.Info("Starting certificate application", "domains", a.cfg.Cert.Domains,
				"email", a.cfg.Cert.Email, "staging", a.cfg.Cert.Staging,
				"validation_method", a.cfg.Cert.ValidationMethod)
			if err := iss.Obtain(ctx, false); err != nil {
				return err
			}
			a.logger.Info("Certificate application completed successfully")
			return nil
		},
	}
}

func newRenewCommand(ctx context.Context, a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the certificate if it expires within the renewal window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.validate(false); err != nil {
				return err
			}
			db, closeDB, err := a.openHistory()
			if err != nil {
				return err
			}
			defer closeDB()

			iss, err := a.issuer(ctx, historyWriter(db))
			if err != nil {
				return err
			}
			if force {
				a.logger.Info("Forcing certificate renewal")
				return iss.Obtain(ctx, true)
			}
			_, err = renewal.NewRenewer(a.checker(), iss, a.metrics, a.logger).Run(ctx)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "renew even if the certificate is not due")
	return cmd
}

func newDeployCommand(ctx context.Context, a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Upload the live certificate to CAS and update the ALB listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.validate(true); err != nil {
				return err
			}
			db, closeDB, err := a.openHistory()
			if err != nil {
				return err
			}
			defer closeDB()

			d, err := a.deployer(historyWriter(db))
			if err != nil {
				return err
			}
			res, err := d.Deploy(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("Certificate management completed successfully",
				"cert_id", res.Bundle.CertID,
				"name", res.Bundle.Name,
				"listener_updated", res.ListenerUpdated,
				"deleted", res.Deleted)
			return nil
		},
	}
}

func newCronCommand(ctx context.Context, a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run renewal and deployment on a fixed interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.validate(true); err != nil {
				return err
			}
			db, closeDB, err := a.openHistory()
			if err != nil {
				return err
			}
			defer closeDB()

			iss, err := a.issuer(ctx, historyWriter(db))
			if err != nil {
				return err
			}
			d, err := a.deployer(historyWriter(db))
			if err != nil {
				return err
			}
			renewer := renewal.NewRenewer(a.checker(), iss, a.metrics, a.logger)

			s := scheduler.New(scheduler.Options{
				Interval: scheduler.IntervalFromHours(a.cfg.Cron.IntervalHours, a.logger),
				Renew: func(ctx context.Context) error {
					_, err := renewer.Run(ctx)
					return err
				},
				Deploy: func(ctx context.Context) error {
					_, err := d.Deploy(ctx)
					return err
				},
				RetryMaxElapsed: a.cfg.Cron.RetryMaxElapse.Std(),
				Metrics:         a.metrics,
			}, a.logger)

			if once {
				return s.Tick(ctx)
			}

			if addr := a.cfg.Log.MetricsAddr; addr != "" {
				go func() {
					if err := a.metrics.Serve(ctx, addr, a.logger); err != nil {
						a.logger.Error("metrics server failed", "addr", addr, "error", err)
					}
				}()
			}
			return s.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}

func newHookCommand(ctx context.Context, a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hook [auth|cleanup]",
		Short: "certbot manual hook managing the challenge TXT record",
		Long: `hook is called by certbot with CERTBOT_DOMAIN and CERTBOT_VALIDATION set.
Without an argument the phase is auth, or cleanup when CERTBOT_AUTH_OUTPUT
is present.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"auth", "cleanup"},
		RunE: func(cmd *cobra.Command, args []string) error {
			phase := "auth"
			if _, ok := os.LookupEnv("CERTBOT_AUTH_OUTPUT"); ok {
				phase = "cleanup"
			}
			if len(args) == 1 {
				phase = args[0]
			}
			if phase != "auth" && phase != "cleanup" {
				return fmt.Errorf("unknown hook phase %q", phase)
			}

			domain := os.Getenv("CERTBOT_DOMAIN")
			validation := os.Getenv("CERTBOT_VALIDATION")
			if domain == "" || validation == "" {
				return errors.New("CERTBOT_DOMAIN and CERTBOT_VALIDATION must be set")
			}
			if a.cfg.Alibaba.AccessKeyID == "" || a.cfg.Alibaba.AccessKeySecret == "" {
				return errors.New("ALIBABA_CLOUD_ACCESS_KEY_ID and ALIBABA_CLOUD_ACCESS_KEY_SECRET must be set")
			}

			h, err := a.dnsHandler(a.challengeStore(false))
			if err != nil {
				return err
			}
			name := "_acme-challenge." + domain
			logger := a.logger.With("hook", phase, "domain", domain, "validation_name", name)

			if phase == "cleanup" {
				h.Cleanup(ctx, domain, name, validation)
				logger.Info("cleanup finished")
				return nil
			}

			if err := h.Present(ctx, domain, name, validation); err != nil {
				return err
			}
			if err := h.WaitForPropagation(ctx, domain, name, validation); err != nil {
				logger.Warn("record not visible yet, letting the CA try anyway", "error", err)
			}
			logger.Info("challenge record ready")
			return nil
		},
	}
}

func newStatusCommand(ctx context.Context, a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show certificate expiry and the last deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			st := a.checker().Check()
			if st.Path == "" {
				fmt.Fprintln(out, "certificate:   none")
			} else {
				fmt.Fprintf(out, "certificate:   %s\n", st.Path)
				if !st.NotAfter.IsZero() {
					fmt.Fprintf(out, "expires:       %s (%d days)\n", st.NotAfter.Format(time.RFC3339), st.DaysRemaining)
				}
			}
			fmt.Fprintf(out, "renewal due:   %t (%s)\n", st.Due, st.Reason)

			pending, err := alidns.NewFileStore(a.markerDir()).Pending()
			if err != nil {
				return err
			}
			for _, r := range pending {
				fmt.Fprintf(out, "stale record:  %s (record %s)\n", r.ValidationName, r.RecordID)
			}

			db, closeDB, err := a.openHistory()
			if err != nil {
				return err
			}
			defer closeDB()

			if db != nil {
				cert, err := db.LatestCert(ctx)
				if err != nil {
					return err
				}
				if cert == nil {
					fmt.Fprintln(out, "last issued:   never")
				} else {
					fmt.Fprintf(out, "last issued:   %s for %s (expires %s)\n",
						cert.IssuedAt.Format(time.RFC3339), cert.Identifier, cert.ExpiresAt.Format(time.RFC3339))
				}

				if rec, err := db.LatestDeployment(ctx); err != nil {
					return err
				} else if rec != nil {
					fmt.Fprintf(out, "last deployed: %s to %s (cert %s)\n",
						rec.DeployedAt.Format(time.RFC3339), rec.ListenerID, rec.PrimaryCertificateID)
					return nil
				}
			}

			rec, err := deploy.ReadSnapshot(a.cfg.Paths.CertStorage)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				fmt.Fprintln(out, "last deployed: never")
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "last deployed: %s to %s (cert %s)\n",
					rec.DeployedAt.Format(time.RFC3339), rec.ListenerID, rec.PrimaryCertificateID)
			}
			return nil
		},
	}
}
