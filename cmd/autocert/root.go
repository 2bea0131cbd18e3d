package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	autocert "github.com/caasmo/aliyun-autocert"
	"github.com/caasmo/aliyun-autocert/metrics"
)

// configEnv names the config file for commands started by certbot hooks.
const configEnv = "AUTOCERT_CONFIG"

// app is the state shared by every subcommand once the config is loaded.
type app struct {
	configPath string
	cfg        *autocert.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRootCommand initializes the tree of commands.
func NewRootCommand(ctx context.Context) *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "autocert",
		Short: "Issue, renew and deploy Let's Encrypt certificates for Alibaba Cloud ALB",
		Long: `autocert obtains certificates from Let's Encrypt with DNS-01 challenges
answered through Alibaba Cloud DNS, renews them before they expire and
publishes them to Certificate Management Service and an ALB listener.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv(configEnv),
		"path to the TOML config file (env "+configEnv+")")

	rootCmd.AddCommand(
		newApplyCommand(ctx, a),
		newRenewCommand(ctx, a),
		newDeployCommand(ctx, a),
		newCronCommand(ctx, a),
		newHookCommand(ctx, a),
		newStatusCommand(ctx, a),
	)
	return rootCmd
}

func (a *app) load() error {
	cfg, err := autocert.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = autocert.NewLogger(os.Stderr, cfg.Log.LogLevel, cfg.Log.LogFormat)
	slog.SetDefault(a.logger)
	a.metrics = metrics.New()
	if a.configPath != "" {
		if abs, err := filepath.Abs(a.configPath); err == nil {
			a.configPath = abs
		}
	}
	a.logger.Debug("configuration loaded", "config", a.cfg)
	return nil
}

// validate logs every problem before returning the error.
func (a *app) validate(deployment bool) error {
	check := a.cfg.Validate
	if deployment {
		check = a.cfg.ValidateDeployment
	}
	err := check()
	if err == nil {
		return nil
	}
	var ve *autocert.ValidationError
	if errors.As(err, &ve) {
		a.logger.Error("Configuration errors:")
		for _, p := range ve.Problems {
			a.logger.Error("  - " + p)
		}
	}
	return fmt.Errorf("invalid configuration: %w", err)
}
