package issuer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	autocert "github.com/caasmo/aliyun-autocert"
	"github.com/caasmo/aliyun-autocert/renewal"
)

// Command is one external process invocation.
type Command struct {
	Path        string
	Args        []string
	Env         []string // appended to the current environment
	Interactive bool     // attach the terminal instead of capturing output
}

// Runner executes a Command and returns its captured stdout.
type Runner func(ctx context.Context, cmd Command) (stdout string, err error)

// CertbotOptions configures the certbot issuer.
type CertbotOptions struct {
	Binary    string
	Domains   []string
	Email     string
	ConfigDir string
	Method    string
	Staging   bool
	// HookCommand is the shell command certbot calls for manual hooks;
	// " auth" and " cleanup" are appended to it.
	HookCommand string
	Env         []string
}

// Certbot obtains certificates by running certbot.
type Certbot struct {
	opts    CertbotOptions
	run     Runner
	history autocert.HistoryWriter
	logger  *slog.Logger
}

// NewCertbot creates the issuer. run may be nil to execute the real
// binary; history may be nil.
func NewCertbot(opts CertbotOptions, run Runner, history autocert.HistoryWriter, logger *slog.Logger) *Certbot {
	if logger == nil {
		panic("issuer.NewCertbot: received nil logger")
	}
	if opts.Binary == "" {
		opts.Binary = "certbot"
	}
	if run == nil {
		run = ExecRunner
	}
	return &Certbot{opts: opts, run: run, history: history, logger: logger.With("issuer", "certbot")}
}

// Args builds the certbot command line.
func (c *Certbot) Args(forceRenewal bool) []string {
	dir := c.opts.ConfigDir
	args := []string{
		"certonly",
		"--agree-tos",
		"--no-eff-email",
		"--email", c.opts.Email,
		"--config-dir", dir,
		"--work-dir", filepath.Join(dir, "work"),
		"--logs-dir", filepath.Join(dir, "logs"),
		"--key-type", "rsa",
		"--rsa-key-size", "2048",
	}
	if len(c.opts.Domains) > 0 {
		args = append(args, "--cert-name", c.opts.Domains[0])
	}

	switch c.opts.Method {
	case autocert.ValidationManual:
		args = append(args, "--manual", "--preferred-challenges", "dns-01")
	case autocert.ValidationAliDNS:
		args = append(args,
			"--manual",
			"--preferred-challenges", "dns-01",
			"--manual-auth-hook", c.opts.HookCommand+" auth",
			"--manual-cleanup-hook", c.opts.HookCommand+" cleanup",
			"--non-interactive",
		)
	case autocert.ValidationRoute53:
		args = append(args, "--authenticator", "dns-route53", "--preferred-challenges", "dns-01")
	default:
		// No wildcard support over http-01.
		args = append(args, "--standalone", "--preferred-challenges", "http-01")
	}

	if c.opts.Staging {
		args = append(args, "--staging")
	}
	for _, d := range c.opts.Domains {
		args = append(args, "-d", d)
	}
	if forceRenewal {
		args = append(args, "--force-renewal")
	}
	return args
}

// Obtain runs certbot. The exit status decides the outcome; stdout is only
// parsed for logging.
func (c *Certbot) Obtain(ctx context.Context, forceRenewal bool) error {
	if len(c.opts.Domains) == 0 {
		return errors.New("issuer: no domains configured")
	}
	if err := os.MkdirAll(c.opts.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("issuer: create %s: %w", c.opts.ConfigDir, err)
	}

	cmd := Command{
		Path:        c.opts.Binary,
		Args:        c.Args(forceRenewal),
		Env:         c.opts.Env,
		Interactive: c.opts.Method == autocert.ValidationManual,
	}
	c.logger.Info("Running certbot",
		"args", strings.Join(cmd.Args, " "),
		"domains", c.opts.Domains,
		"staging", c.opts.Staging,
		"validation_method", c.opts.Method)
	if cmd.Interactive {
		c.logger.Info("Manual DNS validation: add the TXT records certbot prints, wait for them to propagate, then press Enter")
	}

	out, err := c.run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("issuer: certbot failed: %w", err)
	}

	if !cmd.Interactive {
		if parsed := ParseOutput(out); parsed.Success {
			c.logger.Info("certbot finished",
				"certificate", parsed.CertificatePath,
				"private_key", parsed.KeyPath,
				"expires", parsed.Expires)
		} else {
			c.logger.Warn("Could not parse certificate information from certbot output")
		}
	}

	paths, err := renewal.Locate(renewal.LiveDir(c.opts.ConfigDir), c.opts.Domains[0])
	if err != nil {
		c.logger.Warn("certbot succeeded but no live certificate was found", "error", err)
		return nil
	}
	recordIssued(ctx, c.history, c.opts.Domains, paths.Certificate, c.logger)
	return nil
}

// ExecRunner runs cmd with os/exec. Captured stderr is attached to the
// returned error.
func ExecRunner(ctx context.Context, cmd Command) (string, error) {
	ec := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	ec.Env = append(os.Environ(), cmd.Env...)

	if cmd.Interactive {
		ec.Stdin = os.Stdin
		ec.Stdout = os.Stdout
		ec.Stderr = os.Stderr
		return "", ec.Run()
	}

	var stdout, stderr bytes.Buffer
	ec.Stdout = &stdout
	ec.Stderr = &stderr
	if err := ec.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}
