package autocert

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Validation methods understood by the issuer.
const (
	ValidationLego       = "lego"
	ValidationAliDNS     = "alidns"
	ValidationManual     = "manual"
	ValidationRoute53    = "dns-route53"
	ValidationStandalone = "standalone"
)

// Deployment strategies.
const (
	StrategyUploadFirst = "upload-first"
	StrategyDeleteFirst = "delete-first"
)

const (
	defaultRegion          = "cn-hangzhou"
	defaultIntervalHours   = 12
	defaultRenewBeforeDays = 30
	defaultTTL             = 600
)

// Duration is a time.Duration that decodes from "90s"-style strings or
// plain seconds, in TOML files and in the environment alike.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("cannot parse duration %q", s)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AlibabaConfig holds Alibaba Cloud credentials shared by the DNS, CAS and
// ALB clients.
type AlibabaConfig struct {
	AccessKeyID     string `toml:"access_key_id" env:"ALIBABA_CLOUD_ACCESS_KEY_ID" comment:"Alibaba Cloud AccessKey ID (set via env)"`
	AccessKeySecret string `toml:"access_key_secret" env:"ALIBABA_CLOUD_ACCESS_KEY_SECRET" comment:"Alibaba Cloud AccessKey secret (set via env)"`
	RegionID        string `toml:"region_id" env:"ALIBABA_CLOUD_REGION_ID" comment:"Region for the DNS, CAS and ALB endpoints"`
}

// CertConfig describes the certificate to keep issued.
type CertConfig struct {
	Domains          []string `toml:"domains" env:"CERT_DOMAINS" comment:"Domains for the certificate, the first one names it"`
	Email            string   `toml:"email" env:"CERT_EMAIL" comment:"ACME account email"`
	Staging          bool     `toml:"staging" env:"CERT_STAGING" comment:"Use the Let's Encrypt staging directory"`
	ValidationMethod string   `toml:"validation_method" env:"CERT_VALIDATION_METHOD" comment:"lego, alidns, manual, dns-route53 or standalone"`
	RenewBeforeDays  int      `toml:"renew_before_days" env:"CERT_RENEW_BEFORE_DAYS" comment:"Days before expiry to renew"`
	CADirectoryURL   string   `toml:"ca_directory_url" env:"CERT_CA_DIRECTORY_URL" comment:"ACME directory URL override"`
}

// DNSConfig tunes the DNS-01 challenge handling.
type DNSConfig struct {
	ZoneApex            string   `toml:"zone_apex" env:"DNS_ZONE_APEX" comment:"Zone apex managed in Alibaba Cloud DNS (derived when empty)"`
	TTL                 int      `toml:"ttl" env:"DNS_TTL" comment:"TTL of challenge TXT records in seconds"`
	PropagationTimeout  Duration `toml:"propagation_timeout" env:"DNS_PROPAGATION_TIMEOUT" comment:"How long to wait for a TXT record to show up"`
	PropagationInterval Duration `toml:"propagation_interval" env:"DNS_PROPAGATION_INTERVAL" comment:"Poll interval while waiting"`
}

// SLBConfig identifies the load balancer listener that serves the certificate.
type SLBConfig struct {
	InstanceID string `toml:"instance_id" env:"SLB_INSTANCE_ID" comment:"ALB instance id"`
	ListenerID string `toml:"listener_id" env:"SLB_LISTENER_ID" comment:"HTTPS listener id (lsr-...)"`
	Strategy   string `toml:"strategy" env:"DEPLOY_STRATEGY" comment:"upload-first or delete-first"`
}

// CronConfig configures the scheduler.
type CronConfig struct {
	IntervalHours  int      `toml:"interval_hours" env:"CRON_INTERVAL_HOURS" comment:"Hours between renewal checks, minimum 1"`
	RetryMaxElapse Duration `toml:"retry_max_elapsed" env:"CRON_RETRY_MAX_ELAPSED" comment:"Retry budget of a failed renewal inside one tick"`
}

// PathsConfig lists the local directories the tool reads and writes.
type PathsConfig struct {
	CertStorage     string `toml:"cert_storage" env:"CERT_STORAGE_PATH" comment:"Directory for the deployment snapshot"`
	CertbotConfig   string `toml:"certbot_config" env:"CERTBOT_CONFIG_DIR" comment:"certbot config dir, holds live/, accounts/ and challenge markers"`
	CertbotBinary   string `toml:"certbot_binary" env:"CERTBOT_BIN" comment:"certbot executable"`
	HistoryDatabase string `toml:"history_db" env:"HISTORY_DB" comment:"SQLite history database, empty disables it"`
}

// ObservabilityConfig controls logging and metrics.
type ObservabilityConfig struct {
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL" comment:"debug, info, warn or error"`
	LogFormat   string `toml:"log_format" env:"LOG_FORMAT" comment:"text or json"`
	MetricsAddr string `toml:"metrics_addr" env:"METRICS_ADDR" comment:"Prometheus listen address in cron mode, empty disables it"`
}

// Config is the complete configuration.
type Config struct {
	Alibaba AlibabaConfig       `toml:"alibaba"`
	Cert    CertConfig          `toml:"cert"`
	DNS     DNSConfig           `toml:"dns"`
	SLB     SLBConfig           `toml:"slb"`
	Cron    CronConfig          `toml:"cron"`
	Paths   PathsConfig         `toml:"paths"`
	Log     ObservabilityConfig `toml:"observability"`
}

// Default returns a Config holding the built-in defaults.
func Default() *Config {
	return &Config{
		Alibaba: AlibabaConfig{RegionID: defaultRegion},
		Cert: CertConfig{
			ValidationMethod: ValidationLego,
			RenewBeforeDays:  defaultRenewBeforeDays,
		},
		DNS: DNSConfig{
			TTL:                 defaultTTL,
			PropagationTimeout:  Duration(300 * time.Second),
			PropagationInterval: Duration(10 * time.Second),
		},
		SLB:  SLBConfig{Strategy: StrategyUploadFirst},
		Cron: CronConfig{IntervalHours: defaultIntervalHours, RetryMaxElapse: Duration(10 * time.Minute)},
		Paths: PathsConfig{
			CertStorage:   "./certs",
			CertbotConfig: "./certbot-config",
			CertbotBinary: "certbot",
		},
		Log: ObservabilityConfig{LogLevel: "info", LogFormat: "text"},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, a .env file in the working directory and the process environment,
// later sources overriding earlier ones.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env: %w", err)
	}
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load without the .env step, reading environment values
// from environ instead of the process when environ is not nil.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	domains := c.Cert.Domains[:0]
	for _, d := range c.Cert.Domains {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	c.Cert.Domains = domains
	c.Cert.Email = strings.TrimSpace(c.Cert.Email)
	c.Cert.ValidationMethod = strings.ToLower(strings.TrimSpace(c.Cert.ValidationMethod))
	c.DNS.ZoneApex = strings.TrimSuffix(strings.TrimSpace(c.DNS.ZoneApex), ".")
	c.SLB.Strategy = strings.ToLower(strings.TrimSpace(c.SLB.Strategy))
}

// PrimaryDomain is the first configured domain. certbot names the live
// directory after it.
func (c *Config) PrimaryDomain() string {
	if len(c.Cert.Domains) == 0 {
		return ""
	}
	return c.Cert.Domains[0]
}

// ValidationError lists every configuration problem found at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var problems []string

	if c.Alibaba.AccessKeyID == "" {
		problems = append(problems, "ALIBABA_CLOUD_ACCESS_KEY_ID is required")
	}
	if c.Alibaba.AccessKeySecret == "" {
		problems = append(problems, "ALIBABA_CLOUD_ACCESS_KEY_SECRET is required")
	}
	if len(c.Cert.Domains) == 0 {
		problems = append(problems, "CERT_DOMAINS is required")
	}
	if c.Cert.Email == "" {
		problems = append(problems, "CERT_EMAIL is required")
	}
	switch c.Cert.ValidationMethod {
	case ValidationLego, ValidationAliDNS, ValidationManual, ValidationRoute53, ValidationStandalone:
	default:
		problems = append(problems, fmt.Sprintf("CERT_VALIDATION_METHOD %q is not supported", c.Cert.ValidationMethod))
	}
	switch c.SLB.Strategy {
	case StrategyUploadFirst, StrategyDeleteFirst:
	default:
		problems = append(problems, fmt.Sprintf("DEPLOY_STRATEGY %q is not supported", c.SLB.Strategy))
	}
	if c.Cert.RenewBeforeDays < 1 {
		problems = append(problems, "CERT_RENEW_BEFORE_DAYS must be at least 1")
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// ValidateDeployment checks the settings needed to publish to the load
// balancer, in addition to Validate.
func (c *Config) ValidateDeployment() error {
	var problems []string
	var ve *ValidationError
	if err := c.Validate(); errors.As(err, &ve) {
		problems = append(problems, ve.Problems...)
	}
	if c.SLB.InstanceID == "" {
		problems = append(problems, "SLB_INSTANCE_ID is required")
	}
	if c.SLB.ListenerID == "" {
		problems = append(problems, "SLB_LISTENER_ID is required for certificate deployment")
	}
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// LogValue keeps secrets out of the logs.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("domains", c.Cert.Domains),
		slog.String("email", c.Cert.Email),
		slog.Bool("staging", c.Cert.Staging),
		slog.String("validation_method", c.Cert.ValidationMethod),
		slog.String("region", c.Alibaba.RegionID),
		slog.Bool("access_key_set", c.Alibaba.AccessKeyID != ""),
		slog.Bool("access_secret_set", c.Alibaba.AccessKeySecret != ""),
		slog.String("slb_instance_id", c.SLB.InstanceID),
		slog.String("slb_listener_id", c.SLB.ListenerID),
		slog.Int("interval_hours", c.Cron.IntervalHours),
	)
}
