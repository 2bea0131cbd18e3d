package autocert

import "github.com/pelletier/go-toml/v2"

// BlueprintConfig returns a Config populated with example values.
func BlueprintConfig() *Config {
	cfg := Default()
	cfg.Alibaba.AccessKeyID = "YOUR_ALIBABA_CLOUD_ACCESS_KEY_ID_ENV_VAR_OR_SECRET"
	cfg.Alibaba.AccessKeySecret = "YOUR_ALIBABA_CLOUD_ACCESS_KEY_SECRET_ENV_VAR_OR_SECRET"
	cfg.Cert.Domains = []string{"example.com", "*.example.com"}
	cfg.Cert.Email = "your-acme-account@example.com"
	cfg.Cert.Staging = true
	cfg.DNS.ZoneApex = "example.com"
	cfg.SLB.InstanceID = "alb-xxxxxx"
	cfg.SLB.ListenerID = "lsr-xxxxxx"
	return cfg
}

// MarshalTOML renders cfg as a commented TOML document.
func MarshalTOML(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}
