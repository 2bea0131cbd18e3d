package autocert

import (
	"strings"
	"time"
)

// ChallengeRecord pairs an ACME validation name with the provider record
// created for it, so the cleanup step can delete exactly that record.
type ChallengeRecord struct {
	ValidationName string
	RecordID       string
}

// CertificateBundle is a certificate uploaded to the cloud certificate store.
type CertificateBundle struct {
	CertID     string   // CAS certificate id
	ResourceID string   // resource id referenced by ALB listeners, may be empty
	Name       string   // display name in the store
	CommonName string   // only populated for listed bundles
	Domains    []string // SANs for listed bundles, configured domains for uploads
}

// Covers reports whether the bundle name, common name or SANs contain domain.
func (b CertificateBundle) Covers(domain string) bool {
	if domain == "" {
		return false
	}
	if b.Name != "" && strings.Contains(b.Name, domain) {
		return true
	}
	if b.CommonName != "" && strings.Contains(b.CommonName, domain) {
		return true
	}
	for _, san := range b.Domains {
		if strings.Contains(san, domain) {
			return true
		}
	}
	return false
}

// DeploymentRecord is the snapshot written after a successful listener
// update. It is informational only.
type DeploymentRecord struct {
	LoadBalancerID       string    `json:"load_balancer_id"`
	ListenerID           string    `json:"listener_id"`
	PrimaryCertificateID string    `json:"primary_certificate_id"`
	AllCertificateIDs    []string  `json:"all_certificate_ids"`
	DeployedAt           time.Time `json:"deployed_at"`
	Domains              []string  `json:"domains"`
}

// Cert represents an issued certificate record.
type Cert struct {
	ID               int64     // Primary Key (Populated on insert)
	Identifier       string    // primary domain
	Domains          []string  // all domains covered
	CertificateChain string    // PEM encoded certificate chain
	IssuedAt         time.Time // UTC timestamp of issuance
	ExpiresAt        time.Time // UTC timestamp of expiry
}

// TimeFormat renders t the way the history database stores timestamps.
func TimeFormat(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// TimeParse reverses TimeFormat. The empty string yields the zero time.
func TimeParse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
