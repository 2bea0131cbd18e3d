package issuer

import (
	"strings"
	"time"
)

// Output is what could be read from certbot's stdout.
type Output struct {
	Success         bool
	CertificatePath string
	KeyPath         string
	Expires         string
	ExpiresAt       time.Time // zero when Expires is not a plain date
	Deployed        bool
}

var (
	successMarkers = []string{"Congratulations!", "Renewal succeeded", "Successfully received certificate"}
	certMarkers    = []string{"Your certificate and chain have been saved at:", "Certificate is saved at:"}
	keyMarkers     = []string{"Your key file has been saved at:", "Key is saved at:"}
	expiryMarkers  = []string{"Your certificate will expire on", "This certificate expires on"}
)

// ParseOutput extracts paths and expiry from certbot's human readable
// output. Unknown lines are ignored.
func ParseOutput(out string) Output {
	var o Output
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case containsAny(line, successMarkers):
			o.Success = true
		case containsAny(line, certMarkers):
			o.CertificatePath = afterColon(line)
		case containsAny(line, keyMarkers):
			o.KeyPath = afterColon(line)
		case containsAny(line, expiryMarkers):
			_, rest, _ := strings.Cut(line, " on ")
			o.Expires = strings.TrimSuffix(strings.TrimSpace(rest), ".")
			if t, err := time.Parse(time.DateOnly, o.Expires); err == nil {
				o.ExpiresAt = t
			}
		}
		if strings.Contains(strings.ToLower(line), "new certificate deployed") {
			o.Deployed = true
		}
	}
	if o.CertificatePath != "" {
		o.Success = true
	}
	return o
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func afterColon(line string) string {
	_, rest, _ := strings.Cut(line, ":")
	return strings.TrimSpace(rest)
}
