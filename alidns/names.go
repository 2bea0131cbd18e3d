package alidns

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeDomain strips a leading wildcard label.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	return strings.TrimPrefix(domain, "*.")
}

// NormalizeValidationName collapses "_acme-challenge.*.example.com" to
// "_acme-challenge.example.com" so a wildcard and its base domain share
// one TXT record.
func NormalizeValidationName(name string) string {
	name = strings.TrimSpace(name)
	for strings.Contains(name, ".*.") {
		name = strings.ReplaceAll(name, ".*.", ".")
	}
	return name
}

// ZoneApex returns the zone under which records for domain are managed.
// A configured apex wins when domain is inside it; otherwise the public
// suffix list decides, and the last two labels are the last resort.
func ZoneApex(domain, configured string) string {
	domain = NormalizeDomain(domain)
	configured = strings.TrimSuffix(configured, ".")

	if configured != "" && (domain == configured || strings.HasSuffix(domain, "."+configured)) {
		return configured
	}
	if apex, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		return apex
	}

	labels := strings.Split(domain, ".")
	if len(labels) >= 2 {
		return strings.Join(labels[len(labels)-2:], ".")
	}
	return domain
}

// Subdomain returns the record host (RR) for validationName relative to apex.
func Subdomain(validationName, apex string) string {
	name := strings.TrimSuffix(validationName, ".")
	apex = strings.TrimSuffix(apex, ".")

	switch {
	case name == apex:
		return "@"
	case strings.HasSuffix(name, "."+apex):
		return strings.TrimSuffix(name, "."+apex)
	default:
		return name
	}
}
