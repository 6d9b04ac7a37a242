package outbox

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateWebhookURL rejects tenant-supplied destinations that could be
// abused for server-side request forgery: the URL must be https, carry a
// hostname, and must not target loopback, private, or link-local ranges.
// Hostnames are checked literally without DNS resolution; a hostname that
// later resolves to a private address still fails at dial time inside the
// delivery path.
func ValidateWebhookURL(rawURL string) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}

	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("%w: got %q", ErrURLSchemeNotHTTPS, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return ErrURLHostMissing
	}

	if isForbiddenHostname(host) {
		return fmt.Errorf("%w: %q", ErrURLPrivateAddress, host)
	}

	if ip := net.ParseIP(host); ip != nil && isForbiddenIP(ip) {
		return fmt.Errorf("%w: %q", ErrURLPrivateAddress, host)
	}

	return nil
}

func isForbiddenHostname(host string) bool {
	lowered := strings.ToLower(host)

	return lowered == "localhost" || strings.HasSuffix(lowered, ".localhost") || strings.HasSuffix(lowered, ".local")
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
