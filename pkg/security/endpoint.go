package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// EndpointOptions relaxes ValidateEndpoint.
type EndpointOptions struct {
	// AllowInsecure permits plain http to any host as well as private
	// network targets.
	AllowInsecure bool
}

// ValidateEndpoint checks a chat endpoint URL before the API key is sent to
// it. https is accepted for public hosts. Loopback hosts may use plain http,
// everything else needs AllowInsecure for that.
func ValidateEndpoint(rawURL string, opts EndpointOptions) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid endpoint URL")
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.New("endpoint URL needs a host")
	}

	loopback := host == "localhost" || strings.HasSuffix(host, ".localhost")
	// IP literals are checked without DNS lookups
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsUnspecified() || addr.IsMulticast() {
			return errors.Errorf("endpoint address %q is not routable", host)
		}
		if addr.Zone() != "" && !opts.AllowInsecure {
			return errors.Errorf("zoned endpoint address %q is not allowed", host)
		}
		addr = addr.Unmap()
		loopback = addr.IsLoopback()
		if !loopback && !opts.AllowInsecure &&
			(addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()) {
			return errors.Errorf("private network endpoint %q needs allow-insecure-endpoint", host)
		}
	}

	if loopback || opts.AllowInsecure {
		return nil
	}
	if strings.HasSuffix(host, ".local") {
		return errors.Errorf("local network endpoint %q needs allow-insecure-endpoint", host)
	}
	if parsed.Scheme == "http" {
		return errors.Errorf("plain http to %q would expose the API key", host)
	}
	return nil
}
