// Copyright 2026 Credence
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpx

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// URLGuardOptions configures outbound URL validation. Worker endpoints and
// document references are caller-supplied, so every dial goes through
// ValidateURL first.
type URLGuardOptions struct {
	// AllowPrivateIPs permits connections to private/internal addresses.
	// Registries running inside a cluster set this for in-mesh workers.
	AllowPrivateIPs bool
	// AllowedSchemes specifies permitted URL schemes (default: https, http).
	AllowedSchemes []string
	// AllowedHostSuffixes restricts URLs to specific domain suffixes.
	AllowedHostSuffixes []string
	// BlockedHosts explicitly blocks certain hostnames.
	BlockedHosts []string
}

// DefaultURLGuardOptions returns secure defaults for URL validation.
func DefaultURLGuardOptions() URLGuardOptions {
	return URLGuardOptions{
		AllowPrivateIPs: false,
		AllowedSchemes:  []string{"https", "http"},
	}
}

// ValidateURL performs SSRF protection on a caller-supplied URL: scheme
// check, host allow/block lists, and resolved-IP screening against
// reserved ranges.
func ValidateURL(rawURL string, opts URLGuardOptions) error {
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if err := validateScheme(parsed.Scheme, opts.AllowedSchemes); err != nil {
		return err
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must contain a hostname")
	}

	if hostBlocked(hostname, opts.BlockedHosts) {
		return fmt.Errorf("hostname %q is blocked", hostname)
	}

	if len(opts.AllowedHostSuffixes) > 0 && !hostAllowed(hostname, opts.AllowedHostSuffixes) {
		return fmt.Errorf("hostname %q is not in the allowed list", hostname)
	}

	if !opts.AllowPrivateIPs {
		ips, err := net.LookupIP(hostname)
		if err != nil {
			return fmt.Errorf("failed to resolve hostname %q: %w", hostname, err)
		}
		for _, ip := range ips {
			if reservedIP(ip) {
				return fmt.Errorf("connection to private/internal IP %s is not allowed (hostname: %s)", ip, hostname)
			}
		}
	}

	return nil
}

func validateScheme(scheme string, allowed []string) error {
	if len(allowed) == 0 {
		allowed = []string{"https", "http"}
	}
	scheme = strings.ToLower(scheme)
	for _, a := range allowed {
		if scheme == strings.ToLower(a) {
			return nil
		}
	}
	return fmt.Errorf("URL scheme %q is not allowed; permitted schemes: %v", scheme, allowed)
}

// reservedBlocks covers loopback, link-local, RFC 1918, CGN, test nets,
// multicast, and the v6 equivalents.
var reservedBlocks = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"::/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParseCIDRs(blocks ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, n, err := net.ParseCIDR(b)
		if err != nil {
			panic("httpx: bad reserved block " + b)
		}
		nets = append(nets, n)
	}
	return nets
}

func reservedIP(ip net.IP) bool {
	if ip.IsUnspecified() || ip.IsLoopback() {
		return true
	}
	for _, block := range reservedBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func hostBlocked(hostname string, blocked []string) bool {
	hostname = strings.ToLower(hostname)
	for _, b := range blocked {
		b = strings.ToLower(b)
		if hostname == b || strings.HasSuffix(hostname, "."+b) {
			return true
		}
	}
	return false
}

func hostAllowed(hostname string, suffixes []string) bool {
	hostname = strings.ToLower(hostname)
	for _, suffix := range suffixes {
		if strings.HasSuffix(hostname, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// SanitizeLogString escapes newlines and strips ANSI sequences so
// caller-supplied values cannot forge log entries. Long values are
// truncated.
func SanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = ansiEscape.ReplaceAllString(s, "")
	const maxLogLength = 500
	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}
