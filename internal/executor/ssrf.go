package executor

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	nikaerrors "github.com/nikaeng/nika/pkg/errors"
)

// DefaultBlockedHosts are hosts rejected by default to prevent the fetch
// verb from being used for SSRF: cloud metadata endpoints and the private,
// loopback and link-local ranges.
var DefaultBlockedHosts = []string{
	"169.254.169.254/32", // AWS, Azure, GCP metadata
	"metadata.google.internal",
	"169.254.169.253/32", // AWS IMDSv2 fallback
	"fd00:ec2::254/128",  // AWS IPv6 metadata

	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// SSRFGuard validates fetch-verb targets before DNS resolution (against
// host allow/block patterns) and again at dial time (against the IPs a
// hostname actually resolves to), so that a host allowed by pattern cannot
// be rebound mid-flight to a blocked address.
type SSRFGuard struct {
	AllowedHosts []string // if empty, any non-blocked host is allowed
	BlockedHosts []string // appended to DefaultBlockedHosts

	dnsCache dnsCache
}

// CheckHost validates a hostname (without port) against the configured
// allow/block patterns. It does not resolve DNS.
func (g *SSRFGuard) CheckHost(host string) error {
	hostname := stripPort(host)

	blocked := append(append([]string{}, DefaultBlockedHosts...), g.BlockedHosts...)
	for _, pattern := range blocked {
		if matchesHostPattern(hostname, pattern) {
			return &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeExecSSRF,
				Field:   "url",
				Message: fmt.Sprintf("host %q is blocked (matches %q)", hostname, pattern),
			}
		}
	}

	if len(g.AllowedHosts) == 0 {
		return nil
	}
	for _, pattern := range g.AllowedHosts {
		if matchesHostPattern(hostname, pattern) {
			return nil
		}
	}
	return &nikaerrors.ValidationError{
		Code:    nikaerrors.CodeExecSSRF,
		Field:   "url",
		Message: fmt.Sprintf("host %q does not match any allowed pattern", hostname),
	}
}

// DialContext builds a net.Dialer.DialContext replacement that resolves the
// target hostname itself, validates every resolved IP against the blocked
// ranges, and only then dials a literal IP address. Plugging this into an
// http.Transport closes the gap a host-pattern check alone leaves open: a
// permitted hostname that resolves (now or on a later request) to a
// metadata or private address never reaches the socket.
func (g *SSRFGuard) DialContext(base *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if base == nil {
		base = &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
		}

		ips, err := g.dnsCache.lookup(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", host, err)
		}
		for _, ip := range ips {
			if err := g.checkIP(ip); err != nil {
				return nil, err
			}
		}

		return base.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}

func (g *SSRFGuard) checkIP(ip net.IP) error {
	blocked := append(append([]string{}, DefaultBlockedHosts...), g.BlockedHosts...)
	for _, pattern := range blocked {
		if !strings.Contains(pattern, "/") {
			continue
		}
		_, ipNet, err := net.ParseCIDR(pattern)
		if err == nil && ipNet.Contains(ip) {
			return &nikaerrors.ValidationError{
				Code:    nikaerrors.CodeExecSSRF,
				Field:   "url",
				Message: fmt.Sprintf("resolved IP %s is blocked (matches %s)", ip, pattern),
			}
		}
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
		return &nikaerrors.ValidationError{
			Code:    nikaerrors.CodeExecSSRF,
			Field:   "url",
			Message: fmt.Sprintf("resolved IP %s is a private/local address", ip),
		}
	}
	return nil
}

func matchesHostPattern(hostname, pattern string) bool {
	if strings.Contains(pattern, "/") {
		_, ipNet, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		ip := net.ParseIP(hostname)
		return ip != nil && ipNet.Contains(ip)
	}
	if strings.Contains(pattern, "*") {
		globPattern := strings.ReplaceAll(pattern, "*", "**")
		matched, err := doublestar.Match(globPattern, hostname)
		return err == nil && matched
	}
	return hostname == pattern
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if idx := strings.LastIndex(host, "]"); idx != -1 {
			return host[1:idx]
		}
	}
	if strings.Count(host, ":") > 1 {
		return host // bare IPv6, no port to strip
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// dnsCache resolves and caches hostname -> IPs for a short TTL, so that a
// request's pre-dial validation and the actual dial see the same resolution
// instead of racing a rebind between the two lookups.
type dnsCache struct {
	mu      sync.RWMutex
	entries map[string]dnsCacheEntry
	ttl     time.Duration
}

type dnsCacheEntry struct {
	ips     []net.IP
	fetched time.Time
}

func (c *dnsCache) lookup(ctx context.Context, host string) ([]net.IP, error) {
	ttl := c.ttl
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	c.mu.RLock()
	entry, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetched) < ttl {
		return entry.ips, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	resolver := &net.Resolver{}
	ips, err := resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %q", host)
	}

	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]dnsCacheEntry)
	}
	c.entries[host] = dnsCacheEntry{ips: ips, fetched: time.Now()}
	c.mu.Unlock()

	return ips, nil
}
