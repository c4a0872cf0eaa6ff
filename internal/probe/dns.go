package probe

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves a probe's accept-from hostnames to concrete IPs so
// the ingest layer can compare them against a connecting peer's address
// without doing a lookup on every packet. It caches answers for TTL and
// re-resolves lazily on Allowed.
type Resolver struct {
	// Server is the nameserver to query, host:port form. Empty means use
	// net.LookupIP instead of a direct dns.Exchange (grounded on
	// protonuke/dns.go's dnsClient, which issues dns.Exchange(m, h+addr)
	// against an explicit server rather than the system resolver).
	Server string
	TTL    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

// NewResolver returns a Resolver with a 5 minute default TTL.
func NewResolver(server string) *Resolver {
	return &Resolver{Server: server, TTL: 5 * time.Minute, cache: make(map[string]cacheEntry)}
}

// Allowed reports whether peer is covered by the accept-from list, which
// may mix literal IPs/CIDRs and hostnames. An empty list allows anything.
func (r *Resolver) Allowed(acceptFrom []string, peer net.IP) bool {
	if len(acceptFrom) == 0 {
		return true
	}
	for _, entry := range acceptFrom {
		if ip := net.ParseIP(entry); ip != nil {
			if ip.Equal(peer) {
				return true
			}
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(peer) {
				return true
			}
			continue
		}
		ips, err := r.resolve(entry)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if ip.Equal(peer) {
				return true
			}
		}
	}
	return false
}

func (r *Resolver) resolve(host string) ([]net.IP, error) {
	r.mu.Lock()
	if e, ok := r.cache[host]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.ips, nil
	}
	r.mu.Unlock()

	ips, err := r.lookup(host)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[host] = cacheEntry{ips: ips, expires: time.Now().Add(r.TTL)}
	r.mu.Unlock()
	return ips, nil
}

func (r *Resolver) lookup(host string) ([]net.IP, error) {
	if r.Server == "" {
		return net.LookupIP(host)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	in, err := dns.Exchange(m, r.Server)
	if err != nil {
		return nil, fmt.Errorf("probe: dns lookup %v via %v: %w", host, r.Server, err)
	}

	var ips []net.IP
	for _, ans := range in.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("probe: no A records for %v", host)
	}
	return ips, nil
}
