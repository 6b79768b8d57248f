// Package dnsbl implements the external DNSBL blacklist interface:
// is_malicious(ip) -> bool. A candidate is malicious when it is listed
// on at least threshold of the configured DNSBL zones.
//
// DNSBL lookups follow the standard reverse-octet convention (query
// reversed.octets.zone and treat any A response as a listing); this
// needs nothing beyond the standard resolver, so no third-party DNS
// client is wired here (see DESIGN.md).
package dnsbl

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Checker is the external DNSBL collaborator.
type Checker struct {
	zones     []string
	threshold int
	resolver  *net.Resolver
	timeout   time.Duration
}

// New builds a Checker. threshold is the "at least N listings ⇒
// malicious" count from spec §9's open question; default 1 means any
// single listing is enough.
func New(zones []string, threshold int) *Checker {
	if threshold < 1 {
		threshold = 1
	}
	return &Checker{
		zones:     zones,
		threshold: threshold,
		resolver:  net.DefaultResolver,
		timeout:   3 * time.Second,
	}
}

// IsMalicious queries every configured zone concurrently and reports
// true once at least threshold zones return a listing.
func (c *Checker) IsMalicious(ctx context.Context, ip string) bool {
	if len(c.zones) == 0 {
		return false
	}

	reversed, err := reverseOctets(ip)
	if err != nil {
		return false
	}

	var mu sync.Mutex
	hits := 0
	var wg sync.WaitGroup

	for _, zone := range c.zones {
		zone := zone
		wg.Add(1)
		go func() {
			defer wg.Done()
			queryCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			query := reversed + "." + zone
			addrs, err := c.resolver.LookupHost(queryCtx, query)
			if err != nil || len(addrs) == 0 {
				return
			}
			mu.Lock()
			hits++
			mu.Unlock()
		}()
	}
	wg.Wait()

	return hits >= c.threshold
}

// reverseOctets builds the DNSBL query label from an IPv4 address, e.g.
// 198.51.100.7 -> "7.100.51.198".
func reverseOctets(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	v4 := parsed.To4()
	if v4 == nil {
		return "", fmt.Errorf("dnsbl: not an IPv4 address: %q", ip)
	}
	parts := strings.Split(v4.String(), ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "."), nil
}
