// Package allowlist holds the networks that must never be pushed to the
// firewall, whatever the threat feed reports.
package allowlist

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"c2block/sync-service/internal/reconcile"

	"github.com/gaissmai/bart"
)

// List is a set of prefixes backed by a bart routing table.
type List struct {
	trie *bart.Lite
}

// New builds a list from entries (IPs or CIDRs) and, if path is not empty,
// the file at path.
func New(entries []string, path string) (*List, error) {
	var prefixes []netip.Prefix
	for _, e := range entries {
		p, err := ParseEntry(e)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open allowlist: %w", err)
		}
		defer f.Close()
		fromFile, err := Parse(f)
		if err != nil {
			return nil, fmt.Errorf("read allowlist %s: %w", path, err)
		}
		prefixes = append(prefixes, fromFile...)
	}

	l := &List{trie: new(bart.Lite)}
	for _, p := range prefixes {
		l.trie.Insert(p.Masked())
	}
	return l, nil
}

// ParseEntry parses an IP (as a host prefix) or a CIDR.
func ParseEntry(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if p, err := netip.ParsePrefix(s); err == nil {
		return normalize(p), nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid allowlist entry %q", s)
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}

// Parse reads one IP or CIDR per line. Lines starting with # or ; are
// comments, trailing comments are stripped, unparsable lines are skipped.
func Parse(r io.Reader) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if idx := strings.IndexAny(line, ";#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}
		if p, err := ParseEntry(line); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes, scanner.Err()
}

// normalize turns ::ffff:a.b.c.d/n (n >= 96) into the native IPv4 prefix.
func normalize(p netip.Prefix) netip.Prefix {
	if p.Addr().Is4In6() && p.Bits() >= 96 {
		return netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
	}
	return p
}

// Contains reports whether ip falls in any allowlisted prefix. Unparsable
// input is never allowlisted.
func (l *List) Contains(ip string) bool {
	if l == nil || l.trie == nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return l.trie.Contains(addr.Unmap())
}

// Size is the number of distinct prefixes.
func (l *List) Size() int {
	if l == nil || l.trie == nil {
		return 0
	}
	return l.trie.Size()
}

// Filter splits ips into the ones to keep and the allowlisted ones.
func (l *List) Filter(ips reconcile.IPSet) (kept, dropped reconcile.IPSet) {
	kept, dropped = reconcile.NewIPSet(), reconcile.NewIPSet()
	for ip := range ips {
		if l.Contains(ip) {
			dropped.Add(ip)
			continue
		}
		kept.Add(ip)
	}
	return kept, dropped
}
