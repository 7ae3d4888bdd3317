package reconcile

import "sort"

// IPSet is an unordered set of IP strings. Nothing in this package depends on
// its iteration order.
type IPSet map[string]struct{}

// NewIPSet builds a set from ips.
func NewIPSet(ips ...string) IPSet {
	s := make(IPSet, len(ips))
	for _, ip := range ips {
		s.Add(ip)
	}
	return s
}

func (s IPSet) Add(ip string) { s[ip] = struct{}{} }

func (s IPSet) Has(ip string) bool {
	_, ok := s[ip]
	return ok
}

func (s IPSet) Len() int { return len(s) }

// Union adds every member of other to s.
func (s IPSet) Union(other IPSet) {
	for ip := range other {
		s.Add(ip)
	}
}

// Sorted returns the members in lexical order, for stable files and logs.
func (s IPSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for ip := range s {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}
