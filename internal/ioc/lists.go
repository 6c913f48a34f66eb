package ioc

import (
	"net/netip"
	"strings"
)

var defaultExcludedDomains = []string{
	// Common non-malicious domains
	"example.com", "example.org", "example.net",
	"localhost", "test.com", "google.com", "microsoft.com",
	"apple.com", "amazon.com", "facebook.com", "twitter.com",
	// Documentation domains
	"ietf.org", "w3.org", "rfc-editor.org",
	// CDNs
	"cloudflare.com", "akamai.com", "fastly.com",
}

var defaultExcludedIPs = []string{
	"127.0.0.1", "0.0.0.0", "255.255.255.255",
	"10.0.0.0", "172.16.0.0", "192.168.0.0",
	"169.254.0.0",
}

var defaultPrivatePrefixes = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
}

var defaultThreatKeywords = []string{
	"malware", "malicious", "c2", "command and control",
	"exploit", "vulnerability", "attack", "compromise",
	"trojan", "backdoor", "ransomware", "phishing",
	"botnet", "apt", "threat actor", "indicator",
}

// Lists holds the static denylists and keyword set used for filtering and
// scoring. A Lists value is never mutated after construction and can be
// shared between goroutines.
type Lists struct {
	excludedDomains map[string]struct{}
	excludedIPs     map[netip.Addr]struct{}
	privateRanges   []netip.Prefix
	keywords        []string
}

// DefaultLists returns the built-in lists.
func DefaultLists() *Lists {
	return NewLists(nil, nil)
}

// NewLists builds the built-in lists extended with extra excluded domains
// and extra threat keywords. Entries are lower-cased and de-duplicated.
func NewLists(extraDomains, extraKeywords []string) *Lists {
	l := &Lists{
		excludedDomains: make(map[string]struct{}),
		excludedIPs:     make(map[netip.Addr]struct{}),
	}
	for _, d := range append(append([]string{}, defaultExcludedDomains...), extraDomains...) {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			l.excludedDomains[d] = struct{}{}
		}
	}
	for _, ip := range defaultExcludedIPs {
		l.excludedIPs[netip.MustParseAddr(ip)] = struct{}{}
	}
	for _, p := range defaultPrivatePrefixes {
		l.privateRanges = append(l.privateRanges, netip.MustParsePrefix(p))
	}
	seen := make(map[string]struct{})
	for _, kw := range append(append([]string{}, defaultThreatKeywords...), extraKeywords...) {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		l.keywords = append(l.keywords, kw)
	}
	return l
}

// DomainExcluded reports whether host equals or sits under an excluded domain.
func (l *Lists) DomainExcluded(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for host != "" {
		if _, ok := l.excludedDomains[host]; ok {
			return true
		}
		idx := strings.IndexByte(host, '.')
		if idx < 0 {
			break
		}
		host = host[idx+1:]
	}
	return false
}

// IPExcluded reports whether addr is on the reserved denylist or inside one
// of the private/loopback ranges.
func (l *Lists) IPExcluded(addr netip.Addr) bool {
	addr = addr.Unmap()
	if _, ok := l.excludedIPs[addr]; ok {
		return true
	}
	for _, p := range l.privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// KeywordHits counts distinct threat keywords contained in text.
func (l *Lists) KeywordHits(text string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range l.keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}
