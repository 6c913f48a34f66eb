package ioc

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func find(iocs []IOC, t Type, value string) (IOC, bool) {
	for _, i := range iocs {
		if i.Type == t && i.Value == value {
			return i, true
		}
	}
	return IOC{}, false
}

func TestRefang(t *testing.T) {
	cases := map[string]string{
		"example[.]com":              "example.com",
		"example[dot]com":            "example.com",
		"example[DOT]com":            "example.com",
		"evil[]org":                  "evil.org",
		"user[@]evil.org":            "user@evil.org",
		"user[at]evil.org":           "user@evil.org",
		"hxxp://evil.org/x":          "http://evil.org/x",
		"HXXPS://evil.org":           "https://evil.org",
		"h[tt]ps://evil.org":         "https://evil.org",
		"H[TT]P://evil.org":          "http://evil.org",
		"HxXpS://evil.org/a":         "https://evil.org/a",
		"hxxpsvc.exe":                "httpsvc.exe",
		"203[.]0[.]113[.]5":          "203.0.113.5",
		"nothing to see here, folks": "nothing to see here, folks",
	}
	for in, want := range cases {
		assert.Equal(t, want, Refang(in), in)
	}
}

func TestExtractScenario(t *testing.T) {
	e := NewExtractor(DefaultOptions())
	text := "C2 server at 203[.]0[.]113[.]5 and domain xk29-bad.tk used in campaign CVE-2023-1234"

	iocs := e.Extract(text, "unit")

	ip, ok := find(iocs, TypeIPv4, "203.0.113.5")
	require.True(t, ok, "expected ipv4 in %+v", iocs)
	assert.GreaterOrEqual(t, ip.Confidence, 0.6)
	assert.Equal(t, "unit", ip.Source)
	assert.Contains(t, ip.Context, "C2 server")

	domain, ok := find(iocs, TypeDomain, "xk29-bad.tk")
	require.True(t, ok)
	assert.GreaterOrEqual(t, domain.Confidence, 0.6)

	cve, ok := find(iocs, TypeCVE, "CVE-2023-1234")
	require.True(t, ok)
	assert.GreaterOrEqual(t, cve.Confidence, 0.6)
	// "C2" falls outside the CVE's context window.
	assert.InDelta(t, 0.8, cve.Confidence, 1e-9)
}

func TestExtractDeterministic(t *testing.T) {
	e := NewExtractor(DefaultOptions())
	text := `Phishing kit hosted at hxxps://login-portal[.]xyz/verify pulls a trojan
	(sha256 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08)
	from 198.51.100.23. Contact actor[@]mail-drop.ru. Related: CVE-2024-3094.`

	first := e.Extract(text, "feed")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, e.Extract(text, "feed"))
	}
	require.NotEmpty(t, first)

	// Output is grouped in type order.
	order := make(map[Type]int)
	for i, typ := range AllTypes {
		order[typ] = i
	}
	for i := 1; i < len(first); i++ {
		assert.LessOrEqual(t, order[first[i-1].Type], order[first[i].Type])
	}
}

func TestExtractDefangedMatchesCanonical(t *testing.T) {
	e := NewExtractor(DefaultOptions())
	defanged := e.Extract("beacon to evil-cdn[.]net via hxxp://evil-cdn[.]net/a", "x")
	canonical := e.Extract("beacon to evil-cdn.net via http://evil-cdn.net/a", "x")
	assert.Equal(t, canonical, defanged)

	_, ok := find(defanged, TypeDomain, "evil-cdn.net")
	assert.True(t, ok)
	_, ok = find(defanged, TypeURL, "http://evil-cdn.net/a")
	assert.True(t, ok)
}

func TestExtractRefangDisabled(t *testing.T) {
	e := NewExtractor(Options{Refang: false})
	iocs := e.Extract("visit badsite[.]info", "x")
	_, ok := find(iocs, TypeDomain, "badsite.info")
	assert.False(t, ok)
}

func TestExtractDedupKeepsHigherConfidence(t *testing.T) {
	e := NewExtractor(DefaultOptions())
	filler := strings.Repeat(" lorem ipsum", 10)
	text := "we saw quietsite.biz in a newsletter." + filler +
		" later, quietsite.biz served ransomware as a malware dropper." + filler

	iocs := e.ExtractByType(text, TypeDomain, "x")
	require.Len(t, iocs, 1)
	assert.Equal(t, "quietsite.biz", iocs[0].Value)
	assert.InDelta(t, 0.7, iocs[0].Confidence, 1e-9)
	assert.Contains(t, iocs[0].Context, "ransomware")
}

func TestExtractFilters(t *testing.T) {
	e := NewExtractor(DefaultOptions())

	tests := []struct {
		name string
		text string
		typ  Type
		want string
		keep bool
	}{
		{"private 10/8", "host 10.1.2.3 up", TypeIPv4, "10.1.2.3", false},
		{"private 172.16/12", "host 172.20.1.1 up", TypeIPv4, "172.20.1.1", false},
		{"outside 172.16/12", "host 172.32.1.1 up", TypeIPv4, "172.32.1.1", true},
		{"private 192.168/16", "host 192.168.1.1 up", TypeIPv4, "192.168.1.1", false},
		{"loopback", "host 127.0.0.5 up", TypeIPv4, "127.0.0.5", false},
		{"broadcast", "host 255.255.255.255 up", TypeIPv4, "255.255.255.255", false},
		{"link local denylist", "host 169.254.0.0 up", TypeIPv4, "169.254.0.0", false},
		{"public", "host 8.8.4.4 up", TypeIPv4, "8.8.4.4", true},
		{"benign domain", "see google.com", TypeDomain, "google.com", false},
		{"benign subdomain", "see docs.microsoft.com", TypeDomain, "docs.microsoft.com", false},
		{"suspicious domain", "see xk29-bad.tk", TypeDomain, "xk29-bad.tk", true},
		{"documentation domain", "per rfc-editor.org", TypeDomain, "rfc-editor.org", false},
		{"excluded url host", "get https://www.google.com/search?q=1", TypeURL, "https://www.google.com/search?q=1", false},
		{"url kept", "get https://drop.badhost.top/p.exe", TypeURL, "https://drop.badhost.top/p.exe", true},
		{"zero md5", "hash 00000000000000000000000000000000", TypeMD5, "00000000000000000000000000000000", false},
		{"ff md5", "hash FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF", TypeMD5, "ffffffffffffffffffffffffffffffff", false},
		{"md5 lowered", "hash D41D8CD98F00B204E9800998ECF8427E", TypeMD5, "d41d8cd98f00b204e9800998ecf8427e", true},
		{"ipv6 loopback", "addr ::1 here", TypeIPv6, "::1", false},
		{"ipv6 public", "addr 2001:db8:85a3:0:0:8a2e:370:7334 here", TypeIPv6, "2001:db8:85a3::8a2e:370:7334", true},
		{"cve upper", "see cve-2021-44228", TypeCVE, "CVE-2021-44228", true},
		{"email lowered", "mail Ops@Evil-Mail.ru", TypeEmail, "ops@evil-mail.ru", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := find(e.ExtractByType(tt.text, tt.typ, "x"), tt.typ, tt.want)
			assert.Equal(t, tt.keep, ok)
		})
	}
}

func TestExtractHashConfidence(t *testing.T) {
	e := NewExtractor(DefaultOptions())
	iocs := e.ExtractByType("sample 44d88612fea8a8f36de82e1278abb02f", TypeMD5, "x")
	require.Len(t, iocs, 1)
	assert.InDelta(t, 0.7, iocs[0].Confidence, 1e-9)
}

func TestExtractKeywordCap(t *testing.T) {
	e := NewExtractor(DefaultOptions())
	text := "malware exploit trojan botnet phishing backdoor 45.33.32.156"
	iocs := e.ExtractByType(text, TypeIPv4, "x")
	require.Len(t, iocs, 1)
	assert.InDelta(t, 0.9, iocs[0].Confidence, 1e-9)
}

func TestExtractTypeRestriction(t *testing.T) {
	e := NewExtractor(Options{Refang: true, Types: []Type{TypeCVE}})
	iocs := e.Extract("CVE-2023-1234 on 45.33.32.156", "x")
	require.Len(t, iocs, 1)
	assert.Equal(t, TypeCVE, iocs[0].Type)

	// ExtractByType works for a type outside the configured set and leaves
	// the extractor unchanged.
	ips := e.ExtractByType("CVE-2023-1234 on 45.33.32.156", TypeIPv4, "x")
	require.Len(t, ips, 1)
	assert.Equal(t, []Type{TypeCVE}, e.Types())
}

func TestExtractMalformedInput(t *testing.T) {
	e := NewExtractor(Options{Refang: true, MaxTextBytes: 64})

	assert.Empty(t, e.Extract("", "x"))

	bad := "evil-host.cc \xff\xfe\xfd 45.33.32.156"
	iocs := e.Extract(bad, "x")
	_, ok := find(iocs, TypeDomain, "evil-host.cc")
	assert.True(t, ok)

	long := "first.badzone.xyz " + strings.Repeat("x", 200) + " second.badzone.xyz"
	iocs = e.Extract(long, "x")
	_, ok = find(iocs, TypeDomain, "first.badzone.xyz")
	assert.True(t, ok)
	_, ok = find(iocs, TypeDomain, "second.badzone.xyz")
	assert.False(t, ok)
}

func TestContextRuneBoundaries(t *testing.T) {
	e := NewExtractor(DefaultOptions())
	text := strings.Repeat("é", 40) + " evil-host.cc " + strings.Repeat("ü", 40)
	iocs := e.ExtractByType(text, TypeDomain, "x")
	require.Len(t, iocs, 1)
	assert.True(t, strings.Contains(iocs[0].Context, "evil-host.cc"))
	assert.True(t, utf8.ValidString(iocs[0].Context))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "evil.com", Normalize(TypeDomain, " Evil.COM. "))
	assert.Equal(t, "CVE-2020-0001", Normalize(TypeCVE, "cve-2020-0001"))
	assert.Equal(t, "2001:db8::1", Normalize(TypeIPv6, "2001:DB8:0:0:0:0:0:1"))
	assert.Equal(t, "1.2.3.4", Normalize(TypeIPv4, "::ffff:1.2.3.4"))
	assert.Equal(t, "45.67.89.10", Normalize(TypeIPv4, "045.067.089.010"))
	assert.Equal(t, "10.0.0.1", Normalize(TypeIPv4, "010.000.00.001"))
	assert.Equal(t, "http://evil.com/Path?Q=1", Normalize(TypeURL, "HTTP://EVIL.com/Path?Q=1"))
}

func TestExtractZeroPaddedIPv4(t *testing.T) {
	e := NewExtractor(DefaultOptions())
	found := e.ExtractByType("beacon to 045.067.089.010 and 45.67.89.10 every 60s", TypeIPv4, "x")
	require.Len(t, found, 1)
	assert.Equal(t, "45.67.89.10", found[0].Value)

	// still subject to the private-range filter after canonicalization
	assert.Empty(t, e.ExtractByType("lateral move to 010.000.000.005", TypeIPv4, "x"))
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("SHA256")
	require.NoError(t, err)
	assert.Equal(t, TypeSHA256, typ)

	_, err = ParseType("ssdeep")
	assert.Error(t, err)
}

func TestListsExtra(t *testing.T) {
	l := NewLists([]string{"Corp.Internal"}, []string{"Stealer"})
	assert.True(t, l.DomainExcluded("mail.corp.internal"))
	assert.False(t, l.DomainExcluded("corp.internal.evil.tk"))
	assert.Equal(t, 1, l.KeywordHits("an info STEALER sample"))
	assert.False(t, DefaultLists().DomainExcluded("corp.internal"))
}
