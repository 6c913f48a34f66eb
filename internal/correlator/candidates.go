package correlator

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/Ashfaaq98/iocwatch/internal/ioc"
	"github.com/Ashfaaq98/iocwatch/internal/logs"
)

// Field paths inspected per telemetry kind.
var (
	flowIPFields  = []string{"src_ip", "dest_ip"}
	dnsNameFields = []string{"dns.rrname", "rrname", "dns.query", "query", "domain"}
	alertHosts    = []string{"http.hostname", "tls.sni", "dns.rrname"}
	alertHashes   = map[ioc.Type]string{
		ioc.TypeMD5:    "fileinfo.md5",
		ioc.TypeSHA1:   "fileinfo.sha1",
		ioc.TypeSHA256: "fileinfo.sha256",
	}
)

// candidate is one value observed in one event, already normalized for
// lookup.
type candidate struct {
	logType logs.Kind
	iocType ioc.Type
	value   string
	raw     string
	context string
	at      time.Time
}

// collector dedups candidates per event and keeps them in discovery order.
type collector struct {
	out  []candidate
	seen map[string]struct{}
}

func (c *collector) reset() {
	c.seen = make(map[string]struct{})
}

func (c *collector) add(cand candidate) {
	if cand.value == "" {
		return
	}
	key := string(cand.iocType) + "|" + cand.value
	if _, dup := c.seen[key]; dup {
		return
	}
	c.seen[key] = struct{}{}
	c.out = append(c.out, cand)
}

// candidates lists every lookup candidate in the batch. One event never
// yields the same (type, value) twice.
func (c *Correlator) candidates(batch logs.Batch) []candidate {
	col := &collector{}

	for _, ev := range batch.Flows {
		col.reset()
		desc := fmt.Sprintf("flow %s -> %s", ev.String("src_ip"), ev.String("dest_ip"))
		for _, f := range flowIPFields {
			col.add(ipCandidate(logs.KindFlow, ev, f, desc))
		}
	}

	for _, ev := range batch.DNS {
		col.reset()
		for _, f := range dnsNameFields {
			name := ev.String(f)
			if name == "" {
				continue
			}
			col.add(hostCandidate(logs.KindDNS, ev, name, "dns query "+name))
		}
	}

	for _, ev := range batch.Alerts {
		col.reset()
		sig := ev.String("alert.signature")
		desc := "alert: " + sig
		for _, f := range flowIPFields {
			col.add(ipCandidate(logs.KindAlert, ev, f, desc))
		}
		for _, f := range alertHosts {
			if host := ev.String(f); host != "" {
				col.add(hostCandidate(logs.KindAlert, ev, host, desc))
			}
		}
		if u := alertURL(ev); u != "" {
			col.add(candidate{
				logType: logs.KindAlert,
				iocType: ioc.TypeURL,
				value:   ioc.Normalize(ioc.TypeURL, u),
				raw:     u,
				context: desc,
				at:      ev.Time,
			})
		}
		for _, t := range []ioc.Type{ioc.TypeMD5, ioc.TypeSHA1, ioc.TypeSHA256} {
			if h := ev.String(alertHashes[t]); h != "" {
				col.add(candidate{
					logType: logs.KindAlert,
					iocType: t,
					value:   ioc.Normalize(t, h),
					raw:     h,
					context: desc,
					at:      ev.Time,
				})
			}
		}
		if sig != "" {
			for _, found := range c.extractor.ExtractByType(sig, ioc.TypeCVE, "") {
				col.add(candidate{
					logType: logs.KindAlert,
					iocType: ioc.TypeCVE,
					value:   found.Value,
					raw:     found.Value,
					context: desc,
					at:      ev.Time,
				})
			}
		}
	}

	return col.out
}

func ipCandidate(kind logs.Kind, ev logs.Event, field, desc string) candidate {
	raw := ev.String(field)
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return candidate{}
	}
	t := ioc.TypeIPv4
	if addr.Unmap().Is6() {
		t = ioc.TypeIPv6
	}
	return candidate{
		logType: kind,
		iocType: t,
		value:   ioc.Normalize(t, raw),
		raw:     raw,
		context: desc,
		at:      ev.Time,
	}
}

// hostCandidate classifies a host name; literal addresses become IP
// candidates.
func hostCandidate(kind logs.Kind, ev logs.Event, host, desc string) candidate {
	if addr, err := netip.ParseAddr(host); err == nil {
		t := ioc.TypeIPv4
		if addr.Unmap().Is6() {
			t = ioc.TypeIPv6
		}
		return candidate{logType: kind, iocType: t, value: ioc.Normalize(t, host), raw: host, context: desc, at: ev.Time}
	}
	name := canonicalHost(host)
	if name == "" {
		return candidate{}
	}
	return candidate{
		logType: kind,
		iocType: ioc.TypeDomain,
		value:   name,
		raw:     host,
		context: desc,
		at:      ev.Time,
	}
}

// canonicalHost lowercases a DNS name and drops the root label. Names that
// are not plain hostnames yield "".
func canonicalHost(host string) string {
	if _, ok := dns.IsDomainName(host); !ok {
		return ""
	}
	name := strings.TrimSuffix(dns.CanonicalName(host), ".")
	if name == "" {
		return ""
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return ""
		}
	}
	return ioc.Normalize(ioc.TypeDomain, name)
}

// alertURL rebuilds an absolute URL from EVE http fields when only the path
// was logged.
func alertURL(ev logs.Event) string {
	u := ev.String("http.url")
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "/") {
		host := ev.String("http.hostname")
		if host == "" {
			return ""
		}
		return "http://" + host + u
	}
	return u
}
