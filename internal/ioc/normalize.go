package ioc

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// Normalize returns the canonical stored form of value for type t. The same
// function is applied on extraction, on write and on lookup so that case and
// notation differences never split one indicator into two rows.
func Normalize(t Type, value string) string {
	v := strings.TrimSpace(value)
	switch t {
	case TypeDomain:
		return strings.TrimSuffix(strings.ToLower(v), ".")
	case TypeEmail, TypeMD5, TypeSHA1, TypeSHA256:
		return strings.ToLower(v)
	case TypeCVE:
		return strings.ToUpper(v)
	case TypeIPv4:
		if addr, err := parseIPv4(v); err == nil {
			return addr.String()
		}
		return strings.ToLower(v)
	case TypeIPv6:
		if addr, err := netip.ParseAddr(v); err == nil {
			return addr.Unmap().String()
		}
		return strings.ToLower(v)
	case TypeURL:
		u, err := url.Parse(v)
		if err != nil || u.Host == "" {
			return v
		}
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		return u.String()
	}
	return v
}

// parseIPv4 accepts zero-padded octets ("045.067.089.010") as decimal, which
// netip rejects, and unmaps "::ffff:a.b.c.d".
func parseIPv4(v string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(v); err == nil {
		return addr.Unmap(), nil
	}
	octets := strings.Split(v, ".")
	if len(octets) != 4 {
		return netip.Addr{}, fmt.Errorf("invalid ipv4 %q", v)
	}
	for i, o := range octets {
		if len(o) > 3 {
			return netip.Addr{}, fmt.Errorf("invalid ipv4 %q", v)
		}
		if t := strings.TrimLeft(o, "0"); t != "" {
			octets[i] = t
		} else if o != "" {
			octets[i] = "0"
		}
	}
	return netip.ParseAddr(strings.Join(octets, "."))
}
