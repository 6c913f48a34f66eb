package ioc

import (
	"fmt"
	"strings"
)

// Type identifies the kind of indicator.
type Type string

const (
	TypeDomain Type = "domain"
	TypeIPv4   Type = "ipv4"
	TypeIPv6   Type = "ipv6"
	TypeURL    Type = "url"
	TypeMD5    Type = "md5"
	TypeSHA1   Type = "sha1"
	TypeSHA256 Type = "sha256"
	TypeCVE    Type = "cve"
	TypeEmail  Type = "email"
)

// AllTypes lists every supported type in extraction order.
var AllTypes = []Type{
	TypeIPv4,
	TypeIPv6,
	TypeDomain,
	TypeURL,
	TypeMD5,
	TypeSHA1,
	TypeSHA256,
	TypeCVE,
	TypeEmail,
}

// IOC is one classified indicator produced by an extraction call.
type IOC struct {
	Type       Type    `json:"type"`
	Value      string  `json:"value"`
	Source     string  `json:"source"`
	Context    string  `json:"context,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsHash reports whether t is one of the hex digest types.
func (t Type) IsHash() bool {
	return t == TypeMD5 || t == TypeSHA1 || t == TypeSHA256
}

// ParseType converts a user supplied name ("IPv4", "sha256") into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown IOC type: %q", s)
	}
	return t, nil
}

// ParseTypes converts a list of names, rejecting unknown entries.
func ParseTypes(names []string) ([]Type, error) {
	types := make([]Type, 0, len(names))
	for _, n := range names {
		t, err := ParseType(n)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}
