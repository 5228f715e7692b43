package models

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

type TargetKind string

const (
	TargetKindDomain TargetKind = "domain"
	TargetKindIP     TargetKind = "ip"
	TargetKindCIDR   TargetKind = "cidr"
)

// Target is a single scope entry. Values are normalized on construction and
// never mutated afterwards.
type Target struct {
	Value    string     `json:"value" yaml:"value"`
	Kind     TargetKind `json:"kind" yaml:"kind"`
	Excluded bool       `json:"excluded" yaml:"excluded"`
}

func ParseTarget(raw string) (Target, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Target{}, fmt.Errorf("empty target")
	}

	if _, ipnet, err := net.ParseCIDR(value); err == nil {
		return Target{Value: ipnet.String(), Kind: TargetKindCIDR}, nil
	}
	if ip := net.ParseIP(value); ip != nil {
		return Target{Value: ip.String(), Kind: TargetKindIP}, nil
	}

	domain, err := NormalizeDomain(value)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	return Target{Value: domain, Kind: TargetKindDomain}, nil
}

// NormalizeDomain lowercases, strips a trailing dot and converts IDNs to
// their ASCII form so that equal names compare equal.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimSuffix(d, ".")
	if d == "" {
		return "", fmt.Errorf("empty domain")
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", err
	}
	if len(ascii) > 253 {
		return "", fmt.Errorf("domain too long")
	}
	return ascii, nil
}

func (t Target) String() string {
	return t.Value
}
