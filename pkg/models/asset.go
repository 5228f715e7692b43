package models

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type AssetKind string

const (
	AssetKindHost    AssetKind = "host"
	AssetKindIP      AssetKind = "ip"
	AssetKindURL     AssetKind = "url"
	AssetKindService AssetKind = "service"
)

// Asset is something the recon stage discovered. Origin holds the value of
// the target that produced it; it is a lookup key, not an ownership link.
type Asset struct {
	Value        string    `json:"value" yaml:"value"`
	Kind         AssetKind `json:"kind" yaml:"kind"`
	Port         int       `json:"port,omitempty" yaml:"port,omitempty"`
	Source       string    `json:"source" yaml:"source"`
	Origin       string    `json:"origin" yaml:"origin"`
	DiscoveredAt time.Time `json:"discovered_at" yaml:"discovered_at"`
}

// Key is the normalized identity used for asset deduplication.
func (a Asset) Key() string {
	return NormalizeAssetValue(a.Value)
}

// Host returns the hostname or IP the asset points at, without scheme or port.
func (a Asset) Host() string {
	return HostOf(a.Value)
}

// NormalizeAssetValue lowercases hosts and strips trailing dots. URLs keep
// their path but get a lowercased scheme and host.
func NormalizeAssetValue(v string) string {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err == nil && u.Host != "" {
			u.Scheme = strings.ToLower(u.Scheme)
			u.Host = strings.TrimSuffix(strings.ToLower(u.Host), ".")
			return u.String()
		}
	}
	return strings.TrimSuffix(strings.ToLower(v), ".")
}

// HostOf extracts the host part from a URL, host:port pair or bare host.
func HostOf(v string) string {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "://") {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
		}
	}
	if h, p, err := net.SplitHostPort(v); err == nil {
		if _, perr := strconv.Atoi(p); perr == nil {
			v = h
		}
	}
	return strings.TrimSuffix(strings.ToLower(v), ".")
}
