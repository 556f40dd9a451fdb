package provider

import (
	"context"
	"time"
)

// Provider is the management API of a CDN vendor. Implementations classify
// every failure as an *Error so callers can decide whether to retry.
type Provider interface {
	DescribeDomain(ctx context.Context, name string) (Domain, error)
	CreateOrUpdateDomain(ctx context.Context, domain Domain) error
	DeleteDomain(ctx context.Context, name string) error

	DescribeCacheRules(ctx context.Context, domain string) ([]CacheRule, error)
	// SetCacheRules upserts rules by path and leaves other paths alone.
	SetCacheRules(ctx context.Context, domain string, rules []CacheRule) error

	DescribeHTTPS(ctx context.Context, domain string) (HTTPS, error)
	SetHTTPS(ctx context.Context, domain string, https HTTPS) error

	DescribeOrigin(ctx context.Context, domain string) (Origin, error)
	SetOrigin(ctx context.Context, domain string, origin Origin) error

	DescribeHeaders(ctx context.Context, domain string) ([]Header, error)
	// SetHeaders upserts response headers by key.
	SetHeaders(ctx context.Context, domain string, headers []Header) error
}

const (
	SourceIP     = "ipaddr"
	SourceDomain = "domain"
	SourceOSS    = "oss"
)

type Domain struct {
	Name    string
	CDNType string
	Sources []Source
	Status  string
}

// Source is an origin server the CDN fetches from. Port 0 means the
// provider does not track the port.
type Source struct {
	Type    string
	Content string
	Port    int
}

type CacheRule struct {
	Path string
	TTL  time.Duration
}

type HTTPS struct {
	CertReference string
	ForceHTTPS    bool
	HTTP2         bool
}

type Origin struct {
	Protocol string
	Port     int
	Domain   string
}

// Header is a custom HTTP response header served for the domain.
type Header struct {
	Key   string
	Value string
}
