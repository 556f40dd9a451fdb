// Package intent holds the canonical representation of a requested CDN
// configuration change and turns raw structured payloads or free text into it.
package intent

import (
	"strings"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Cache targets that expand to a fixed set of path globs.
const (
	TargetImage = "image"
	TargetVideo = "video"
	TargetAll   = "all"
)

var targetPaths = map[string][]string{
	TargetImage: {"*.jpg", "*.jpeg", "*.png", "*.gif"},
	TargetVideo: {"*.mp4", "*.flv", "*.m3u8"},
	TargetAll:   {"*"},
}

// Intent is one requested change to one accelerated domain. Nil or empty
// fields mean "leave unchanged".
type Intent struct {
	DomainName string
	Operation  Operation
	Sources    []Source
	CDNType    string
	CacheRules []CacheRule
	HTTPS      *HTTPSSettings
	Origin     *OriginSettings
	Headers    []Header

	// Unparsed holds free-text lines that matched no known slot.
	Unparsed []Fragment
}

// Source is an origin server. Raw carries an unsplit "host[:port]" until
// validation resolves it into Host and Port.
type Source struct {
	Type string
	Host string
	Port int
	Raw  string
}

// CacheRule is a TTL for a path pattern. Before validation Duration and Unit
// are exactly what the caller wrote; afterwards Unit is "second".
type CacheRule struct {
	Pattern  string
	Duration int64
	Unit     string
}

type HTTPSSettings struct {
	CertReference *string
	ForceHTTPS    *bool
	HTTP2         *bool
}

type OriginSettings struct {
	Protocol     *string
	Port         *int
	OriginDomain *string
}

// Header is a custom HTTP response header. Validation canonicalizes Key.
type Header struct {
	Key   string
	Value string
}

type Fragment struct {
	Line int
	Text string
}

// Validated is an Intent whose present fields all passed validation, with
// units normalized. Warnings carries unrecognized input accepted in lenient
// mode.
type Validated struct {
	DomainName string
	Operation  Operation
	Sources    []Source
	CDNType    string
	CacheRules []CacheRule
	HTTPS      *HTTPSSettings
	Origin     *OriginSettings
	Headers    []Header
	Warnings   []string
}

// Intent converts back to the unvalidated form, e.g. to revalidate.
func (v Validated) Intent() Intent {
	return Intent{
		DomainName: v.DomainName,
		Operation:  v.Operation,
		Sources:    v.Sources,
		CDNType:    v.CDNType,
		CacheRules: v.CacheRules,
		HTTPS:      v.HTTPS,
		Origin:     v.Origin,
		Headers:    v.Headers,
	}
}

// TTL is only meaningful on a validated rule.
func (r CacheRule) TTL() time.Duration {
	return time.Duration(r.Duration) * time.Second
}

// Paths expands the rule's pattern into provider path globs, each with a
// leading slash.
func (r CacheRule) Paths() []string {
	globs, ok := targetPaths[r.Pattern]
	if !ok {
		globs = []string{r.Pattern}
	}
	paths := make([]string, 0, len(globs))
	for _, g := range globs {
		if !strings.HasPrefix(g, "/") {
			g = "/" + g
		}
		paths = append(paths, g)
	}
	return paths
}

func IsTarget(pattern string) bool {
	_, ok := targetPaths[pattern]
	return ok
}

func ptr[T any](v T) *T {
	return &v
}
