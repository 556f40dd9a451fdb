// Package validate checks a parsed intent field by field and normalizes it.
// It reports every problem it finds in one batch.
package validate

import (
	"fmt"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/evanofslack/cdn-orchestrator/internal/intent"
)

type Kind string

const (
	KindRequired          Kind = "required"
	KindInvalidFormat     Kind = "invalid_format"
	KindOutOfRange        Kind = "out_of_range"
	KindNotAllowed        Kind = "not_allowed"
	KindUnrecognizedInput Kind = "unrecognized_input"
)

const (
	defaultSourcePort = 80
	// Longest TTL accepted for a cache rule: three years.
	maxCacheSeconds = 3 * 365 * 24 * 60 * 60
)

var (
	globRe = regexp.MustCompile(`^[A-Za-z0-9/*._-]+$`)
	// HTTP field-name token characters.
	headerKeyRe = regexp.MustCompile("^[A-Za-z0-9!#$%&'*+.^_`|~-]+$")

	unitSeconds = map[string]int64{
		"":        1,
		"second":  1,
		"seconds": 1,
		"minute":  60,
		"minutes": 60,
		"hour":    3600,
		"hours":   3600,
		"day":     86400,
		"days":    86400,
	}
)

type FieldError struct {
	Field   string `json:"field"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Kind)
}

// Errors is the complete set of problems found in one intent.
type Errors []*FieldError

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return "invalid intent: " + strings.Join(msgs, "; ")
}

type Validator struct {
	v       *validator.Validate
	lenient bool
}

// New returns a Validator. In lenient mode unrecognized free-text lines are
// carried through as warnings instead of failing validation.
func New(lenient bool) *Validator {
	return &Validator{v: validator.New(), lenient: lenient}
}

// collector gathers field errors for one intent.
type collector struct {
	errs Errors
}

func (c *collector) add(field string, kind Kind, format string, args ...any) {
	c.errs = append(c.errs, &FieldError{Field: field, Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// Validate checks every field of in and returns the normalized intent, or
// an Errors value listing every failure. Validating an already validated
// intent returns it unchanged.
func (v *Validator) Validate(in intent.Intent) (intent.Validated, error) {
	c := &collector{}
	out := intent.Validated{Operation: in.Operation}

	out.DomainName = v.domainName(c, in.DomainName)

	switch in.Operation {
	case intent.OpCreate, intent.OpUpdate:
	case intent.OpDelete:
		v.deleteOnly(c, in)
	case "":
		c.add("operation", KindRequired, "operation is required")
	default:
		c.add("operation", KindInvalidFormat, "unknown operation %q", in.Operation)
	}

	var originPort int
	if in.Origin != nil && in.Origin.Port != nil && v.v.Var(*in.Origin.Port, "min=1,max=65535") == nil {
		originPort = *in.Origin.Port
	}
	for i, src := range in.Sources {
		if s, ok := v.source(c, fmt.Sprintf("sources[%d]", i), src, originPort); ok {
			out.Sources = append(out.Sources, s)
		}
	}

	if in.CDNType != "" {
		cdnType := strings.ToLower(in.CDNType)
		if v.v.Var(cdnType, "oneof=web download video live") != nil {
			c.add("cdn_type", KindInvalidFormat, "unknown cdn type %q", in.CDNType)
		}
		out.CDNType = cdnType
	}

	seen := make(map[string]bool)
	for i, rule := range in.CacheRules {
		field := fmt.Sprintf("cache_rules[%d]", i)
		r, ok := v.cacheRule(c, field, rule)
		if !ok {
			continue
		}
		if seen[r.Pattern] {
			c.add(field, KindNotAllowed, "duplicate cache rule for pattern %q", r.Pattern)
			continue
		}
		seen[r.Pattern] = true
		out.CacheRules = append(out.CacheRules, r)
	}

	out.HTTPS = v.https(c, in.HTTPS)
	out.Origin = v.origin(c, in.Origin)

	seenHeaders := make(map[string]bool)
	for i, h := range in.Headers {
		field := fmt.Sprintf("headers[%d]", i)
		hdr, ok := v.header(c, field, h)
		if !ok {
			continue
		}
		if seenHeaders[hdr.Key] {
			c.add(field, KindNotAllowed, "duplicate header %q", hdr.Key)
			continue
		}
		seenHeaders[hdr.Key] = true
		out.Headers = append(out.Headers, hdr)
	}

	for _, f := range in.Unparsed {
		if v.lenient {
			out.Warnings = append(out.Warnings, "unrecognized input "+f.String())
			continue
		}
		c.add("text", KindUnrecognizedInput, "%s not understood", f)
	}

	if len(c.errs) > 0 {
		return intent.Validated{}, c.errs
	}
	return out, nil
}

func (v *Validator) domainName(c *collector, name string) string {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	switch {
	case name == "":
		c.add("domain_name", KindRequired, "domain name is required")
	case v.v.Var(name, "fqdn,max=253") != nil:
		c.add("domain_name", KindInvalidFormat, "%q is not a valid DNS hostname", name)
	}
	return name
}

func (v *Validator) deleteOnly(c *collector, in intent.Intent) {
	if len(in.Sources) > 0 {
		c.add("sources", KindNotAllowed, "sources cannot be set when deleting a domain")
	}
	if in.CDNType != "" {
		c.add("cdn_type", KindNotAllowed, "cdn type cannot be set when deleting a domain")
	}
	if len(in.CacheRules) > 0 {
		c.add("cache_rules", KindNotAllowed, "cache rules cannot be set when deleting a domain")
	}
	if in.HTTPS != nil {
		c.add("https", KindNotAllowed, "https settings cannot be set when deleting a domain")
	}
	if in.Origin != nil {
		c.add("origin", KindNotAllowed, "origin settings cannot be set when deleting a domain")
	}
	if len(in.Headers) > 0 {
		c.add("headers", KindNotAllowed, "headers cannot be set when deleting a domain")
	}
}

// source resolves Raw into host and port, infers the type and fills a
// missing port from the origin port, else 80.
func (v *Validator) source(c *collector, field string, src intent.Source, originPort int) (intent.Source, bool) {
	out := intent.Source{Type: strings.ToLower(src.Type), Host: strings.TrimSpace(src.Host), Port: src.Port}
	if src.Raw != "" {
		host, port, err := splitHostPort(strings.TrimSpace(src.Raw))
		if err != nil {
			c.add(field, KindInvalidFormat, "%q: %v", src.Raw, err)
			return intent.Source{}, false
		}
		out.Host, out.Port = host, port
	}
	if out.Host == "" {
		c.add(field, KindRequired, "source address is required")
		return intent.Source{}, false
	}
	if out.Type == "" {
		out.Type = "domain"
		if net.ParseIP(out.Host) != nil {
			out.Type = "ipaddr"
		}
	}

	ok := true
	switch out.Type {
	case "ipaddr":
		if v.v.Var(out.Host, "ip") != nil {
			c.add(field, KindInvalidFormat, "%q is not an IP address", out.Host)
			ok = false
		}
	case "domain":
		if v.v.Var(out.Host, "hostname_rfc1123") != nil {
			c.add(field, KindInvalidFormat, "%q is not a valid hostname", out.Host)
			ok = false
		}
	case "oss":
		if v.v.Var(out.Host, "fqdn") != nil {
			c.add(field, KindInvalidFormat, "%q is not a valid bucket domain", out.Host)
			ok = false
		}
	default:
		c.add(field, KindInvalidFormat, "unknown source type %q", out.Type)
		ok = false
	}

	if out.Port == 0 {
		out.Port = defaultSourcePort
		if originPort != 0 {
			out.Port = originPort
		}
	}
	if v.v.Var(out.Port, "min=1,max=65535") != nil {
		c.add(field, KindOutOfRange, "port %d outside 1-65535", out.Port)
		ok = false
	}
	return out, ok
}

// splitHostPort accepts "host", "host:port", "[v6]:port" and a bare IPv6
// address. A missing port is returned as 0.
func splitHostPort(raw string) (string, int, error) {
	if !strings.HasPrefix(raw, "[") && strings.Count(raw, ":") != 1 {
		return raw, 0, nil
	}
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// cacheRule normalizes the duration to seconds.
func (v *Validator) cacheRule(c *collector, field string, rule intent.CacheRule) (intent.CacheRule, bool) {
	ok := true
	pattern := strings.TrimSpace(rule.Pattern)
	switch {
	case pattern == "":
		c.add(field+".pattern", KindRequired, "pattern is required")
		ok = false
	case !intent.IsTarget(pattern) && !globRe.MatchString(pattern):
		c.add(field+".pattern", KindInvalidFormat, "%q is not a path pattern", pattern)
		ok = false
	}

	mult, known := unitSeconds[strings.ToLower(rule.Unit)]
	if !known {
		c.add(field+".unit", KindInvalidFormat, "unit %q is not one of second, minute, hour, day", rule.Unit)
		ok = false
	}
	switch {
	case rule.Duration <= 0:
		c.add(field+".duration", KindOutOfRange, "duration must be greater than zero")
		ok = false
	case known && rule.Duration > maxCacheSeconds/mult:
		c.add(field+".duration", KindOutOfRange, "duration exceeds %d seconds", maxCacheSeconds)
		ok = false
	}
	if !ok {
		return intent.CacheRule{}, false
	}
	return intent.CacheRule{Pattern: pattern, Duration: rule.Duration * mult, Unit: "second"}, true
}

// header canonicalizes the key, so "content-type" and "Content-Type" are
// the same header.
func (v *Validator) header(c *collector, field string, h intent.Header) (intent.Header, bool) {
	ok := true
	key := strings.TrimSpace(h.Key)
	switch {
	case key == "":
		c.add(field+".key", KindRequired, "header name is required")
		ok = false
	case !headerKeyRe.MatchString(key) || v.v.Var(key, "max=128") != nil:
		c.add(field+".key", KindInvalidFormat, "%q is not a valid header name", h.Key)
		ok = false
	}
	value := strings.TrimSpace(h.Value)
	switch {
	case value == "":
		c.add(field+".value", KindRequired, "header value is required")
		ok = false
	case v.v.Var(value, "printascii,max=1024") != nil:
		c.add(field+".value", KindInvalidFormat, "header value must be printable ASCII up to 1024 characters")
		ok = false
	}
	if !ok {
		return intent.Header{}, false
	}
	return intent.Header{Key: textproto.CanonicalMIMEHeaderKey(key), Value: value}, true
}

// https returns nil for an empty settings block.
func (v *Validator) https(c *collector, h *intent.HTTPSSettings) *intent.HTTPSSettings {
	if h == nil || (h.CertReference == nil && h.ForceHTTPS == nil && h.HTTP2 == nil) {
		return nil
	}
	out := &intent.HTTPSSettings{}
	if h.CertReference != nil {
		ref := strings.TrimSpace(*h.CertReference)
		if ref == "" {
			c.add("https.cert_reference", KindRequired, "certificate reference must not be empty")
		}
		out.CertReference = &ref
	}
	if h.ForceHTTPS != nil {
		force := *h.ForceHTTPS
		out.ForceHTTPS = &force
	}
	if h.HTTP2 != nil {
		http2 := *h.HTTP2
		out.HTTP2 = &http2
	}
	return out
}

// origin returns nil for an empty settings block.
func (v *Validator) origin(c *collector, o *intent.OriginSettings) *intent.OriginSettings {
	if o == nil || (o.Protocol == nil && o.Port == nil && o.OriginDomain == nil) {
		return nil
	}
	out := &intent.OriginSettings{}
	if o.Protocol != nil {
		protocol := strings.ToLower(strings.TrimSpace(*o.Protocol))
		if v.v.Var(protocol, "oneof=http https follow") != nil {
			c.add("origin.protocol", KindInvalidFormat, "protocol %q is not one of http, https, follow", *o.Protocol)
		}
		out.Protocol = &protocol
	}
	if o.Port != nil {
		port := *o.Port
		if v.v.Var(port, "min=1,max=65535") != nil {
			c.add("origin.port", KindOutOfRange, "port %d outside 1-65535", port)
		}
		out.Port = &port
	}
	if o.OriginDomain != nil {
		domain := strings.ToLower(strings.TrimSpace(*o.OriginDomain))
		if v.v.Var(domain, "hostname_rfc1123") != nil {
			c.add("origin.origin_domain", KindInvalidFormat, "%q is not a valid hostname", *o.OriginDomain)
		}
		out.OriginDomain = &domain
	}
	return out
}
