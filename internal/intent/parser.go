package intent

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Input is one raw request: either a structured mapping or a free-text
// block. Structured wins when both are set.
type Input struct {
	Structured map[string]any
	Text       string
}

// ParseError reports a malformed request. Every unknown key and every
// malformed value found is listed, not just the first.
type ParseError struct {
	UnknownFields []string
	Problems      []string
}

func (e *ParseError) Error() string {
	var parts []string
	if len(e.UnknownFields) > 0 {
		parts = append(parts, "unknown fields: "+strings.Join(e.UnknownFields, ", "))
	}
	parts = append(parts, e.Problems...)
	return "parse intent: " + strings.Join(parts, "; ")
}

var (
	topLevelKeys = keySet("domain_name", "operation", "sources", "cdn_type", "cache_rules", "https", "origin", "headers")
	sourceKeys   = keySet("type", "content", "port")
	cacheKeys    = keySet("pattern", "path_pattern", "duration", "ttl", "unit")
	httpsKeys    = keySet("cert_reference", "cert_name", "force_https", "http2")
	originKeys   = keySet("protocol", "port", "origin_domain")
	headerKeys   = keySet("key", "value")

	durationRe = regexp.MustCompile(`^(-?\d+)\s*([A-Za-z]*)$`)
)

func keySet(keys ...string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// Parse dispatches to the structured or free-text parser. It never talks to
// a provider.
func Parse(in Input) (Intent, error) {
	if in.Structured != nil {
		return ParseStructured(in.Structured)
	}
	if strings.TrimSpace(in.Text) != "" {
		return ParseText(in.Text)
	}
	return Intent{}, &ParseError{Problems: []string{"empty input"}}
}

// decoder accumulates problems while walking a structured payload.
type decoder struct {
	unknown  []string
	problems []string
}

func (d *decoder) problemf(format string, args ...any) {
	d.problems = append(d.problems, fmt.Sprintf(format, args...))
}

func (d *decoder) checkKeys(prefix string, m map[string]any, allowed map[string]bool) {
	for k := range m {
		if !allowed[k] {
			d.unknown = append(d.unknown, join(prefix, k))
		}
	}
}

func (d *decoder) err() error {
	if len(d.unknown) == 0 && len(d.problems) == 0 {
		return nil
	}
	sort.Strings(d.unknown)
	return &ParseError{UnknownFields: d.unknown, Problems: d.problems}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// ParseStructured maps a field-name-to-value payload onto an Intent. The
// payload may come straight from encoding/json or from Serialize.
func ParseStructured(raw map[string]any) (Intent, error) {
	d := &decoder{}
	d.checkKeys("", raw, topLevelKeys)

	in := Intent{Operation: OpCreate}
	if v, ok := raw["domain_name"]; ok {
		in.DomainName = d.str("domain_name", v)
	}
	if v, ok := raw["operation"]; ok {
		in.Operation = Operation(strings.ToLower(d.str("operation", v)))
	}
	if v, ok := raw["sources"]; ok {
		in.Sources = d.sources("sources", v)
	}
	if v, ok := raw["cdn_type"]; ok {
		in.CDNType = strings.ToLower(d.str("cdn_type", v))
	}
	if v, ok := raw["cache_rules"]; ok {
		in.CacheRules = d.cacheRules("cache_rules", v)
	}
	if v, ok := raw["https"]; ok {
		in.HTTPS = d.https("https", v)
	}
	if v, ok := raw["origin"]; ok {
		in.Origin = d.origin("origin", v)
	}
	if v, ok := raw["headers"]; ok {
		in.Headers = d.headers("headers", v)
	}
	if err := d.err(); err != nil {
		return Intent{}, err
	}
	return in, nil
}

// list normalizes "one value or many" into a slice.
func (d *decoder) list(path string, v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	case string, map[string]any:
		return []any{t}
	case nil:
		return nil
	default:
		d.problemf("%s: expected string, object or list, got %T", path, v)
		return nil
	}
}

func (d *decoder) sources(path string, v any) []Source {
	var out []Source
	for i, item := range d.list(path, v) {
		itemPath := fmt.Sprintf("%s[%d]", path, i)
		switch t := item.(type) {
		case string:
			out = append(out, sourceFromString(t))
		case map[string]any:
			d.checkKeys(itemPath, t, sourceKeys)
			src := Source{}
			if tv, ok := t["type"]; ok {
				src.Type = strings.ToLower(d.str(itemPath+".type", tv))
			}
			if cv, ok := t["content"]; ok {
				src.Host = d.str(itemPath+".content", cv)
			}
			if pv, ok := t["port"]; ok {
				src.Port = d.integer(itemPath+".port", pv)
			}
			out = append(out, src)
		default:
			d.problemf("%s: expected string or object, got %T", itemPath, item)
		}
	}
	return out
}

func sourceFromString(s string) Source {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "oss://"); ok {
		return Source{Type: "oss", Raw: rest}
	}
	return Source{Raw: s}
}

func (d *decoder) cacheRules(path string, v any) []CacheRule {
	var out []CacheRule
	for i, item := range d.list(path, v) {
		itemPath := fmt.Sprintf("%s[%d]", path, i)
		switch t := item.(type) {
		case string:
			rule, err := ParseCacheRule(t)
			if err != nil {
				d.problemf("%s: %v", itemPath, err)
				continue
			}
			out = append(out, rule)
		case map[string]any:
			d.checkKeys(itemPath, t, cacheKeys)
			rule := CacheRule{}
			for _, k := range []string{"pattern", "path_pattern"} {
				if pv, ok := t[k]; ok {
					rule.Pattern = d.str(itemPath+"."+k, pv)
				}
			}
			for _, k := range []string{"duration", "ttl"} {
				if dv, ok := t[k]; ok {
					rule.Duration = int64(d.integer(itemPath+"."+k, dv))
				}
			}
			if uv, ok := t["unit"]; ok {
				rule.Unit = strings.ToLower(d.str(itemPath+".unit", uv))
			}
			out = append(out, rule)
		default:
			d.problemf("%s: expected string or object, got %T", itemPath, item)
		}
	}
	return out
}

// ParseCacheRule reads "pattern:N" or "pattern:N unit". The pattern is split
// on the last colon; a missing unit means seconds.
func ParseCacheRule(s string) (CacheRule, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return CacheRule{}, fmt.Errorf("cache rule %q: expected pattern:duration", s)
	}
	pattern := strings.TrimSpace(s[:idx])
	m := durationRe.FindStringSubmatch(strings.TrimSpace(s[idx+1:]))
	if m == nil {
		return CacheRule{}, fmt.Errorf("cache rule %q: invalid duration", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return CacheRule{}, fmt.Errorf("cache rule %q: %w", s, err)
	}
	return CacheRule{Pattern: pattern, Duration: n, Unit: strings.ToLower(m[2])}, nil
}

func (d *decoder) headers(path string, v any) []Header {
	var out []Header
	for i, item := range d.list(path, v) {
		itemPath := fmt.Sprintf("%s[%d]", path, i)
		switch t := item.(type) {
		case string:
			h, err := ParseHeader(t)
			if err != nil {
				d.problemf("%s: %v", itemPath, err)
				continue
			}
			out = append(out, h)
		case map[string]any:
			d.checkKeys(itemPath, t, headerKeys)
			h := Header{}
			if kv, ok := t["key"]; ok {
				h.Key = d.str(itemPath+".key", kv)
			}
			if vv, ok := t["value"]; ok {
				h.Value = d.str(itemPath+".value", vv)
			}
			out = append(out, h)
		default:
			d.problemf("%s: expected string or object, got %T", itemPath, item)
		}
	}
	return out
}

// ParseHeader reads "Key:Value", splitting on the first colon so values may
// contain colons themselves.
func ParseHeader(s string) (Header, error) {
	key, value, ok := strings.Cut(s, ":")
	if !ok {
		return Header{}, fmt.Errorf("header %q: expected key:value", s)
	}
	return Header{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)}, nil
}

func (d *decoder) https(path string, v any) *HTTPSSettings {
	m, ok := v.(map[string]any)
	if !ok {
		d.problemf("%s: expected object, got %T", path, v)
		return nil
	}
	d.checkKeys(path, m, httpsKeys)
	h := &HTTPSSettings{}
	for _, k := range []string{"cert_reference", "cert_name"} {
		if cv, ok := m[k]; ok {
			h.CertReference = ptr(d.str(join(path, k), cv))
		}
	}
	if fv, ok := m["force_https"]; ok {
		h.ForceHTTPS = ptr(d.boolean(join(path, "force_https"), fv))
	}
	if hv, ok := m["http2"]; ok {
		h.HTTP2 = ptr(d.boolean(join(path, "http2"), hv))
	}
	return h
}

func (d *decoder) origin(path string, v any) *OriginSettings {
	m, ok := v.(map[string]any)
	if !ok {
		d.problemf("%s: expected object, got %T", path, v)
		return nil
	}
	d.checkKeys(path, m, originKeys)
	o := &OriginSettings{}
	if pv, ok := m["protocol"]; ok {
		o.Protocol = ptr(strings.ToLower(d.str(join(path, "protocol"), pv)))
	}
	if pv, ok := m["port"]; ok {
		o.Port = ptr(d.integer(join(path, "port"), pv))
	}
	if dv, ok := m["origin_domain"]; ok {
		o.OriginDomain = ptr(d.str(join(path, "origin_domain"), dv))
	}
	return o
}

func (d *decoder) str(path string, v any) string {
	s, ok := v.(string)
	if !ok {
		d.problemf("%s: expected string, got %T", path, v)
		return ""
	}
	return strings.TrimSpace(s)
}

func (d *decoder) integer(path string, v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		if t != math.Trunc(t) || math.Abs(t) > math.MaxInt32 {
			d.problemf("%s: expected integer, got %v", path, t)
			return 0
		}
		return int(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			d.problemf("%s: expected integer, got %q", path, t.String())
			return 0
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			d.problemf("%s: expected integer, got %q", path, t)
			return 0
		}
		return n
	default:
		d.problemf("%s: expected integer, got %T", path, v)
		return 0
	}
}

func (d *decoder) boolean(path string, v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "on", "yes":
			return true
		case "false", "off", "no":
			return false
		}
	}
	d.problemf("%s: expected boolean, got %v", path, v)
	return false
}
