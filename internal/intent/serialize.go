package intent

// Serialize renders a validated intent in the structured input form, so
// that parsing and validating the result yields the same intent.
func Serialize(v Validated) map[string]any {
	out := map[string]any{
		"domain_name": v.DomainName,
		"operation":   string(v.Operation),
	}
	if len(v.Sources) > 0 {
		sources := make([]any, 0, len(v.Sources))
		for _, s := range v.Sources {
			sources = append(sources, map[string]any{
				"type":    s.Type,
				"content": s.Host,
				"port":    s.Port,
			})
		}
		out["sources"] = sources
	}
	if v.CDNType != "" {
		out["cdn_type"] = v.CDNType
	}
	if len(v.CacheRules) > 0 {
		rules := make([]any, 0, len(v.CacheRules))
		for _, r := range v.CacheRules {
			rules = append(rules, map[string]any{
				"pattern":  r.Pattern,
				"duration": r.Duration,
				"unit":     r.Unit,
			})
		}
		out["cache_rules"] = rules
	}
	if v.HTTPS != nil {
		h := map[string]any{}
		if v.HTTPS.CertReference != nil {
			h["cert_reference"] = *v.HTTPS.CertReference
		}
		if v.HTTPS.ForceHTTPS != nil {
			h["force_https"] = *v.HTTPS.ForceHTTPS
		}
		if v.HTTPS.HTTP2 != nil {
			h["http2"] = *v.HTTPS.HTTP2
		}
		out["https"] = h
	}
	if v.Origin != nil {
		o := map[string]any{}
		if v.Origin.Protocol != nil {
			o["protocol"] = *v.Origin.Protocol
		}
		if v.Origin.Port != nil {
			o["port"] = *v.Origin.Port
		}
		if v.Origin.OriginDomain != nil {
			o["origin_domain"] = *v.Origin.OriginDomain
		}
		out["origin"] = o
	}
	if len(v.Headers) > 0 {
		headers := make([]any, 0, len(v.Headers))
		for _, h := range v.Headers {
			headers = append(headers, map[string]any{"key": h.Key, "value": h.Value})
		}
		out["headers"] = headers
	}
	return out
}
