package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/evanofslack/cdn-orchestrator/internal/provider"
)

const defaultCDNType = "web"

// apply describes the remote state for a step and mutates only when it
// differs from what the step wants. It reports whether a change was (or, in
// dry run, would be) made.
func (e *engine) apply(ctx context.Context, s Step) (bool, error) {
	switch s.Action {
	case ActionCreateDomain, ActionUpdateDomain:
		p, ok := s.Payload.(DomainPayload)
		if !ok {
			return false, payloadError(s)
		}
		return e.ensureDomain(ctx, s.Domain, p, s.Action == ActionCreateDomain)
	case ActionDeleteDomain:
		return e.deleteDomain(ctx, s.Domain)
	case ActionSetCacheRule:
		p, ok := s.Payload.(CacheRulePayload)
		if !ok {
			return false, payloadError(s)
		}
		return e.setCacheRule(ctx, s.Domain, p)
	case ActionSetHTTPS:
		p, ok := s.Payload.(HTTPSPayload)
		if !ok {
			return false, payloadError(s)
		}
		return e.setHTTPS(ctx, s.Domain, p)
	case ActionSetOrigin:
		p, ok := s.Payload.(OriginPayload)
		if !ok {
			return false, payloadError(s)
		}
		return e.setOrigin(ctx, s.Domain, p)
	case ActionSetHeaders:
		p, ok := s.Payload.(HeadersPayload)
		if !ok {
			return false, payloadError(s)
		}
		return e.setHeaders(ctx, s.Domain, p)
	}
	return false, fmt.Errorf("unknown action %q", s.Action)
}

func payloadError(s Step) error {
	return fmt.Errorf("step %s: unexpected payload %T", s.ID, s.Payload)
}

// missingInDryRun lets settings steps of a dry run report a change when the
// domain they target has not been created yet.
func (e *engine) missingInDryRun(err error) bool {
	return e.cfg.DryRun && provider.IsNotFound(err)
}

func (e *engine) ensureDomain(ctx context.Context, name string, want DomainPayload, create bool) (bool, error) {
	current, err := e.provider.DescribeDomain(ctx, name)
	switch {
	case provider.IsNotFound(err):
		if !create {
			return false, err
		}
		if e.cfg.DryRun {
			return true, nil
		}
		domain := provider.Domain{Name: name, CDNType: want.CDNType, Sources: want.Sources}
		if domain.CDNType == "" {
			domain.CDNType = defaultCDNType
		}
		return true, e.provider.CreateOrUpdateDomain(ctx, domain)
	case err != nil:
		return false, err
	}

	desired := current
	if want.CDNType != "" {
		desired.CDNType = want.CDNType
	}
	if len(want.Sources) > 0 {
		desired.Sources = want.Sources
	}
	if desired.CDNType == current.CDNType && sameSources(current.Sources, desired.Sources) {
		return false, nil
	}
	if e.cfg.DryRun {
		return true, nil
	}
	return true, e.provider.CreateOrUpdateDomain(ctx, desired)
}

func (e *engine) deleteDomain(ctx context.Context, name string) (bool, error) {
	_, err := e.provider.DescribeDomain(ctx, name)
	switch {
	case provider.IsNotFound(err):
		return false, nil
	case err != nil:
		return false, err
	case e.cfg.DryRun:
		return true, nil
	}
	return true, e.provider.DeleteDomain(ctx, name)
}

func (e *engine) setCacheRule(ctx context.Context, domain string, p CacheRulePayload) (bool, error) {
	existing, err := e.provider.DescribeCacheRules(ctx, domain)
	if err != nil {
		if e.missingInDryRun(err) {
			return true, nil
		}
		return false, err
	}

	current := make(map[string]provider.CacheRule, len(existing))
	for _, r := range existing {
		current[r.Path] = r
	}

	ttl := p.Rule.TTL()
	var changes []provider.CacheRule
	for _, path := range p.Rule.Paths() {
		if r, ok := current[path]; ok && r.TTL == ttl {
			continue
		}
		changes = append(changes, provider.CacheRule{Path: path, TTL: ttl})
	}
	if len(changes) == 0 {
		return false, nil
	}
	if e.cfg.DryRun {
		return true, nil
	}
	return true, e.provider.SetCacheRules(ctx, domain, changes)
}

func (e *engine) setHTTPS(ctx context.Context, domain string, p HTTPSPayload) (bool, error) {
	current, err := e.provider.DescribeHTTPS(ctx, domain)
	if err != nil {
		if e.missingInDryRun(err) {
			return true, nil
		}
		return false, err
	}

	desired := current
	if p.Settings.CertReference != nil {
		desired.CertReference = *p.Settings.CertReference
	}
	if p.Settings.ForceHTTPS != nil {
		desired.ForceHTTPS = *p.Settings.ForceHTTPS
	}
	if p.Settings.HTTP2 != nil {
		desired.HTTP2 = *p.Settings.HTTP2
	}
	if desired == current {
		return false, nil
	}
	if e.cfg.DryRun {
		return true, nil
	}
	return true, e.provider.SetHTTPS(ctx, domain, desired)
}

func (e *engine) setOrigin(ctx context.Context, domain string, p OriginPayload) (bool, error) {
	current, err := e.provider.DescribeOrigin(ctx, domain)
	if err != nil {
		if e.missingInDryRun(err) {
			return true, nil
		}
		return false, err
	}

	desired := current
	if p.Settings.Protocol != nil {
		desired.Protocol = *p.Settings.Protocol
	}
	if p.Settings.Port != nil {
		desired.Port = *p.Settings.Port
	}
	if p.Settings.OriginDomain != nil {
		desired.Domain = *p.Settings.OriginDomain
	}
	if desired == current {
		return false, nil
	}
	if e.cfg.DryRun {
		return true, nil
	}
	return true, e.provider.SetOrigin(ctx, domain, desired)
}

func (e *engine) setHeaders(ctx context.Context, domain string, p HeadersPayload) (bool, error) {
	existing, err := e.provider.DescribeHeaders(ctx, domain)
	if err != nil {
		if e.missingInDryRun(err) {
			return true, nil
		}
		return false, err
	}

	current := make(map[string]string, len(existing))
	for _, h := range existing {
		current[h.Key] = h.Value
	}
	var changes []provider.Header
	for _, h := range p.Headers {
		if v, ok := current[h.Key]; ok && v == h.Value {
			continue
		}
		changes = append(changes, provider.Header{Key: h.Key, Value: h.Value})
	}
	if len(changes) == 0 {
		return false, nil
	}
	if e.cfg.DryRun {
		return true, nil
	}
	return true, e.provider.SetHeaders(ctx, domain, changes)
}

// sameSources compares source sets ignoring order. A port of 0 on either
// side matches any port.
func sameSources(a, b []provider.Source) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = sortedSources(a), sortedSources(b)
	for i := range a {
		if a[i].Type != b[i].Type || a[i].Content != b[i].Content {
			return false
		}
		if a[i].Port != 0 && b[i].Port != 0 && a[i].Port != b[i].Port {
			return false
		}
	}
	return true
}

func sortedSources(in []provider.Source) []provider.Source {
	out := make([]provider.Source, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].Content != out[j].Content {
			return out[i].Content < out[j].Content
		}
		return out[i].Port < out[j].Port
	})
	return out
}
