package orchestrator

import (
	"fmt"

	"github.com/evanofslack/cdn-orchestrator/internal/intent"
	"github.com/evanofslack/cdn-orchestrator/internal/provider"
)

type Action string

const (
	ActionCreateDomain Action = "create_domain"
	ActionUpdateDomain Action = "update_domain"
	ActionDeleteDomain Action = "delete_domain"
	ActionSetCacheRule Action = "set_cache_rule"
	ActionSetHTTPS     Action = "set_https"
	ActionSetOrigin    Action = "set_origin"
	ActionSetHeaders   Action = "set_headers"
)

type Plan struct {
	Domain string
	Steps  []Step
}

// Step is one provider-facing change. Payload is one of DomainPayload,
// CacheRulePayload, HTTPSPayload, OriginPayload or HeadersPayload, or nil
// for deletes.
type Step struct {
	ID        string
	Index     int
	Action    Action
	Domain    string
	Payload   any
	DependsOn []string
}

// DomainPayload carries the domain-level settings to reconcile. Empty
// fields are left as the provider has them.
type DomainPayload struct {
	CDNType string
	Sources []provider.Source
}

type CacheRulePayload struct {
	Rule intent.CacheRule
}

type HTTPSPayload struct {
	Settings intent.HTTPSSettings
}

type OriginPayload struct {
	Settings intent.OriginSettings
}

// HeadersPayload carries every requested header in one step; headers not
// named are left alone.
type HeadersPayload struct {
	Headers []intent.Header
}

// NewPlan derives the ordered steps for a validated intent. Every settings
// step depends on the domain readiness step and nothing else, so a failure
// in one setting never blocks its siblings.
func NewPlan(v intent.Validated) Plan {
	p := Plan{Domain: v.DomainName}

	if v.Operation == intent.OpDelete {
		p.add(ActionDeleteDomain, nil)
		return p
	}

	readiness := ActionCreateDomain
	if v.Operation == intent.OpUpdate {
		readiness = ActionUpdateDomain
	}
	payload := DomainPayload{CDNType: v.CDNType}
	for _, s := range v.Sources {
		payload.Sources = append(payload.Sources, provider.Source{Type: s.Type, Content: s.Host, Port: s.Port})
	}
	ready := p.add(readiness, payload)

	for _, rule := range v.CacheRules {
		p.add(ActionSetCacheRule, CacheRulePayload{Rule: rule}, ready)
	}
	if v.HTTPS != nil {
		p.add(ActionSetHTTPS, HTTPSPayload{Settings: *v.HTTPS}, ready)
	}
	if v.Origin != nil {
		p.add(ActionSetOrigin, OriginPayload{Settings: *v.Origin}, ready)
	}
	if len(v.Headers) > 0 {
		p.add(ActionSetHeaders, HeadersPayload{Headers: v.Headers}, ready)
	}
	return p
}

func (p *Plan) add(action Action, payload any, deps ...string) string {
	index := len(p.Steps)
	id := fmt.Sprintf("%d-%s", index, action)
	p.Steps = append(p.Steps, Step{
		ID:        id,
		Index:     index,
		Action:    action,
		Domain:    p.Domain,
		Payload:   payload,
		DependsOn: deps,
	})
	return id
}

// Actions lists the plan's actions in order.
func (p Plan) Actions() []Action {
	actions := make([]Action, len(p.Steps))
	for i, s := range p.Steps {
		actions[i] = s.Action
	}
	return actions
}
