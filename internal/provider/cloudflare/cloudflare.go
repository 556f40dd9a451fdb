// Package cloudflare maps the CDN provider contract onto Cloudflare: a
// domain is a zone, its sources are proxied apex DNS records, cache rules
// are page rules and HTTPS/origin settings are zone settings.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/libdns/libdns"

	"github.com/evanofslack/cdn-orchestrator/internal/config"
	"github.com/evanofslack/cdn-orchestrator/internal/metrics"
	"github.com/evanofslack/cdn-orchestrator/internal/provider"
)

const (
	providerName = "cloudflare"

	// The TXT record marking a zone as managed, like
	// "heritage=cdn-orchestrator,cdn-orchestrator/cdn_type=web,cdn-orchestrator/source=ipaddr/80/1.2.3.4".
	heritage     = "heritage=cdn-orchestrator"
	ownerPrefix  = "cdn-orchestrator/"
	autoTTL      = 1
	edgeCacheTTL = "edge_cache_ttl"

	settingAlwaysHTTPS = "always_use_https"
	settingHTTP2       = "http2"
	settingSSL         = "ssl"
)

type CloudflareProvider struct {
	client    *cloudflare.API
	metrics   *metrics.Metrics
	accountID string

	mu    sync.Mutex
	zones map[string]string // Cache zone name to ID mapping
}

// New builds the adapter from the provider config. Extra options are passed
// to the Cloudflare client; retries are left to the orchestrator.
func New(cfg config.Provider, metrics *metrics.Metrics, opts ...cloudflare.Option) (*CloudflareProvider, error) {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, fmt.Errorf("cloudflare credentials required in %s and %s", config.EnvAccessKeyID, config.EnvAccessKeySecret)
	}

	opts = append([]cloudflare.Option{cloudflare.UsingRetryPolicy(0, 0, 0)}, opts...)
	client, err := cloudflare.New(cfg.AccessKeySecret, cfg.AccessKeyID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloudflare client: %w", err)
	}

	return &CloudflareProvider{
		client:    client,
		metrics:   metrics,
		accountID: cfg.AccountID,
		zones:     make(map[string]string),
	}, nil
}

// fail classifies err and records the failed request.
func (p *CloudflareProvider) fail(ctx context.Context, operation, op string, err error) error {
	p.metrics.IncProviderRequest(providerName, operation, false)
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return classify(op, err)
}

func (p *CloudflareProvider) ok(operation string) {
	p.metrics.IncProviderRequest(providerName, operation, true)
}

// zoneID resolves a domain to its zone, caching the mapping.
func (p *CloudflareProvider) zoneID(ctx context.Context, name string) (string, cloudflare.Zone, error) {
	zones, err := p.client.ListZones(ctx, name)
	if err != nil {
		return "", cloudflare.Zone{}, p.fail(ctx, "read", "list zones", err)
	}
	p.ok("read")
	for _, z := range zones {
		if z.Name == name {
			p.mu.Lock()
			p.zones[name] = z.ID
			p.mu.Unlock()
			return z.ID, z, nil
		}
	}
	p.mu.Lock()
	delete(p.zones, name)
	p.mu.Unlock()
	return "", cloudflare.Zone{}, provider.NewError(provider.KindNotFound, "list zones", "ZoneNotFound", fmt.Errorf("zone %s not found", name))
}

// cachedZoneID skips the zone lookup when the mapping is known.
func (p *CloudflareProvider) cachedZoneID(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	id, ok := p.zones[name]
	p.mu.Unlock()
	if ok {
		return id, nil
	}
	id, _, err := p.zoneID(ctx, name)
	return id, err
}

func (p *CloudflareProvider) apexRecords(ctx context.Context, zoneID, name string) ([]cloudflare.DNSRecord, error) {
	var all []cloudflare.DNSRecord
	page := 1
	for {
		params := cloudflare.ListDNSRecordsParams{
			Name: name,
			ResultInfo: cloudflare.ResultInfo{
				Page:    page,
				PerPage: 100,
			},
		}
		records, resultInfo, err := p.client.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), params)
		if err != nil {
			return nil, p.fail(ctx, "read", "list dns records", err)
		}
		all = append(all, records...)
		if resultInfo == nil || page >= resultInfo.TotalPages {
			break
		}
		page++
	}
	p.ok("read")
	return all, nil
}

func (p *CloudflareProvider) DescribeDomain(ctx context.Context, name string) (provider.Domain, error) {
	slog.Debug("Describing domain", "provider", providerName, "domain", name)
	id, zone, err := p.zoneID(ctx, name)
	if err != nil {
		return provider.Domain{}, err
	}
	records, err := p.apexRecords(ctx, id, name)
	if err != nil {
		return provider.Domain{}, err
	}

	domain := provider.Domain{Name: name, Status: zone.Status}
	for _, r := range records {
		if r.Type == "TXT" && isManaged(r.Content) {
			domain.CDNType, domain.Sources = parseHeritage(r.Content)
			return domain, nil
		}
	}
	// Unmanaged zone: report what DNS says, without ports.
	for _, r := range records {
		switch r.Type {
		case "A", "AAAA":
			domain.Sources = append(domain.Sources, provider.Source{Type: provider.SourceIP, Content: r.Content})
		case "CNAME":
			domain.Sources = append(domain.Sources, provider.Source{Type: provider.SourceDomain, Content: r.Content})
		}
	}
	return domain, nil
}

func (p *CloudflareProvider) CreateOrUpdateDomain(ctx context.Context, domain provider.Domain) error {
	slog.Info("Applying domain", "provider", providerName, "domain", domain.Name, "sources", len(domain.Sources))
	start := time.Now()

	desired, err := desiredRecords(domain)
	if err != nil {
		return provider.NewError(provider.KindBadRequest, "apply domain", "InvalidSource", err)
	}

	id, _, err := p.zoneID(ctx, domain.Name)
	if provider.IsNotFound(err) {
		zone, cerr := p.client.CreateZone(ctx, domain.Name, false, cloudflare.Account{ID: p.accountID}, "full")
		if cerr != nil {
			return p.fail(ctx, "create", "create zone", cerr)
		}
		p.ok("create")
		id = zone.ID
		p.mu.Lock()
		p.zones[domain.Name] = id
		p.mu.Unlock()
	} else if err != nil {
		return err
	}

	existing, err := p.apexRecords(ctx, id, domain.Name)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(desired))
	for _, rr := range desired {
		keep[rr.Type+" "+rr.Data] = true
	}
	have := make(map[string]bool, len(existing))
	rc := cloudflare.ZoneIdentifier(id)
	for _, r := range existing {
		if !managedType(r) {
			continue
		}
		k := r.Type + " " + r.Content
		if keep[k] {
			have[k] = true
			continue
		}
		if err := p.client.DeleteDNSRecord(ctx, rc, r.ID); err != nil {
			return p.fail(ctx, "delete", "delete dns record", err)
		}
		p.ok("delete")
	}

	for _, rr := range desired {
		if have[rr.Type+" "+rr.Data] {
			continue
		}
		params := cloudflare.CreateDNSRecordParams{
			Type:    rr.Type,
			Name:    domain.Name,
			Content: rr.Data,
			TTL:     autoTTL,
		}
		if rr.Type != "TXT" {
			params.Proxied = cloudflare.BoolPtr(true)
		}
		if _, err := p.client.CreateDNSRecord(ctx, rc, params); err != nil {
			return p.fail(ctx, "create", "create dns record", err)
		}
		p.ok("create")
	}

	slog.Debug("Applied domain", "provider", providerName, "domain", domain.Name, "duration", time.Since(start))
	return nil
}

func (p *CloudflareProvider) DeleteDomain(ctx context.Context, name string) error {
	slog.Info("Deleting domain", "provider", providerName, "domain", name)
	id, _, err := p.zoneID(ctx, name)
	if err != nil {
		return err
	}
	if _, err := p.client.DeleteZone(ctx, id); err != nil {
		return p.fail(ctx, "delete", "delete zone", err)
	}
	p.ok("delete")
	p.mu.Lock()
	delete(p.zones, name)
	p.mu.Unlock()
	return nil
}

func (p *CloudflareProvider) DescribeCacheRules(ctx context.Context, domain string) ([]provider.CacheRule, error) {
	id, err := p.cachedZoneID(ctx, domain)
	if err != nil {
		return nil, err
	}
	rules, err := p.client.ListPageRules(ctx, id)
	if err != nil {
		return nil, p.fail(ctx, "read", "list page rules", err)
	}
	p.ok("read")

	var out []provider.CacheRule
	for _, r := range rules {
		path, ok := rulePath(r, domain)
		if !ok {
			continue
		}
		if ttl, ok := ruleTTL(r); ok {
			out = append(out, provider.CacheRule{Path: path, TTL: ttl})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (p *CloudflareProvider) SetCacheRules(ctx context.Context, domain string, rules []provider.CacheRule) error {
	id, err := p.cachedZoneID(ctx, domain)
	if err != nil {
		return err
	}
	existing, err := p.client.ListPageRules(ctx, id)
	if err != nil {
		return p.fail(ctx, "read", "list page rules", err)
	}
	p.ok("read")

	byPath := make(map[string]cloudflare.PageRule, len(existing))
	for _, r := range existing {
		if path, ok := rulePath(r, domain); ok {
			byPath[path] = r
		}
	}

	for _, rule := range rules {
		action := cloudflare.PageRuleAction{ID: edgeCacheTTL, Value: int(rule.TTL.Seconds())}
		if current, ok := byPath[rule.Path]; ok {
			current.Actions = withAction(current.Actions, action)
			if err := p.client.UpdatePageRule(ctx, id, current.ID, current); err != nil {
				return p.fail(ctx, "update", "update page rule", err)
			}
			p.ok("update")
			continue
		}

		target := cloudflare.PageRuleTarget{Target: "url"}
		target.Constraint.Operator = "matches"
		target.Constraint.Value = domain + rule.Path
		pr := cloudflare.PageRule{
			Targets: []cloudflare.PageRuleTarget{target},
			Actions: []cloudflare.PageRuleAction{action},
			Status:  "active",
		}
		if _, err := p.client.CreatePageRule(ctx, id, pr); err != nil {
			return p.fail(ctx, "create", "create page rule", err)
		}
		p.ok("create")
	}
	return nil
}

func (p *CloudflareProvider) settings(ctx context.Context, zoneID string) (map[string]string, error) {
	resp, err := p.client.ZoneSettings(ctx, zoneID)
	if err != nil {
		return nil, p.fail(ctx, "read", "zone settings", err)
	}
	p.ok("read")
	out := make(map[string]string, len(resp.Result))
	for _, s := range resp.Result {
		if v, ok := s.Value.(string); ok {
			out[s.ID] = v
		}
	}
	return out, nil
}

func (p *CloudflareProvider) updateSettings(ctx context.Context, zoneID string, settings []cloudflare.ZoneSetting) error {
	if _, err := p.client.UpdateZoneSettings(ctx, zoneID, settings); err != nil {
		return p.fail(ctx, "update", "update zone settings", err)
	}
	p.ok("update")
	return nil
}

func (p *CloudflareProvider) DescribeHTTPS(ctx context.Context, domain string) (provider.HTTPS, error) {
	id, err := p.cachedZoneID(ctx, domain)
	if err != nil {
		return provider.HTTPS{}, err
	}
	settings, err := p.settings(ctx, id)
	if err != nil {
		return provider.HTTPS{}, err
	}
	certs, err := p.client.ListSSL(ctx, id)
	if err != nil {
		return provider.HTTPS{}, p.fail(ctx, "read", "list certificates", err)
	}
	p.ok("read")

	https := provider.HTTPS{
		ForceHTTPS: settings[settingAlwaysHTTPS] == "on",
		HTTP2:      settings[settingHTTP2] == "on",
	}
	// The highest priority custom certificate is the one served.
	sort.SliceStable(certs, func(i, j int) bool { return certs[i].Priority < certs[j].Priority })
	if len(certs) > 0 {
		https.CertReference = certs[0].ID
	}
	return https, nil
}

func (p *CloudflareProvider) SetHTTPS(ctx context.Context, domain string, https provider.HTTPS) error {
	slog.Info("Setting https", "provider", providerName, "domain", domain, "force_https", https.ForceHTTPS, "http2", https.HTTP2)
	id, err := p.cachedZoneID(ctx, domain)
	if err != nil {
		return err
	}
	if https.CertReference != "" {
		certs, err := p.client.ListSSL(ctx, id)
		if err != nil {
			return p.fail(ctx, "read", "list certificates", err)
		}
		p.ok("read")
		sort.SliceStable(certs, func(i, j int) bool { return certs[i].Priority < certs[j].Priority })
		found := false
		for _, c := range certs {
			if c.ID == https.CertReference {
				found = true
				break
			}
		}
		if !found {
			return provider.NewError(provider.KindBadRequest, "set https", "CertificateNotFound",
				fmt.Errorf("certificate %s is not uploaded to zone %s", https.CertReference, domain))
		}
		if certs[0].ID != https.CertReference {
			if err := p.promoteCert(ctx, id, https.CertReference, certs); err != nil {
				return err
			}
		}
	}
	return p.updateSettings(ctx, id, []cloudflare.ZoneSetting{
		{ID: settingAlwaysHTTPS, Value: onOff(https.ForceHTTPS)},
		{ID: settingHTTP2, Value: onOff(https.HTTP2)},
	})
}

// promoteCert moves ref to the front of the served order, keeping the
// relative order of the rest. certs must be sorted by priority.
func (p *CloudflareProvider) promoteCert(ctx context.Context, zoneID, ref string, certs []cloudflare.ZoneCustomSSL) error {
	order := []cloudflare.ZoneCustomSSLPriority{{ID: ref, Priority: 1}}
	for _, c := range certs {
		if c.ID != ref {
			order = append(order, cloudflare.ZoneCustomSSLPriority{ID: c.ID, Priority: len(order) + 1})
		}
	}
	if _, err := p.client.ReprioritizeSSL(ctx, zoneID, order); err != nil {
		return p.fail(ctx, "update", "prioritize certificates", err)
	}
	p.ok("update")
	return nil
}

// DescribeHeaders reports no custom headers; the adapter never manages
// any on Cloudflare.
func (p *CloudflareProvider) DescribeHeaders(ctx context.Context, domain string) ([]provider.Header, error) {
	if _, err := p.cachedZoneID(ctx, domain); err != nil {
		return nil, err
	}
	return nil, nil
}

// SetHeaders is unsupported: response header rewrites on Cloudflare are
// account-level transform rules, not per-zone settings.
func (p *CloudflareProvider) SetHeaders(ctx context.Context, domain string, headers []provider.Header) error {
	return provider.NewError(provider.KindBadRequest, "set headers", "UnsupportedResponseHeaders",
		fmt.Errorf("custom response headers not supported for %s", domain))
}

func (p *CloudflareProvider) DescribeOrigin(ctx context.Context, domain string) (provider.Origin, error) {
	id, err := p.cachedZoneID(ctx, domain)
	if err != nil {
		return provider.Origin{}, err
	}
	settings, err := p.settings(ctx, id)
	if err != nil {
		return provider.Origin{}, err
	}
	switch settings[settingSSL] {
	case "flexible":
		return provider.Origin{Protocol: "http", Port: 80}, nil
	case "full", "strict":
		return provider.Origin{Protocol: "https", Port: 443}, nil
	}
	return provider.Origin{}, nil
}

// SetOrigin only supports the standard port for each protocol; Cloudflare
// has no per-zone origin host or port override.
func (p *CloudflareProvider) SetOrigin(ctx context.Context, domain string, origin provider.Origin) error {
	slog.Info("Setting origin", "provider", providerName, "domain", domain, "protocol", origin.Protocol, "port", origin.Port)
	var mode string
	switch origin.Protocol {
	case "http":
		mode = "flexible"
	case "https":
		mode = "full"
	default:
		return provider.NewError(provider.KindBadRequest, "set origin", "UnsupportedProtocol",
			fmt.Errorf("origin protocol %q not supported", origin.Protocol))
	}
	if origin.Domain != "" {
		return provider.NewError(provider.KindBadRequest, "set origin", "UnsupportedOriginDomain",
			fmt.Errorf("origin host override %s not supported", origin.Domain))
	}
	if want := defaultPort(origin.Protocol); origin.Port != 0 && origin.Port != want {
		return provider.NewError(provider.KindBadRequest, "set origin", "UnsupportedOriginPort",
			fmt.Errorf("origin port %d not supported for %s, only %d", origin.Port, origin.Protocol, want))
	}

	id, err := p.cachedZoneID(ctx, domain)
	if err != nil {
		return err
	}
	return p.updateSettings(ctx, id, []cloudflare.ZoneSetting{{ID: settingSSL, Value: mode}})
}

func defaultPort(protocol string) int {
	if protocol == "https" {
		return 443
	}
	return 80
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// desiredRecords renders the apex records for a domain: one proxied record
// per source and the heritage TXT record.
func desiredRecords(domain provider.Domain) ([]libdns.RR, error) {
	rrs := make([]libdns.RR, 0, len(domain.Sources)+1)
	for _, s := range domain.Sources {
		r, err := sourceRecord(domain.Name, s)
		if err != nil {
			return nil, err
		}
		rrs = append(rrs, r.RR())
	}
	txt := &libdns.TXT{Name: domain.Name, Text: heritageText(domain)}
	rrs = append(rrs, txt.RR())
	return rrs, nil
}

func sourceRecord(name string, s provider.Source) (libdns.Record, error) {
	switch s.Type {
	case provider.SourceIP:
		addr, err := netip.ParseAddr(s.Content)
		if err != nil {
			return nil, fmt.Errorf("fail parse ip addr %s, err=%w", s.Content, err)
		}
		return &libdns.Address{Name: name, IP: addr}, nil
	case provider.SourceDomain, provider.SourceOSS:
		return &libdns.CNAME{Name: name, Target: s.Content}, nil
	}
	return nil, fmt.Errorf("unknown source type %s", s.Type)
}

func heritageText(domain provider.Domain) string {
	parts := []string{heritage}
	if domain.CDNType != "" {
		parts = append(parts, ownerPrefix+"cdn_type="+domain.CDNType)
	}
	for _, s := range domain.Sources {
		parts = append(parts, fmt.Sprintf("%ssource=%s/%d/%s", ownerPrefix, s.Type, s.Port, s.Content))
	}
	return strings.Join(parts, ",")
}

func isManaged(txt string) bool {
	return strings.HasPrefix(strings.Trim(txt, `"`), heritage)
}

func parseHeritage(txt string) (string, []provider.Source) {
	var (
		cdnType string
		sources []provider.Source
	)
	for _, part := range strings.Split(strings.Trim(txt, `"`), ",") {
		k, v, ok := strings.Cut(strings.TrimPrefix(part, ownerPrefix), "=")
		if !ok {
			continue
		}
		switch k {
		case "cdn_type":
			cdnType = v
		case "source":
			fields := strings.SplitN(v, "/", 3)
			if len(fields) != 3 {
				continue
			}
			port, _ := strconv.Atoi(fields[1])
			sources = append(sources, provider.Source{Type: fields[0], Port: port, Content: fields[2]})
		}
	}
	return cdnType, sources
}

// managedType reports whether an apex record is one this adapter owns.
func managedType(r cloudflare.DNSRecord) bool {
	switch r.Type {
	case "A", "AAAA", "CNAME":
		return true
	case "TXT":
		return isManaged(r.Content)
	}
	return false
}

func rulePath(r cloudflare.PageRule, domain string) (string, bool) {
	for _, t := range r.Targets {
		if t.Target != "url" {
			continue
		}
		if path, ok := strings.CutPrefix(t.Constraint.Value, domain); ok && strings.HasPrefix(path, "/") {
			return path, true
		}
	}
	return "", false
}

func ruleTTL(r cloudflare.PageRule) (time.Duration, bool) {
	for _, a := range r.Actions {
		if a.ID != edgeCacheTTL {
			continue
		}
		switch v := a.Value.(type) {
		case float64:
			return time.Duration(v) * time.Second, true
		case int:
			return time.Duration(v) * time.Second, true
		}
	}
	return 0, false
}

func withAction(actions []cloudflare.PageRuleAction, action cloudflare.PageRuleAction) []cloudflare.PageRuleAction {
	out := make([]cloudflare.PageRuleAction, 0, len(actions)+1)
	for _, a := range actions {
		if a.ID != action.ID {
			out = append(out, a)
		}
	}
	return append(out, action)
}

// classify maps Cloudflare client errors onto provider error kinds. The
// client reports exhausted 429 and 5xx retries as plain errors, so those
// are recognized by message.
func classify(op string, err error) error {
	var (
		authn    *cloudflare.AuthenticationError
		authz    *cloudflare.AuthorizationError
		notFound *cloudflare.NotFoundError
		limited  *cloudflare.RatelimitError
		request  *cloudflare.RequestError
		service  *cloudflare.ServiceError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return provider.NewError(provider.KindTimeout, op, "", err)
	case errors.As(err, &authn):
		return provider.NewError(provider.KindAuth, op, errorCode(authn.ErrorCodes()), err)
	case errors.As(err, &authz):
		return provider.NewError(provider.KindAuth, op, errorCode(authz.ErrorCodes()), err)
	case errors.As(err, &notFound):
		return provider.NewError(provider.KindNotFound, op, errorCode(notFound.ErrorCodes()), err)
	case errors.As(err, &limited):
		return provider.NewError(provider.KindRateLimited, op, errorCode(limited.ErrorCodes()), err)
	case errors.As(err, &request):
		return provider.NewError(provider.KindBadRequest, op, errorCode(request.ErrorCodes()), err)
	case errors.As(err, &service):
		return provider.NewError(provider.KindServerError, op, errorCode(service.ErrorCodes()), err).Transient()
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate limit"):
		return provider.NewError(provider.KindRateLimited, op, "", err)
	case strings.Contains(msg, "(HTTP 5"):
		return provider.NewError(provider.KindServerError, op, "", err).Transient()
	}
	return provider.Classify(op, err)
}

func errorCode(codes []int) string {
	if len(codes) == 0 {
		return ""
	}
	return strconv.Itoa(codes[0])
}
