package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evanofslack/cdn-orchestrator/internal/provider"
)

// MockProvider keeps CDN state in memory. errs queues errors per method
// name; a queued nil lets that call through. delays hold a method for the
// given duration or until its context ends.
type MockProvider struct {
	mu        sync.Mutex
	domains   map[string]provider.Domain
	cache     map[string]map[string]time.Duration
	https     map[string]provider.HTTPS
	origin    map[string]provider.Origin
	headers   map[string]map[string]string
	errs      map[string][]error
	delays    map[string]time.Duration
	calls     map[string]int
	mutations int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		domains: make(map[string]provider.Domain),
		cache:   make(map[string]map[string]time.Duration),
		https:   make(map[string]provider.HTTPS),
		origin:  make(map[string]provider.Origin),
		headers: make(map[string]map[string]string),
		errs:    make(map[string][]error),
		delays:  make(map[string]time.Duration),
		calls:   make(map[string]int),
	}
}

func (m *MockProvider) failWith(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = append(m.errs[method], errs...)
}

func (m *MockProvider) delay(method string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[method] = d
}

func (m *MockProvider) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockProvider) mutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

// enter records the call, applies any delay and pops a queued error.
func (m *MockProvider) enter(ctx context.Context, method string) error {
	m.mu.Lock()
	m.calls[method]++
	d := m.delays[method]
	var err error
	if queue := m.errs[method]; len(queue) > 0 {
		err, m.errs[method] = queue[0], queue[1:]
	}
	m.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func notFound(op, name string) error {
	return provider.NewError(provider.KindNotFound, op, "InvalidDomain.NotFound", fmt.Errorf("domain %s not found", name))
}

func (m *MockProvider) DescribeDomain(ctx context.Context, name string) (provider.Domain, error) {
	if err := m.enter(ctx, "DescribeDomain"); err != nil {
		return provider.Domain{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[name]
	if !ok {
		return provider.Domain{}, notFound("describe domain", name)
	}
	return d, nil
}

func (m *MockProvider) CreateOrUpdateDomain(ctx context.Context, domain provider.Domain) error {
	if err := m.enter(ctx, "CreateOrUpdateDomain"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	m.domains[domain.Name] = domain
	return nil
}

func (m *MockProvider) DeleteDomain(ctx context.Context, name string) error {
	if err := m.enter(ctx, "DeleteDomain"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	delete(m.domains, name)
	delete(m.cache, name)
	delete(m.https, name)
	delete(m.origin, name)
	delete(m.headers, name)
	return nil
}

func (m *MockProvider) DescribeCacheRules(ctx context.Context, domain string) ([]provider.CacheRule, error) {
	if err := m.enter(ctx, "DescribeCacheRules"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[domain]; !ok {
		return nil, notFound("describe cache rules", domain)
	}
	var rules []provider.CacheRule
	for path, ttl := range m.cache[domain] {
		rules = append(rules, provider.CacheRule{Path: path, TTL: ttl})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Path < rules[j].Path })
	return rules, nil
}

func (m *MockProvider) SetCacheRules(ctx context.Context, domain string, rules []provider.CacheRule) error {
	if err := m.enter(ctx, "SetCacheRules"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[domain]; !ok {
		return notFound("set cache rules", domain)
	}
	m.mutations++
	if m.cache[domain] == nil {
		m.cache[domain] = make(map[string]time.Duration)
	}
	for _, r := range rules {
		m.cache[domain][r.Path] = r.TTL
	}
	return nil
}

func (m *MockProvider) DescribeHTTPS(ctx context.Context, domain string) (provider.HTTPS, error) {
	if err := m.enter(ctx, "DescribeHTTPS"); err != nil {
		return provider.HTTPS{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[domain]; !ok {
		return provider.HTTPS{}, notFound("describe https", domain)
	}
	return m.https[domain], nil
}

func (m *MockProvider) SetHTTPS(ctx context.Context, domain string, https provider.HTTPS) error {
	if err := m.enter(ctx, "SetHTTPS"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	m.https[domain] = https
	return nil
}

func (m *MockProvider) DescribeOrigin(ctx context.Context, domain string) (provider.Origin, error) {
	if err := m.enter(ctx, "DescribeOrigin"); err != nil {
		return provider.Origin{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[domain]; !ok {
		return provider.Origin{}, notFound("describe origin", domain)
	}
	return m.origin[domain], nil
}

func (m *MockProvider) SetOrigin(ctx context.Context, domain string, origin provider.Origin) error {
	if err := m.enter(ctx, "SetOrigin"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	m.origin[domain] = origin
	return nil
}

func (m *MockProvider) DescribeHeaders(ctx context.Context, domain string) ([]provider.Header, error) {
	if err := m.enter(ctx, "DescribeHeaders"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[domain]; !ok {
		return nil, notFound("describe headers", domain)
	}
	var headers []provider.Header
	for k, v := range m.headers[domain] {
		headers = append(headers, provider.Header{Key: k, Value: v})
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })
	return headers, nil
}

func (m *MockProvider) SetHeaders(ctx context.Context, domain string, headers []provider.Header) error {
	if err := m.enter(ctx, "SetHeaders"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[domain]; !ok {
		return notFound("set headers", domain)
	}
	m.mutations++
	if m.headers[domain] == nil {
		m.headers[domain] = make(map[string]string)
	}
	for _, h := range headers {
		m.headers[domain][h.Key] = h.Value
	}
	return nil
}
