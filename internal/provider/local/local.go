// Package local is a sandbox CDN provider that keeps domain configuration in
// an embedded badger database. It lets plans run end to end without vendor
// credentials.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/evanofslack/cdn-orchestrator/internal/metrics"
	"github.com/evanofslack/cdn-orchestrator/internal/provider"
)

const (
	domainPrefix = "domain:"
	statusOnline = "online"

	// Sibling steps write the same domain key concurrently; a transaction
	// that loses the race is rerun against the winner's value.
	maxConflictRetries = 20
)

var errNotFound = errors.New("domain not found")

// record is everything stored for one domain.
type record struct {
	Domain     provider.Domain          `json:"domain"`
	CacheRules map[string]time.Duration `json:"cacheRules"`
	HTTPS      provider.HTTPS           `json:"https"`
	Origin     provider.Origin          `json:"origin"`
	Headers    map[string]string        `json:"headers,omitempty"`
}

type Store struct {
	db      *badger.DB
	metrics *metrics.Metrics
}

func New(path string, metrics *metrics.Metrics) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable Badger's internal logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db, metrics: metrics}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(name string) []byte {
	return []byte(domainPrefix + name)
}

func load(txn *badger.Txn, name string) (record, error) {
	var rec record
	item, err := txn.Get(key(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, errNotFound
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func save(txn *badger.Txn, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(key(rec.Domain.Name), data)
}

// classify maps store failures onto provider error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *provider.Error
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, errNotFound):
		return provider.NewError(provider.KindNotFound, op, "DomainNotFound", err)
	case errors.Is(err, badger.ErrConflict):
		return provider.NewError(provider.KindServerError, op, "TransactionConflict", err).Transient()
	}
	return provider.Classify(op, err)
}

// update runs fn in a read-write transaction, rerunning it while it
// conflicts with a concurrent writer.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) read(ctx context.Context, op, name string) (record, error) {
	if err := ctx.Err(); err != nil {
		return record{}, provider.Classify(op, err)
	}
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = load(txn, name)
		return err
	})
	s.metrics.IncStoreRequest("read", err == nil || errors.Is(err, errNotFound))
	return rec, classify(op, err)
}

// modify loads the domain's record, applies fn and writes it back in one
// transaction.
func (s *Store) modify(ctx context.Context, op, name string, fn func(rec *record) error) error {
	if err := ctx.Err(); err != nil {
		return provider.Classify(op, err)
	}
	err := s.update(func(txn *badger.Txn) error {
		rec, err := load(txn, name)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		return save(txn, rec)
	})
	s.metrics.IncStoreRequest("update", err == nil)
	return classify(op, err)
}

func (s *Store) DescribeDomain(ctx context.Context, name string) (provider.Domain, error) {
	rec, err := s.read(ctx, "describe domain", name)
	if err != nil {
		return provider.Domain{}, err
	}
	return rec.Domain, nil
}

func (s *Store) CreateOrUpdateDomain(ctx context.Context, domain provider.Domain) error {
	const op = "create or update domain"
	if err := ctx.Err(); err != nil {
		return provider.Classify(op, err)
	}
	if len(domain.Sources) == 0 {
		return provider.NewError(provider.KindBadRequest, op, "MissingSources", fmt.Errorf("domain %s has no sources", domain.Name))
	}

	created := false
	err := s.update(func(txn *badger.Txn) error {
		created = false
		rec, err := load(txn, domain.Name)
		switch {
		case errors.Is(err, errNotFound):
			created = true
			rec = record{CacheRules: make(map[string]time.Duration)}
		case err != nil:
			return err
		}
		domain.Status = statusOnline
		rec.Domain = domain
		return save(txn, rec)
	})
	operation := "update"
	if created {
		operation = "create"
	}
	s.metrics.IncStoreRequest(operation, err == nil)
	if err != nil {
		return classify(op, err)
	}
	slog.Debug("Stored domain", "domain", domain.Name, "created", created, "sources", len(domain.Sources))
	return nil
}

func (s *Store) DeleteDomain(ctx context.Context, name string) error {
	const op = "delete domain"
	if err := ctx.Err(); err != nil {
		return provider.Classify(op, err)
	}
	err := s.update(func(txn *badger.Txn) error {
		if _, err := load(txn, name); err != nil {
			return err
		}
		return txn.Delete(key(name))
	})
	s.metrics.IncStoreRequest("delete", err == nil)
	return classify(op, err)
}

func (s *Store) DescribeCacheRules(ctx context.Context, domain string) ([]provider.CacheRule, error) {
	rec, err := s.read(ctx, "describe cache rules", domain)
	if err != nil {
		return nil, err
	}
	rules := make([]provider.CacheRule, 0, len(rec.CacheRules))
	for path, ttl := range rec.CacheRules {
		rules = append(rules, provider.CacheRule{Path: path, TTL: ttl})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Path < rules[j].Path })
	return rules, nil
}

func (s *Store) SetCacheRules(ctx context.Context, domain string, rules []provider.CacheRule) error {
	return s.modify(ctx, "set cache rules", domain, func(rec *record) error {
		if rec.CacheRules == nil {
			rec.CacheRules = make(map[string]time.Duration, len(rules))
		}
		for _, r := range rules {
			if r.TTL <= 0 {
				return provider.NewError(provider.KindBadRequest, "set cache rules", "InvalidTTL", fmt.Errorf("path %s has ttl %v", r.Path, r.TTL))
			}
			rec.CacheRules[r.Path] = r.TTL
		}
		return nil
	})
}

func (s *Store) DescribeHTTPS(ctx context.Context, domain string) (provider.HTTPS, error) {
	rec, err := s.read(ctx, "describe https", domain)
	if err != nil {
		return provider.HTTPS{}, err
	}
	return rec.HTTPS, nil
}

func (s *Store) SetHTTPS(ctx context.Context, domain string, https provider.HTTPS) error {
	return s.modify(ctx, "set https", domain, func(rec *record) error {
		rec.HTTPS = https
		return nil
	})
}

func (s *Store) DescribeOrigin(ctx context.Context, domain string) (provider.Origin, error) {
	rec, err := s.read(ctx, "describe origin", domain)
	if err != nil {
		return provider.Origin{}, err
	}
	return rec.Origin, nil
}

func (s *Store) SetOrigin(ctx context.Context, domain string, origin provider.Origin) error {
	return s.modify(ctx, "set origin", domain, func(rec *record) error {
		rec.Origin = origin
		return nil
	})
}

func (s *Store) DescribeHeaders(ctx context.Context, domain string) ([]provider.Header, error) {
	rec, err := s.read(ctx, "describe headers", domain)
	if err != nil {
		return nil, err
	}
	headers := make([]provider.Header, 0, len(rec.Headers))
	for k, v := range rec.Headers {
		headers = append(headers, provider.Header{Key: k, Value: v})
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })
	return headers, nil
}

func (s *Store) SetHeaders(ctx context.Context, domain string, headers []provider.Header) error {
	return s.modify(ctx, "set headers", domain, func(rec *record) error {
		if rec.Headers == nil {
			rec.Headers = make(map[string]string, len(headers))
		}
		for _, h := range headers {
			rec.Headers[h.Key] = h.Value
		}
		return nil
	})
}

// Domains lists every stored domain name in key order.
func (s *Store) Domains(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, provider.Classify("list domains", err)
	}
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(domainPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(domainPrefix):]))
		}
		return nil
	})
	s.metrics.IncStoreRequest("read", err == nil)
	return names, classify("list domains", err)
}
