// Package memory is an in-process store backend. It follows the semantics of
// a hosted key-value service closely: Limit counts examined items before
// filters apply, and batches are capped at DefaultMaxBatchItems.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/syntrixbase/broker/internal/store"
)

// DefaultMaxBatchItems matches the per-call ceiling of common hosted stores.
const DefaultMaxBatchItems = 25

type table struct {
	def   store.Table
	items map[store.Key]store.Record
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	tables   map[string]*table
	maxBatch int
}

type Option func(*Store)

func WithMaxBatchItems(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		tables:   make(map[string]*table),
		maxBatch: DefaultMaxBatchItems,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)
var _ store.Sweeper = (*Store)(nil)

func (s *Store) MaxBatchItems() int { return s.maxBatch }

func (s *Store) tableLocked(def store.Table) *table {
	t, ok := s.tables[def.Name]
	if !ok {
		t = &table{def: def, items: make(map[store.Key]store.Record)}
		s.tables[def.Name] = t
	}
	return t
}

func (s *Store) Get(ctx context.Context, def store.Table, key store.Key) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[def.Name]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec, ok := t.items[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.Clone(rec), nil
}

func (s *Store) Put(ctx context.Context, def store.Table, rec store.Record) error {
	return s.BatchWrite(ctx, []store.WriteRequest{store.PutRequest(def, rec)})
}

func (s *Store) Update(ctx context.Context, def store.Table, key store.Key, fields store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[def.Name]
	if !ok {
		return store.ErrNotFound
	}
	rec, ok := t.items[key]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range store.Clone(fields) {
		rec[k] = v
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, def store.Table, key store.Key) error {
	return s.BatchWrite(ctx, []store.WriteRequest{store.DeleteRequest(def, key)})
}

// BatchWrite applies every request under one lock, so batches are atomic here.
func (s *Store) BatchWrite(ctx context.Context, reqs []store.WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateWrites(reqs, s.maxBatch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reqs {
		t := s.tableLocked(r.Table)
		if r.Put != nil {
			key, _ := r.Table.KeyOf(r.Put)
			t.items[key] = store.Clone(r.Put)
			continue
		}
		delete(t.items, *r.Delete)
	}
	return nil
}

func (s *Store) TransactWrite(ctx context.Context, reqs []store.WriteRequest) error {
	return s.BatchWrite(ctx, reqs)
}

func (s *Store) Query(ctx context.Context, in store.QueryInput) (store.Page, error) {
	if err := ctx.Err(); err != nil {
		return store.Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[in.Table.Name]
	if !ok {
		return store.Page{}, nil
	}
	keys := t.sortedKeys(func(k store.Key) bool { return k.Partition == in.Partition }, in.StartAfter)
	return t.page(keys, in.Limit, func(rec store.Record) bool {
		return in.ActiveAt == nil || store.Active(rec, *in.ActiveAt)
	}), nil
}

func (s *Store) Scan(ctx context.Context, in store.ScanInput) (store.Page, error) {
	if err := ctx.Err(); err != nil {
		return store.Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[in.Table.Name]
	if !ok {
		return store.Page{}, nil
	}
	keys := t.sortedKeys(nil, in.StartAfter)
	return t.page(keys, in.Limit, func(rec store.Record) bool {
		return in.PrefixField == "" || store.HasPrefix(rec, in.PrefixField, in.Prefix)
	}), nil
}

func (t *table) sortedKeys(match func(store.Key) bool, after *store.Key) []store.Key {
	keys := make([]store.Key, 0, len(t.items))
	for k := range t.items {
		if match != nil && !match(k) {
			continue
		}
		if after != nil && !after.Less(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// page examines up to limit keys, then filters. The cursor is set whenever
// examined keys remain, even if every examined record was filtered out.
func (t *table) page(keys []store.Key, limit int, keep func(store.Record) bool) store.Page {
	examined := keys
	var page store.Page
	if limit > 0 && len(keys) > limit {
		examined = keys[:limit]
		last := examined[len(examined)-1]
		page.LastKey = &last
	}
	for _, k := range examined {
		rec := t.items[k]
		if keep(rec) {
			page.Records = append(page.Records, store.Clone(rec))
		}
	}
	return page
}

// Sweep removes expired records from every table.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, t := range s.tables {
		for k, rec := range t.items {
			if !store.Active(rec, now) {
				delete(t.items, k)
				removed++
			}
		}
	}
	return removed, nil
}

// Len returns the number of records in a table, expired or not.
func (s *Store) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[name]; ok {
		return len(t.items)
	}
	return 0
}

func (s *Store) Close(ctx context.Context) error { return nil }
