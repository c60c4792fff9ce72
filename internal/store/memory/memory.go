package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"

	"sylsas/backend/internal/domain"
	"sylsas/backend/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
	watchers    map[string]map[int]store.SnapshotHandler
	nextWatcher int
	closed      bool

	// notifyMu keeps deliveries in commit order.
	notifyMu sync.Mutex
}

func New() *Store {
	collections := make(map[string]map[string]json.RawMessage, len(store.Collections))
	for _, name := range store.Collections {
		collections[name] = make(map[string]json.RawMessage)
	}
	return &Store{
		collections: collections,
		watchers:    make(map[string]map[int]store.SnapshotHandler),
	}
}

// NewSeeded returns a store holding a small demo catalogue for dev mode.
func NewSeeded() *Store {
	s := New()
	products := []domain.Product{
		{ID: "prd-panjabi-01", Name: "Cotton Panjabi", Category: "Ethnic", PurchasePrice: 90000, SalePrice: 145000, Variants: []domain.Variant{
			{Size: domain.SizeM, Color: "White", Quantity: 12},
			{Size: domain.SizeL, Color: "White", Quantity: 8},
			{Size: domain.SizeXL, Color: "Navy", Quantity: 4},
		}},
		{ID: "prd-kurti-01", Name: "Printed Kurti", Category: "Women", PurchasePrice: 55000, SalePrice: 89000, Variants: []domain.Variant{
			{Size: domain.SizeS, Color: "Maroon", Quantity: 6},
			{Size: domain.SizeM, Color: "Maroon", Quantity: 3},
		}},
		{ID: "prd-tee-01", Name: "Basic Tee", Category: "Casual", PurchasePrice: 18000, SalePrice: 35000, Variants: []domain.Variant{
			{Size: domain.SizeS, Color: "Black", Quantity: 20},
			{Size: domain.SizeM, Color: "Black", Quantity: 20},
			{Size: domain.SizeL, Color: "Grey", Quantity: 2},
		}},
	}
	customers := []domain.Customer{
		{ID: "cus-walkin", Name: "Walk-in Customer", Phone: "00000000000"},
		{ID: "cus-rahim", Name: "Rahim Uddin", Phone: "01711000000", Address: "Sylhet"},
	}

	for _, p := range products {
		s.mustSeed(store.CollectionProducts, p.ID, p)
	}
	for _, c := range customers {
		s.mustSeed(store.CollectionCustomers, c.ID, c)
	}
	log.Printf("[memory-store] seeded %d products and %d customers", len(products), len(customers))
	return s
}

func (s *Store) mustSeed(collection string, id string, record any) {
	raw, err := json.Marshal(record)
	if err != nil {
		log.Fatalf("[memory-store] failed to encode seed %s/%s: %v", collection, id, err)
	}
	s.collections[collection][id] = raw
}

func (s *Store) Load(_ context.Context, collection string) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", store.ErrInvalidTransaction, collection)
	}
	return copySnapshot(docs), nil
}

// Subscribe delivers the current snapshot before returning and then one
// snapshot per committed write touching the collection.
func (s *Store) Subscribe(_ context.Context, collection string, handler store.SnapshotHandler) (store.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil snapshot handler", store.ErrInvalidTransaction)
	}

	s.mu.Lock()
	docs, ok := s.collections[collection]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown collection %q", store.ErrInvalidTransaction, collection)
	}
	if s.watchers[collection] == nil {
		s.watchers[collection] = make(map[int]store.SnapshotHandler)
	}
	s.nextWatcher++
	id := s.nextWatcher
	s.watchers[collection][id] = handler
	initial := copySnapshot(docs)
	s.notifyMu.Lock()
	s.mu.Unlock()

	handler(initial, nil)
	s.notifyMu.Unlock()

	return &subscription{store: s, collection: collection, id: id}, nil
}

type subscription struct {
	store      *Store
	collection string
	id         int
	once       sync.Once
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.watchers[sub.collection], sub.id)
		sub.store.mu.Unlock()
	})
	return nil
}

func (s *Store) Put(ctx context.Context, collection string, id string, record any) error {
	return s.Commit(ctx, []store.Mutation{store.Put(collection, id, record)})
}

func (s *Store) Patch(ctx context.Context, collection string, id string, fields map[string]any) error {
	return s.Commit(ctx, []store.Mutation{store.Patch(collection, id, fields)})
}

func (s *Store) Delete(ctx context.Context, collection string, id string) error {
	return s.Commit(ctx, []store.Mutation{store.Delete(collection, id)})
}

// Commit stages every mutation against a copy of the touched collections and
// swaps them in only when all succeed.
func (s *Store) Commit(ctx context.Context, mutations []store.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("memory store closed")
	}

	staged := make(map[string]map[string]json.RawMessage)
	for _, m := range mutations {
		docs, ok := staged[m.Collection]
		if !ok {
			current, known := s.collections[m.Collection]
			if !known {
				s.mu.Unlock()
				return fmt.Errorf("%w: unknown collection %q", store.ErrInvalidTransaction, m.Collection)
			}
			docs = maps.Clone(current)
			staged[m.Collection] = docs
		}

		if err := apply(docs, m); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	touched := make([]string, 0, len(staged))
	for name, docs := range staged {
		s.collections[name] = docs
		touched = append(touched, name)
	}
	slices.Sort(touched)

	type delivery struct {
		handlers []store.SnapshotHandler
		snapshot store.Snapshot
	}
	deliveries := make([]delivery, 0, len(touched))
	for _, name := range touched {
		if len(s.watchers[name]) == 0 {
			continue
		}
		ids := slices.Sorted(maps.Keys(s.watchers[name]))
		handlers := make([]store.SnapshotHandler, 0, len(ids))
		for _, id := range ids {
			handlers = append(handlers, s.watchers[name][id])
		}
		deliveries = append(deliveries, delivery{handlers: handlers, snapshot: copySnapshot(s.collections[name])})
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, d := range deliveries {
		for _, handler := range d.handlers {
			handler(copySnapshot(d.snapshot), nil)
		}
	}
	return nil
}

func apply(docs map[string]json.RawMessage, m store.Mutation) error {
	switch m.Kind {
	case store.MutationPut:
		raw, err := json.Marshal(m.Record)
		if err != nil {
			return fmt.Errorf("%w: encode %s/%s: %v", store.ErrInvalidTransaction, m.Collection, m.ID, err)
		}
		docs[m.ID] = raw
	case store.MutationPatch:
		existing, ok := docs[m.ID]
		if !ok {
			return fmt.Errorf("%w: %s/%s", store.ErrNotFound, m.Collection, m.ID)
		}
		merged, err := store.MergeFields(existing, m.Fields)
		if err != nil {
			return fmt.Errorf("%w: patch %s/%s: %v", store.ErrInvalidTransaction, m.Collection, m.ID, err)
		}
		docs[m.ID] = merged
	case store.MutationDelete:
		delete(docs, m.ID)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.watchers = make(map[string]map[int]store.SnapshotHandler)
	return nil
}

// Watchers reports how many live subscriptions a collection has.
func (s *Store) Watchers(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers[collection])
}

func copySnapshot(docs map[string]json.RawMessage) store.Snapshot {
	out := make(store.Snapshot, len(docs))
	for id, raw := range docs {
		out[id] = slices.Clone(raw)
	}
	return out
}
