package entities

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"sylsas/backend/internal/domain"
	"sylsas/backend/internal/status"
	"sylsas/backend/internal/store"
)

// Store mirrors every persisted collection in memory. A notification marks
// one collection as changed; the store reloads it and publishes a new
// immutable Snapshot. Slices inside a published Snapshot must not be
// modified by readers.
//
// Every load is stamped before it starts. A load older than the one last
// applied to its collection is dropped, so a late listener delivery can never
// replace state a writer has already refreshed past.
type Store struct {
	repo    store.Repository
	tracker *status.Tracker

	loads atomic.Uint64

	mu      sync.Mutex
	subs    []store.Subscription
	version uint64
	applied map[string]uint64
	current atomic.Pointer[domain.Snapshot]
}

func New(repo store.Repository, tracker *status.Tracker) *Store {
	s := &Store{repo: repo, tracker: tracker, applied: make(map[string]uint64, len(store.Collections))}
	s.current.Store(&domain.Snapshot{})
	return s
}

// Start subscribes to every collection. Each subscription delivers its
// initial snapshot before Start moves on to the next.
func (s *Store) Start(ctx context.Context) error {
	subs := make([]store.Subscription, 0, len(store.Collections))
	for _, collection := range store.Collections {
		name := collection
		sub, err := s.repo.Subscribe(ctx, name, func(_ store.Snapshot, err error) {
			s.handle(name, err)
		})
		if err != nil {
			for _, opened := range subs {
				_ = opened.Close()
			}
			s.observe(err)
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		subs = append(subs, sub)
	}

	s.mu.Lock()
	s.subs = append(s.subs, subs...)
	s.mu.Unlock()
	log.Printf("[entities] subscribed to %d collections", len(subs))
	return nil
}

// Close releases every subscription registered by Start.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh reloads collections directly so a writer sees its own commit
// without waiting for the subscription round trip.
func (s *Store) Refresh(ctx context.Context, collections ...string) error {
	for _, collection := range collections {
		if err := s.reload(ctx, collection); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) reload(ctx context.Context, collection string) error {
	stamp := s.loads.Add(1)
	snapshot, err := s.repo.Load(ctx, collection)
	if err != nil {
		return fmt.Errorf("reload %s: %w", collection, err)
	}
	return s.apply(collection, stamp, snapshot)
}

func (s *Store) Snapshot() domain.Snapshot {
	return *s.current.Load()
}

func (s *Store) Product(id string) (domain.Product, bool) {
	for _, p := range s.current.Load().Products {
		if p.ID == id {
			p.Variants = slices.Clone(p.Variants)
			return p, true
		}
	}
	return domain.Product{}, false
}

func (s *Store) Customer(id string) (domain.Customer, bool) {
	for _, c := range s.current.Load().Customers {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Customer{}, false
}

func (s *Store) Sale(id string) (domain.Sale, bool) {
	for _, sale := range s.current.Load().Sales {
		if sale.ID == id {
			return sale, true
		}
	}
	return domain.Sale{}, false
}

func (s *Store) Expense(id string) (domain.Expense, bool) {
	for _, e := range s.current.Load().Expenses {
		if e.ID == id {
			return e, true
		}
	}
	return domain.Expense{}, false
}

// handle treats a delivery as a change signal. The delivered snapshot may
// have been read before the latest commit, so the collection is reloaded.
func (s *Store) handle(collection string, err error) {
	if err != nil {
		log.Printf("[entities] WARN: %s subscription error: %v", collection, err)
		s.observe(err)
		return
	}
	if err := s.reload(context.Background(), collection); err != nil {
		log.Printf("[entities] WARN: %s snapshot rejected: %v", collection, err)
		s.observe(err)
		return
	}
	s.observe(nil)
}

func (s *Store) observe(err error) {
	if s.tracker != nil {
		s.tracker.Observe(status.ClassSync, err)
	}
}

func (s *Store) apply(collection string, stamp uint64, snapshot store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stamp <= s.applied[collection] {
		return nil
	}

	next := *s.current.Load()
	switch collection {
	case store.CollectionProducts:
		products, err := decodeSorted[domain.Product](snapshot, func(id string, p *domain.Product) { p.ID = id }, func(a, b domain.Product) int {
			return cmp.Or(cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)), cmp.Compare(a.ID, b.ID))
		})
		if err != nil {
			return err
		}
		next.Products = products
	case store.CollectionCustomers:
		customers, err := decodeSorted[domain.Customer](snapshot, func(id string, c *domain.Customer) { c.ID = id }, func(a, b domain.Customer) int {
			return cmp.Or(cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)), cmp.Compare(a.ID, b.ID))
		})
		if err != nil {
			return err
		}
		next.Customers = customers
	case store.CollectionSales:
		sales, err := decodeSorted[domain.Sale](snapshot, func(id string, sale *domain.Sale) { sale.ID = id }, func(a, b domain.Sale) int {
			return cmp.Or(b.Date.Compare(a.Date), cmp.Compare(b.ID, a.ID))
		})
		if err != nil {
			return err
		}
		next.Sales = sales
	case store.CollectionExpenses:
		expenses, err := decodeSorted[domain.Expense](snapshot, func(id string, e *domain.Expense) { e.ID = id }, func(a, b domain.Expense) int {
			return cmp.Or(b.Date.Compare(a.Date), cmp.Compare(b.ID, a.ID))
		})
		if err != nil {
			return err
		}
		next.Expenses = expenses
	case store.CollectionSettings:
		next.Shop = domain.ShopProfile{}
		next.HasShop = false
		if raw, ok := snapshot[store.ShopProfileID]; ok {
			decoded, err := store.Decode[domain.ShopProfile](store.Snapshot{store.ShopProfileID: raw})
			if err != nil {
				return err
			}
			next.Shop = decoded[store.ShopProfileID]
			next.HasShop = true
		}
	default:
		return fmt.Errorf("unknown collection %q", collection)
	}

	s.applied[collection] = stamp
	s.version++
	next.Version = s.version
	s.current.Store(&next)
	return nil
}

func decodeSorted[T any](snapshot store.Snapshot, setID func(string, *T), compare func(a, b T) int) ([]T, error) {
	decoded, err := store.Decode[T](snapshot)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(decoded))
	for id, value := range decoded {
		setID(id, &value)
		out = append(out, value)
	}
	slices.SortFunc(out, compare)
	return out, nil
}
