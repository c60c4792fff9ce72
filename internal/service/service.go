package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"sylsas/backend/internal/aggregate"
	"sylsas/backend/internal/domain"
	"sylsas/backend/internal/entities"
	"sylsas/backend/internal/insights"
	"sylsas/backend/internal/ledger"
	"sylsas/backend/internal/media"
	"sylsas/backend/internal/metrics"
	"sylsas/backend/internal/session"
	"sylsas/backend/internal/status"
	"sylsas/backend/internal/store"
	"sylsas/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	view      *entities.Store
	engine    *ledger.Engine
	gate      *session.Gate
	tracker   *status.Tracker
	advisor   *insights.Advisor
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func(prefix string) string
	threshold int
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func(prefix string) string) Option {
	return func(s *Service) { s.newID = newID }
}

func WithLowStockThreshold(threshold int) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

func New(view *entities.Store, engine *ledger.Engine, gate *session.Gate, tracker *status.Tracker, advisor *insights.Advisor, opts ...Option) *Service {
	if advisor == nil {
		advisor = insights.NewAdvisor(nil, nil, 0)
	}
	s := &Service{
		view:      view,
		engine:    engine,
		gate:      gate,
		tracker:   tracker,
		advisor:   advisor,
		now:       time.Now,
		newID:     xid.New,
		threshold: aggregate.DefaultLowStockThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session

// Login checks secret against the stored shop PIN.
func (s *Service) Login(_ context.Context, secret string) (bool, error) {
	snap := s.view.Snapshot()
	if !snap.HasShop {
		return false, nil
	}
	return s.gate.Login(snap.Shop, strings.TrimSpace(secret))
}

func (s *Service) Logout(_ context.Context) error {
	return s.gate.Logout()
}

func (s *Service) IsLoggedIn() bool {
	return s.gate.IsLoggedIn()
}

func (s *Service) Preferences() domain.Preferences {
	return s.gate.Preferences()
}

func (s *Service) SetLanguage(_ context.Context, lang domain.Language) error {
	return s.gate.SetLanguage(lang)
}

// Products

func (s *Service) ListProducts(_ context.Context, query string) []domain.Product {
	query = normalizeQuery(query)
	products := s.view.Snapshot().Products
	out := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if query == "" || matches(query, p.Name, p.Category) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) GetProduct(_ context.Context, id string) (domain.Product, error) {
	product, ok := s.view.Product(strings.TrimSpace(id))
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	return product, nil
}

func (s *Service) CreateProduct(ctx context.Context, in domain.ProductInput) (domain.Product, error) {
	product, err := domain.NewProduct(s.newID("prd"), in)
	if err != nil {
		return domain.Product{}, invalid(err)
	}

	err = s.engine.Apply(ctx, func(domain.Snapshot) ([]store.Mutation, error) {
		return []store.Mutation{store.Put(store.CollectionProducts, product.ID, product)}, nil
	})
	if err := s.trackWrite(err); err != nil {
		return domain.Product{}, err
	}
	log.Printf("[service] product created id=%s name=%s", product.ID, product.Name)
	return product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	id = strings.TrimSpace(id)
	var updated domain.Product
	err := s.engine.Apply(ctx, func(snap domain.Snapshot) ([]store.Mutation, error) {
		existing, ok := findProduct(snap, id)
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}

		in := domain.ProductInput{
			Name:          existing.Name,
			Category:      existing.Category,
			Image:         existing.Image,
			PurchasePrice: existing.PurchasePrice,
			SalePrice:     existing.SalePrice,
			Variants:      existing.Variants,
		}
		if req.Name != nil {
			in.Name = *req.Name
		}
		if req.Category != nil {
			in.Category = *req.Category
		}
		if req.Image != nil {
			in.Image = *req.Image
		}
		if req.PurchasePrice != nil {
			in.PurchasePrice = *req.PurchasePrice
		}
		if req.SalePrice != nil {
			in.SalePrice = *req.SalePrice
		}
		if req.Variants != nil {
			in.Variants = *req.Variants
		}

		product, err := domain.NewProduct(existing.ID, in)
		if err != nil {
			return nil, invalid(err)
		}
		updated = product
		return []store.Mutation{store.Put(store.CollectionProducts, product.ID, product)}, nil
	})
	if err := s.trackWrite(err); err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}

// SetProductImage stores a thumbnail of the uploaded image on the product.
func (s *Service) SetProductImage(ctx context.Context, id string, upload []byte) (domain.Product, error) {
	dataURI, err := media.Thumbnail(upload)
	if err != nil {
		return domain.Product{}, invalid(err)
	}
	return s.UpdateProduct(ctx, id, domain.ProductUpdateRequest{Image: &dataURI})
}

// DeleteProduct removes a product. Past sales keep their snapshot of it.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	err := s.engine.Apply(ctx, func(snap domain.Snapshot) ([]store.Mutation, error) {
		if _, ok := findProduct(snap, id); !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		return []store.Mutation{store.Delete(store.CollectionProducts, id)}, nil
	})
	return s.trackWrite(err)
}

// Customers

func (s *Service) ListCustomers(_ context.Context, query string) []domain.Customer {
	query = normalizeQuery(query)
	customers := s.view.Snapshot().Customers
	out := make([]domain.Customer, 0, len(customers))
	for _, c := range customers {
		if query == "" || matches(query, c.Name, c.Phone) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) GetCustomer(_ context.Context, id string) (domain.Customer, error) {
	customer, ok := s.view.Customer(strings.TrimSpace(id))
	if !ok {
		return domain.Customer{}, fmt.Errorf("%w: customer %s", store.ErrNotFound, id)
	}
	return customer, nil
}

func (s *Service) CreateCustomer(ctx context.Context, in domain.CustomerInput) (domain.Customer, error) {
	customer, err := domain.NewCustomer(s.newID("cus"), in)
	if err != nil {
		return domain.Customer{}, invalid(err)
	}
	err = s.engine.Apply(ctx, func(domain.Snapshot) ([]store.Mutation, error) {
		return []store.Mutation{store.Put(store.CollectionCustomers, customer.ID, customer)}, nil
	})
	if err := s.trackWrite(err); err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

// UpdateCustomer edits contact fields only. Balances belong to the ledger.
func (s *Service) UpdateCustomer(ctx context.Context, id string, req domain.CustomerUpdateRequest) (domain.Customer, error) {
	id = strings.TrimSpace(id)
	var updated domain.Customer
	err := s.engine.Apply(ctx, func(snap domain.Snapshot) ([]store.Mutation, error) {
		existing, ok := findCustomer(snap, id)
		if !ok {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, id)
		}
		in := domain.CustomerInput{Name: existing.Name, Phone: existing.Phone, Address: existing.Address}
		if req.Name != nil {
			in.Name = *req.Name
		}
		if req.Phone != nil {
			in.Phone = *req.Phone
		}
		if req.Address != nil {
			in.Address = *req.Address
		}
		contact, err := domain.NewCustomer(existing.ID, in)
		if err != nil {
			return nil, invalid(err)
		}

		updated = existing
		updated.Name = contact.Name
		updated.Phone = contact.Phone
		updated.Address = contact.Address
		return []store.Mutation{store.Patch(store.CollectionCustomers, id, map[string]any{
			"name":    contact.Name,
			"phone":   contact.Phone,
			"address": contact.Address,
		})}, nil
	})
	if err := s.trackWrite(err); err != nil {
		return domain.Customer{}, err
	}
	return updated, nil
}

// DeleteCustomer refuses while the customer still owes money.
func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	err := s.engine.Apply(ctx, func(snap domain.Snapshot) ([]store.Mutation, error) {
		customer, ok := findCustomer(snap, id)
		if !ok {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, id)
		}
		if customer.TotalDue > 0 {
			return nil, fmt.Errorf("%w: customer %s still owes %d", store.ErrInvalidTransaction, id, customer.TotalDue)
		}
		return []store.Mutation{store.Delete(store.CollectionCustomers, id)}, nil
	})
	return s.trackWrite(err)
}

func (s *Service) CustomerStatement(_ context.Context, id string) (domain.CustomerStatement, error) {
	statement, ok := aggregate.CustomerStatement(s.view.Snapshot(), strings.TrimSpace(id))
	if !ok {
		return domain.CustomerStatement{}, fmt.Errorf("%w: customer %s", store.ErrNotFound, id)
	}
	return statement, nil
}

// Sales

func (s *Service) ListSales(_ context.Context, query string, limit int) []domain.Sale {
	query = normalizeQuery(query)
	sales := s.view.Snapshot().Sales
	out := make([]domain.Sale, 0, min(len(sales), max(limit, 0)))
	for _, sale := range sales {
		if limit > 0 && len(out) >= limit {
			break
		}
		if query == "" || matches(query, sale.CustomerName, sale.ProductName) {
			out = append(out, sale)
		}
	}
	return out
}

func (s *Service) RecordSale(ctx context.Context, req domain.RecordSaleRequest) (domain.Sale, error) {
	sale, err := s.engine.RecordSale(ctx, req)
	s.metrics.ObserveLedger("record_sale", err)
	if err := s.trackWrite(err); err != nil {
		return domain.Sale{}, err
	}
	log.Printf("[service] sale recorded id=%s total=%d due=%d", sale.ID, sale.TotalAmount, sale.DueAmount)
	return sale, nil
}

func (s *Service) ReverseSale(ctx context.Context, id string) (domain.SaleReversal, error) {
	reversal, err := s.engine.ReverseSale(ctx, id)
	s.metrics.ObserveLedger("reverse_sale", err)
	if err := s.trackWrite(err); err != nil {
		return domain.SaleReversal{}, err
	}
	if reversal.CollectedAmount > 0 {
		log.Printf("[service] sale %s reversed; %d was collected and must be refunded by hand", reversal.Sale.ID, reversal.CollectedAmount)
	}
	return reversal, nil
}

func (s *Service) SettleCustomerPayment(ctx context.Context, customerID string, amount int64) (domain.Settlement, error) {
	settlement, err := s.engine.SettleCustomerPayment(ctx, customerID, amount)
	s.metrics.ObserveLedger("settle_payment", err)
	if err := s.trackWrite(err); err != nil {
		return domain.Settlement{}, err
	}
	return settlement, nil
}

// Expenses

func (s *Service) ListExpenses(_ context.Context, limit int) []domain.Expense {
	expenses := s.view.Snapshot().Expenses
	if limit > 0 && len(expenses) > limit {
		expenses = expenses[:limit]
	}
	return append([]domain.Expense(nil), expenses...)
}

func (s *Service) CreateExpense(ctx context.Context, in domain.ExpenseInput) (domain.Expense, error) {
	expense, err := domain.NewExpense(s.newID("exp"), in, s.now())
	if err != nil {
		return domain.Expense{}, invalid(err)
	}
	err = s.engine.Apply(ctx, func(domain.Snapshot) ([]store.Mutation, error) {
		return []store.Mutation{store.Put(store.CollectionExpenses, expense.ID, expense)}, nil
	})
	if err := s.trackWrite(err); err != nil {
		return domain.Expense{}, err
	}
	return expense, nil
}

func (s *Service) UpdateExpense(ctx context.Context, id string, req domain.ExpenseUpdateRequest) (domain.Expense, error) {
	id = strings.TrimSpace(id)
	var updated domain.Expense
	err := s.engine.Apply(ctx, func(snap domain.Snapshot) ([]store.Mutation, error) {
		existing, ok := findExpense(snap, id)
		if !ok {
			return nil, fmt.Errorf("%w: expense %s", store.ErrNotFound, id)
		}
		date := existing.Date
		in := domain.ExpenseInput{Category: existing.Category, Amount: existing.Amount, Date: &date, Notes: existing.Notes}
		if req.Category != nil {
			in.Category = *req.Category
		}
		if req.Amount != nil {
			in.Amount = *req.Amount
		}
		if req.Date != nil {
			in.Date = req.Date
		}
		if req.Notes != nil {
			in.Notes = *req.Notes
		}
		expense, err := domain.NewExpense(existing.ID, in, s.now())
		if err != nil {
			return nil, invalid(err)
		}
		updated = expense
		return []store.Mutation{store.Put(store.CollectionExpenses, expense.ID, expense)}, nil
	})
	if err := s.trackWrite(err); err != nil {
		return domain.Expense{}, err
	}
	return updated, nil
}

func (s *Service) DeleteExpense(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	err := s.engine.Apply(ctx, func(snap domain.Snapshot) ([]store.Mutation, error) {
		if _, ok := findExpense(snap, id); !ok {
			return nil, fmt.Errorf("%w: expense %s", store.ErrNotFound, id)
		}
		return []store.Mutation{store.Delete(store.CollectionExpenses, id)}, nil
	})
	return s.trackWrite(err)
}

// Shop profile

// Shop returns the profile with the PIN blanked.
func (s *Service) Shop(_ context.Context) (domain.ShopProfile, error) {
	snap := s.view.Snapshot()
	if !snap.HasShop {
		return domain.ShopProfile{}, fmt.Errorf("%w: shop profile", store.ErrNotFound)
	}
	profile := snap.Shop
	profile.PIN = ""
	return profile, nil
}

func (s *Service) ShopName() string {
	return s.view.Snapshot().Shop.Name
}

func (s *Service) UpdateShop(ctx context.Context, req domain.ShopProfileUpdateRequest) (domain.ShopProfile, error) {
	var updated domain.ShopProfile
	err := s.engine.Apply(ctx, func(snap domain.Snapshot) ([]store.Mutation, error) {
		if !snap.HasShop {
			return nil, fmt.Errorf("%w: shop profile", store.ErrNotFound)
		}
		current := snap.Shop
		if req.Name != nil {
			current.Name = *req.Name
		}
		if req.Phone != nil {
			current.Phone = *req.Phone
		}
		if req.Role != nil {
			current.Role = *req.Role
		}
		if req.Image != nil {
			current.Image = *req.Image
		}
		if req.PIN != nil {
			if err := session.ValidatePIN(*req.PIN); err != nil {
				return nil, invalid(err)
			}
			current.PIN = *req.PIN
		}
		profile, err := domain.NewShopProfile(current.Name, current.Phone, current.Role, current.Image, current.PIN)
		if err != nil {
			return nil, invalid(err)
		}
		updated = profile
		return []store.Mutation{store.Put(store.CollectionSettings, store.ShopProfileID, profile)}, nil
	})
	if err := s.trackWrite(err); err != nil {
		return domain.ShopProfile{}, err
	}
	updated.PIN = ""
	return updated, nil
}

// EnsureShopProfile creates the shop profile on first start. An existing
// profile is left alone.
func (s *Service) EnsureShopProfile(ctx context.Context, name string, pin string) error {
	created := false
	err := s.engine.Apply(ctx, func(snap domain.Snapshot) ([]store.Mutation, error) {
		if snap.HasShop {
			return nil, nil
		}
		profile, err := domain.NewShopProfile(name, "", "", "", pin)
		if err != nil {
			return nil, invalid(err)
		}
		created = true
		return []store.Mutation{store.Put(store.CollectionSettings, store.ShopProfileID, profile)}, nil
	})
	if err != nil {
		return s.trackWrite(err)
	}
	if created {
		log.Printf("[service] shop profile %q created", strings.TrimSpace(name))
	}
	return nil
}

// Reporting

func (s *Service) Dashboard(_ context.Context) domain.Dashboard {
	return aggregate.Dashboard(s.view.Snapshot(), s.now(), s.threshold)
}

func (s *Service) Report(_ context.Context, days int) domain.Report {
	return aggregate.Report(s.view.Snapshot(), s.now(), days)
}

func (s *Service) DueConsistency(_ context.Context) []domain.DueMismatch {
	return aggregate.CheckDueConsistency(s.view.Snapshot())
}

func (s *Service) Ask(ctx context.Context, query string) domain.InsightAnswer {
	summary := aggregate.BusinessSummary(s.view.Snapshot(), s.threshold)
	return s.advisor.Ask(ctx, summary, query)
}

// Status

func (s *Service) Status() (domain.Notice, bool) {
	if s.tracker == nil {
		return domain.Notice{}, false
	}
	return s.tracker.Current()
}

func (s *Service) ClearStatus() {
	if s.tracker != nil {
		s.tracker.Clear()
	}
}

// trackWrite reports persistence outcomes to the status tracker. Caller
// mistakes are returned without raising a notice.
func (s *Service) trackWrite(err error) error {
	if s.tracker == nil {
		return err
	}
	switch {
	case err == nil:
		s.tracker.Succeed(status.ClassWrite)
	case errors.Is(err, store.ErrInvalidTransaction),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInsufficientStock):
	default:
		s.tracker.Fail(status.ClassWrite, err)
	}
	return err
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
}

func normalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

func matches(query string, fields ...string) bool {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func findProduct(snap domain.Snapshot, id string) (domain.Product, bool) {
	for _, p := range snap.Products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}

func findCustomer(snap domain.Snapshot, id string) (domain.Customer, bool) {
	for _, c := range snap.Customers {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Customer{}, false
}

func findExpense(snap domain.Snapshot, id string) (domain.Expense, bool) {
	for _, e := range snap.Expenses {
		if e.ID == id {
			return e, true
		}
	}
	return domain.Expense{}, false
}
