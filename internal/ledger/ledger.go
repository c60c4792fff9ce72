package ledger

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"sylsas/backend/internal/domain"
	"sylsas/backend/internal/store"
	"sylsas/backend/internal/xid"
)

// View is the read side the engine validates against.
type View interface {
	Snapshot() domain.Snapshot
	Refresh(ctx context.Context, collections ...string) error
}

// Engine runs the compound sale, reversal and settlement transactions.
// Operations are serialised and each one is committed as a single batch.
type Engine struct {
	mu    sync.Mutex
	repo  store.Repository
	view  View
	now   func() time.Time
	newID func(prefix string) string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func(prefix string) string) Option {
	return func(e *Engine) { e.newID = newID }
}

func New(repo store.Repository, view View, opts ...Option) *Engine {
	e := &Engine{
		repo:  repo,
		view:  view,
		now:   time.Now,
		newID: xid.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) RecordSale(ctx context.Context, req domain.RecordSaleRequest) (domain.Sale, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Color = strings.TrimSpace(req.Color)
	if req.CustomerID == "" || req.ProductID == "" {
		return domain.Sale{}, fmt.Errorf("%w: customer_id and product_id are required", store.ErrInvalidTransaction)
	}
	if !req.Size.Valid() || req.Color == "" {
		return domain.Sale{}, fmt.Errorf("%w: a valid size and color are required", store.ErrInvalidTransaction)
	}
	if req.Quantity < 1 {
		return domain.Sale{}, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidTransaction)
	}
	if req.SalePrice <= 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale_price must be positive", store.ErrInvalidTransaction)
	}

	total, ok := mulAmount(req.SalePrice, req.Quantity)
	if !ok {
		return domain.Sale{}, fmt.Errorf("%w: sale total overflows", store.ErrInvalidTransaction)
	}
	paid, err := paidAmount(req.Payment, total)
	if err != nil {
		return domain.Sale{}, err
	}

	snap := e.view.Snapshot()
	customer, ok := findCustomer(snap, req.CustomerID)
	if !ok {
		return domain.Sale{}, fmt.Errorf("%w: customer %s", store.ErrNotFound, req.CustomerID)
	}
	product, ok := findProduct(snap, req.ProductID)
	if !ok {
		return domain.Sale{}, fmt.Errorf("%w: product %s", store.ErrNotFound, req.ProductID)
	}
	idx := product.VariantIndex(req.Size, req.Color)
	if idx < 0 {
		return domain.Sale{}, fmt.Errorf("%w: product %s has no %s/%s variant", store.ErrInvalidTransaction, product.ID, req.Size, req.Color)
	}
	if available := product.Variants[idx].Quantity; req.Quantity > available {
		return domain.Sale{}, fmt.Errorf("%w: %s %s/%s has %d, requested %d", store.ErrInsufficientStock, product.Name, req.Size, req.Color, available, req.Quantity)
	}

	due := total - paid
	profit, ok := mulAmount(req.SalePrice-product.PurchasePrice, req.Quantity)
	if !ok {
		return domain.Sale{}, fmt.Errorf("%w: sale profit overflows", store.ErrInvalidTransaction)
	}
	totalSpent, ok := addAmount(customer.TotalSpent, total)
	if !ok {
		return domain.Sale{}, fmt.Errorf("%w: customer %s total_spent overflows", store.ErrInvalidTransaction, customer.ID)
	}
	totalDue, ok := addAmount(customer.TotalDue, due)
	if !ok {
		return domain.Sale{}, fmt.Errorf("%w: customer %s total_due overflows", store.ErrInvalidTransaction, customer.ID)
	}
	sale := domain.Sale{
		ID:            e.newID("sale"),
		CustomerID:    customer.ID,
		CustomerName:  customer.Name,
		ProductID:     product.ID,
		ProductName:   product.Name,
		Size:          req.Size,
		Color:         req.Color,
		Quantity:      req.Quantity,
		SalePrice:     req.SalePrice,
		TotalAmount:   total,
		PaidAmount:    paid,
		DueAmount:     due,
		Profit:        profit,
		Date:          e.now().UTC(),
		PaymentStatus: domain.DeriveStatus(total, due),
	}

	variants := slices.Clone(product.Variants)
	variants[idx].Quantity = max(0, variants[idx].Quantity-req.Quantity)

	err = e.repo.Commit(ctx, []store.Mutation{
		store.Put(store.CollectionSales, sale.ID, sale),
		store.Patch(store.CollectionProducts, product.ID, map[string]any{"variants": variants}),
		store.Patch(store.CollectionCustomers, customer.ID, map[string]any{
			"total_spent": totalSpent,
			"total_due":   totalDue,
		}),
	})
	if err != nil {
		return domain.Sale{}, fmt.Errorf("record sale: %w", err)
	}

	e.refresh(ctx, store.CollectionSales, store.CollectionProducts, store.CollectionCustomers)
	return sale, nil
}

// ReverseSale deletes a sale, returns its quantity to stock and removes its
// amounts from the customer's balances. Amounts already collected on the
// sale are reported back, not refunded.
func (e *Engine) ReverseSale(ctx context.Context, saleID string) (domain.SaleReversal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	saleID = strings.TrimSpace(saleID)
	snap := e.view.Snapshot()
	sale, ok := findSale(snap, saleID)
	if !ok {
		return domain.SaleReversal{}, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}

	mutations := make([]store.Mutation, 0, 3)
	mutations = append(mutations, store.Delete(store.CollectionSales, sale.ID))

	restored := false
	if product, ok := findProduct(snap, sale.ProductID); ok {
		if idx := product.VariantIndex(sale.Size, sale.Color); idx >= 0 {
			variants := slices.Clone(product.Variants)
			variants[idx].Quantity += sale.Quantity
			mutations = append(mutations, store.Patch(store.CollectionProducts, product.ID, map[string]any{"variants": variants}))
			restored = true
		} else {
			log.Printf("[ledger] WARN: reversing sale %s: variant %s/%s no longer on product %s", sale.ID, sale.Size, sale.Color, product.ID)
		}
	} else {
		log.Printf("[ledger] WARN: reversing sale %s: product %s no longer exists", sale.ID, sale.ProductID)
	}

	if customer, ok := findCustomer(snap, sale.CustomerID); ok {
		mutations = append(mutations, store.Patch(store.CollectionCustomers, customer.ID, map[string]any{
			"total_spent": max(0, customer.TotalSpent-sale.TotalAmount),
			"total_due":   max(0, customer.TotalDue-sale.DueAmount),
		}))
	} else {
		log.Printf("[ledger] WARN: reversing sale %s: customer %s no longer exists", sale.ID, sale.CustomerID)
	}

	if err := e.repo.Commit(ctx, mutations); err != nil {
		return domain.SaleReversal{}, fmt.Errorf("reverse sale: %w", err)
	}

	e.refresh(ctx, store.CollectionSales, store.CollectionProducts, store.CollectionCustomers)
	return domain.SaleReversal{
		Sale:            sale,
		StockRestored:   restored,
		CollectedAmount: sale.PaidAmount,
	}, nil
}

// SettleCustomerPayment applies amount to the customer's outstanding sales,
// oldest first.
func (e *Engine) SettleCustomerPayment(ctx context.Context, customerID string, amount int64) (domain.Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	customerID = strings.TrimSpace(customerID)
	if amount <= 0 {
		return domain.Settlement{}, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidTransaction)
	}

	snap := e.view.Snapshot()
	customer, ok := findCustomer(snap, customerID)
	if !ok {
		return domain.Settlement{}, fmt.Errorf("%w: customer %s", store.ErrNotFound, customerID)
	}
	if amount > customer.TotalDue {
		return domain.Settlement{}, fmt.Errorf("%w: payment %d exceeds outstanding due %d", store.ErrInvalidTransaction, amount, customer.TotalDue)
	}

	open := OutstandingSales(snap, customer.ID)
	allocations := Allocate(open, amount)

	settlement := domain.Settlement{
		CustomerID:    customer.ID,
		Amount:        amount,
		Allocations:   allocations,
		TotalDueAfter: max(0, customer.TotalDue-amount),
	}

	mutations := make([]store.Mutation, 0, len(allocations)+1)
	mutations = append(mutations, store.Patch(store.CollectionCustomers, customer.ID, map[string]any{
		"total_due": settlement.TotalDueAfter,
	}))
	byID := make(map[string]domain.Sale, len(open))
	for _, sale := range open {
		byID[sale.ID] = sale
	}
	for _, alloc := range allocations {
		sale := byID[alloc.SaleID]
		mutations = append(mutations, store.Patch(store.CollectionSales, sale.ID, map[string]any{
			"due_amount":     alloc.DueAfter,
			"paid_amount":    sale.PaidAmount + alloc.Applied,
			"payment_status": domain.DeriveStatus(sale.TotalAmount, alloc.DueAfter),
		}))
	}

	if err := e.repo.Commit(ctx, mutations); err != nil {
		return domain.Settlement{}, fmt.Errorf("settle payment: %w", err)
	}

	e.refresh(ctx, store.CollectionSales, store.CollectionCustomers)
	return settlement, nil
}

// Apply runs a catalogue change under the engine lock so it cannot
// interleave with a sale, reversal or settlement. build sees the current
// snapshot and returns the batch to commit; an empty batch commits nothing.
func (e *Engine) Apply(ctx context.Context, build func(domain.Snapshot) ([]store.Mutation, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	mutations, err := build(e.view.Snapshot())
	if err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}
	if err := e.repo.Commit(ctx, mutations); err != nil {
		return err
	}

	touched := make([]string, 0, len(mutations))
	for _, m := range mutations {
		if !slices.Contains(touched, m.Collection) {
			touched = append(touched, m.Collection)
		}
	}
	e.refresh(ctx, touched...)
	return nil
}

// OutstandingSales returns the customer's sales that still carry a due,
// oldest first. Ties on date fall back to the sale id.
func OutstandingSales(snap domain.Snapshot, customerID string) []domain.Sale {
	open := make([]domain.Sale, 0, 8)
	for _, sale := range snap.Sales {
		if sale.CustomerID == customerID && sale.DueAmount > 0 {
			open = append(open, sale)
		}
	}
	slices.SortFunc(open, func(a, b domain.Sale) int {
		return cmp.Or(a.Date.Compare(b.Date), cmp.Compare(a.ID, b.ID))
	})
	return open
}

// Allocate walks sales in order, paying each one down until amount runs out.
func Allocate(sales []domain.Sale, amount int64) []domain.Allocation {
	remaining := amount
	allocations := make([]domain.Allocation, 0, len(sales))
	for _, sale := range sales {
		if remaining <= 0 {
			break
		}
		applied := min(sale.DueAmount, remaining)
		remaining -= applied
		allocations = append(allocations, domain.Allocation{
			SaleID:   sale.ID,
			Applied:  applied,
			DueAfter: sale.DueAmount - applied,
		})
	}
	return allocations
}

// mulAmount multiplies a minor-unit amount by a positive quantity and
// reports false when the product does not fit in an int64.
func mulAmount(amount int64, quantity int) (int64, bool) {
	n := int64(quantity)
	if n <= 0 {
		return 0, n == 0
	}
	if amount > math.MaxInt64/n || amount < math.MinInt64/n {
		return 0, false
	}
	return amount * n, true
}

func addAmount(a int64, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func paidAmount(payment domain.Payment, total int64) (int64, error) {
	switch payment.Kind {
	case domain.PaymentKindFullPaid:
		return total, nil
	case domain.PaymentKindDue:
		return 0, nil
	case domain.PaymentKindPartialPaid:
		if payment.AmountReceived < 0 || payment.AmountReceived > total {
			return 0, fmt.Errorf("%w: amount_received must be between 0 and %d", store.ErrInvalidTransaction, total)
		}
		return payment.AmountReceived, nil
	default:
		return 0, fmt.Errorf("%w: unknown payment kind %q", store.ErrInvalidTransaction, payment.Kind)
	}
}

func (e *Engine) refresh(ctx context.Context, collections ...string) {
	if err := e.view.Refresh(ctx, collections...); err != nil {
		log.Printf("[ledger] WARN: committed but could not reload %v: %v", collections, err)
	}
}

func findCustomer(snap domain.Snapshot, id string) (domain.Customer, bool) {
	for _, c := range snap.Customers {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Customer{}, false
}

func findProduct(snap domain.Snapshot, id string) (domain.Product, bool) {
	for _, p := range snap.Products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}

func findSale(snap domain.Snapshot, id string) (domain.Sale, bool) {
	for _, s := range snap.Sales {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Sale{}, false
}
