package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sylsas/backend/internal/domain"
	"sylsas/backend/internal/entities"
	"sylsas/backend/internal/store"
	"sylsas/backend/internal/store/memory"
)

type fixture struct {
	repo   *memory.Store
	view   *entities.Store
	engine *Engine
	clock  time.Time
	seq    int
}

// newFixture seeds one customer and one product with a single M/Red variant.
func newFixture(t *testing.T, stock int, purchasePrice int64) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	require.NoError(t, repo.Put(ctx, store.CollectionCustomers, "c1", domain.Customer{ID: "c1", Name: "Rahim", Phone: "017"}))
	require.NoError(t, repo.Put(ctx, store.CollectionProducts, "p1", domain.Product{
		ID:            "p1",
		Name:          "Kurti",
		Category:      "Women",
		PurchasePrice: purchasePrice,
		SalePrice:     500,
		Variants:      []domain.Variant{{Size: domain.SizeM, Color: "Red", Quantity: stock}},
	}))

	view := entities.New(repo, nil)
	require.NoError(t, view.Start(ctx))
	t.Cleanup(func() { _ = view.Close() })

	f := &fixture{repo: repo, view: view, clock: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	f.engine = New(repo, view,
		WithClock(func() time.Time {
			f.clock = f.clock.Add(time.Minute)
			return f.clock
		}),
		WithIDGenerator(func(prefix string) string {
			f.seq++
			return fmt.Sprintf("%s-%03d", prefix, f.seq)
		}),
	)
	return f
}

func (f *fixture) sell(t *testing.T, qty int, price int64, payment domain.Payment) domain.Sale {
	t.Helper()
	sale, err := f.engine.RecordSale(context.Background(), domain.RecordSaleRequest{
		CustomerID: "c1",
		ProductID:  "p1",
		Size:       domain.SizeM,
		Color:      "Red",
		Quantity:   qty,
		SalePrice:  price,
		Payment:    payment,
	})
	require.NoError(t, err)
	return sale
}

func (f *fixture) stock() int {
	p, _ := f.view.Product("p1")
	return p.Variants[0].Quantity
}

func (f *fixture) customer() domain.Customer {
	c, _ := f.view.Customer("c1")
	return c
}

func TestRecordSaleComputesProfitAndTotals(t *testing.T) {
	f := newFixture(t, 10, 300)

	sale := f.sell(t, 3, 500, domain.Payment{Kind: domain.PaymentKindFullPaid})

	require.Equal(t, int64(1500), sale.TotalAmount)
	require.Equal(t, int64(600), sale.Profit)
	require.Equal(t, int64(1500), sale.PaidAmount)
	require.Equal(t, int64(0), sale.DueAmount)
	require.Equal(t, domain.PaymentFullPaid, sale.PaymentStatus)
	require.Equal(t, "Rahim", sale.CustomerName)
	require.Equal(t, "Kurti", sale.ProductName)
	require.Equal(t, 7, f.stock())
	require.Equal(t, int64(1500), f.customer().TotalSpent)
	require.Equal(t, int64(0), f.customer().TotalDue)
}

func TestRecordSaleOnDueLeavesWholeTotalOutstanding(t *testing.T) {
	f := newFixture(t, 10, 300)

	sale := f.sell(t, 2, 500, domain.Payment{Kind: domain.PaymentKindDue})

	require.Equal(t, int64(0), sale.PaidAmount)
	require.Equal(t, int64(1000), sale.DueAmount)
	require.Equal(t, domain.PaymentDue, sale.PaymentStatus)
	require.Equal(t, int64(1000), f.customer().TotalDue)
}

func TestRecordSalePartialDerivesStatusFromDue(t *testing.T) {
	f := newFixture(t, 10, 300)

	partial := f.sell(t, 1, 500, domain.Payment{Kind: domain.PaymentKindPartialPaid, AmountReceived: 200})
	require.Equal(t, domain.PaymentPartialPaid, partial.PaymentStatus)
	require.Equal(t, int64(300), partial.DueAmount)

	whole := f.sell(t, 1, 500, domain.Payment{Kind: domain.PaymentKindPartialPaid, AmountReceived: 500})
	require.Equal(t, domain.PaymentFullPaid, whole.PaymentStatus)

	none := f.sell(t, 1, 500, domain.Payment{Kind: domain.PaymentKindPartialPaid, AmountReceived: 0})
	require.Equal(t, domain.PaymentDue, none.PaymentStatus)
}

func TestRecordSaleRejectsInsufficientStockWithoutWrites(t *testing.T) {
	f := newFixture(t, 3, 300)
	before := f.view.Snapshot()

	_, err := f.engine.RecordSale(context.Background(), domain.RecordSaleRequest{
		CustomerID: "c1", ProductID: "p1", Size: domain.SizeM, Color: "Red",
		Quantity: 5, SalePrice: 500, Payment: domain.Payment{Kind: domain.PaymentKindFullPaid},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	after := f.view.Snapshot()
	require.Equal(t, before.Version, after.Version, "no collection may change")
	require.Equal(t, 3, f.stock())
	require.Empty(t, after.Sales)
	require.Equal(t, int64(0), f.customer().TotalSpent)
}

func TestRecordSaleValidation(t *testing.T) {
	f := newFixture(t, 3, 300)
	base := domain.RecordSaleRequest{
		CustomerID: "c1", ProductID: "p1", Size: domain.SizeM, Color: "Red",
		Quantity: 1, SalePrice: 500, Payment: domain.Payment{Kind: domain.PaymentKindFullPaid},
	}
	cases := map[string]struct {
		mutate func(*domain.RecordSaleRequest)
		want   error
	}{
		"zero quantity":    {func(r *domain.RecordSaleRequest) { r.Quantity = 0 }, store.ErrInvalidTransaction},
		"zero price":       {func(r *domain.RecordSaleRequest) { r.SalePrice = 0 }, store.ErrInvalidTransaction},
		"overpaid partial": {func(r *domain.RecordSaleRequest) { r.Payment = domain.Payment{Kind: domain.PaymentKindPartialPaid, AmountReceived: 501} }, store.ErrInvalidTransaction},
		"negative partial": {func(r *domain.RecordSaleRequest) { r.Payment = domain.Payment{Kind: domain.PaymentKindPartialPaid, AmountReceived: -1} }, store.ErrInvalidTransaction},
		"unknown payment":  {func(r *domain.RecordSaleRequest) { r.Payment = domain.Payment{Kind: "cheque"} }, store.ErrInvalidTransaction},
		"missing variant":  {func(r *domain.RecordSaleRequest) { r.Color = "Green" }, store.ErrInvalidTransaction},
		"unknown size":     {func(r *domain.RecordSaleRequest) { r.Size = "XXXL" }, store.ErrInvalidTransaction},
		"missing customer": {func(r *domain.RecordSaleRequest) { r.CustomerID = "nobody" }, store.ErrNotFound},
		"missing product":  {func(r *domain.RecordSaleRequest) { r.ProductID = "nothing" }, store.ErrNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.engine.RecordSale(context.Background(), req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Empty(t, f.view.Snapshot().Sales)
}

func TestRecordSaleRejectsAmountsBeyondInt64(t *testing.T) {
	f := newFixture(t, 5, 300)
	_, err := f.engine.RecordSale(context.Background(), domain.RecordSaleRequest{
		CustomerID: "c1", ProductID: "p1", Size: domain.SizeM, Color: "Red",
		Quantity: 2, SalePrice: 5_000_000_000_000_000_000, Payment: domain.Payment{Kind: domain.PaymentKindDue},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	require.Empty(t, f.view.Snapshot().Sales)
	require.Equal(t, 5, f.stock())
	require.Equal(t, int64(0), f.customer().TotalDue)

	f.sell(t, 1, math.MaxInt64-10, domain.Payment{Kind: domain.PaymentKindDue})
	_, err = f.engine.RecordSale(context.Background(), domain.RecordSaleRequest{
		CustomerID: "c1", ProductID: "p1", Size: domain.SizeM, Color: "Red",
		Quantity: 1, SalePrice: 100, Payment: domain.Payment{Kind: domain.PaymentKindDue},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	require.Equal(t, int64(math.MaxInt64-10), f.customer().TotalDue)
	require.Len(t, f.view.Snapshot().Sales, 1)
}

func TestMulAmountBounds(t *testing.T) {
	got, ok := mulAmount(math.MaxInt64/3, 3)
	require.True(t, ok)
	require.Equal(t, int64(math.MaxInt64/3*3), got)

	_, ok = mulAmount(math.MaxInt64/3+1, 3)
	require.False(t, ok)

	got, ok = mulAmount(-200, 3)
	require.True(t, ok)
	require.Equal(t, int64(-600), got)

	_, ok = addAmount(math.MaxInt64, 1)
	require.False(t, ok)
}

func TestReverseSaleRestoresStockExactly(t *testing.T) {
	f := newFixture(t, 10, 300)
	sale := f.sell(t, 4, 500, domain.Payment{Kind: domain.PaymentKindDue})
	require.Equal(t, 6, f.stock())

	reversal, err := f.engine.ReverseSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.True(t, reversal.StockRestored)
	require.Equal(t, 10, f.stock())
	require.Equal(t, int64(0), f.customer().TotalDue)
	require.Equal(t, int64(0), f.customer().TotalSpent)
	require.Empty(t, f.view.Snapshot().Sales)
}

func TestReverseSaleAfterPartialSettlementKeepsDueConsistent(t *testing.T) {
	f := newFixture(t, 10, 300)
	first := f.sell(t, 1, 500, domain.Payment{Kind: domain.PaymentKindDue})
	f.sell(t, 1, 500, domain.Payment{Kind: domain.PaymentKindDue})

	_, err := f.engine.SettleCustomerPayment(context.Background(), "c1", 200)
	require.NoError(t, err)

	reversal, err := f.engine.ReverseSale(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, int64(200), reversal.CollectedAmount)

	requireDueConsistent(t, f.view.Snapshot())
	require.Equal(t, int64(500), f.customer().TotalDue)
}

func TestReverseSaleUnknownID(t *testing.T) {
	f := newFixture(t, 10, 300)
	_, err := f.engine.ReverseSale(context.Background(), "sale-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReverseSaleSkipsDeletedProduct(t *testing.T) {
	f := newFixture(t, 10, 300)
	sale := f.sell(t, 2, 500, domain.Payment{Kind: domain.PaymentKindFullPaid})
	require.NoError(t, f.repo.Delete(context.Background(), store.CollectionProducts, "p1"))

	reversal, err := f.engine.ReverseSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.False(t, reversal.StockRestored)
	require.Empty(t, f.view.Snapshot().Sales)
}

func TestSettlementAllocatesOldestFirst(t *testing.T) {
	f := newFixture(t, 10, 30)
	a := f.sell(t, 1, 100, domain.Payment{Kind: domain.PaymentKindDue})
	b := f.sell(t, 1, 50, domain.Payment{Kind: domain.PaymentKindDue})

	settlement, err := f.engine.SettleCustomerPayment(context.Background(), "c1", 120)
	require.NoError(t, err)
	require.Equal(t, int64(30), settlement.TotalDueAfter)
	require.Equal(t, []domain.Allocation{
		{SaleID: a.ID, Applied: 100, DueAfter: 0},
		{SaleID: b.ID, Applied: 20, DueAfter: 30},
	}, settlement.Allocations)

	gotA, _ := f.view.Sale(a.ID)
	gotB, _ := f.view.Sale(b.ID)
	require.Equal(t, int64(0), gotA.DueAmount)
	require.Equal(t, int64(100), gotA.PaidAmount)
	require.Equal(t, domain.PaymentFullPaid, gotA.PaymentStatus)
	require.Equal(t, int64(30), gotB.DueAmount)
	require.Equal(t, int64(20), gotB.PaidAmount)
	require.Equal(t, domain.PaymentPartialPaid, gotB.PaymentStatus)
	require.Equal(t, int64(30), f.customer().TotalDue)
}

func TestSettlementOfExactDueClearsEverySale(t *testing.T) {
	f := newFixture(t, 10, 30)
	f.sell(t, 1, 100, domain.Payment{Kind: domain.PaymentKindDue})
	f.sell(t, 2, 75, domain.Payment{Kind: domain.PaymentKindPartialPaid, AmountReceived: 50})

	_, err := f.engine.SettleCustomerPayment(context.Background(), "c1", f.customer().TotalDue)
	require.NoError(t, err)

	require.Equal(t, int64(0), f.customer().TotalDue)
	for _, sale := range f.view.Snapshot().Sales {
		require.Equal(t, int64(0), sale.DueAmount)
		require.Equal(t, domain.PaymentFullPaid, sale.PaymentStatus)
	}
}

func TestSettlementRejectsInvalidAmounts(t *testing.T) {
	f := newFixture(t, 10, 30)
	f.sell(t, 1, 100, domain.Payment{Kind: domain.PaymentKindDue})
	before := f.view.Snapshot().Version

	_, err := f.engine.SettleCustomerPayment(context.Background(), "c1", 0)
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	_, err = f.engine.SettleCustomerPayment(context.Background(), "c1", 101)
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	_, err = f.engine.SettleCustomerPayment(context.Background(), "c2", 10)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.Equal(t, before, f.view.Snapshot().Version)
}

type failingRepo struct {
	*memory.Store
}

func (failingRepo) Commit(context.Context, []store.Mutation) error {
	return fmt.Errorf("%w: rules", store.ErrPermissionDenied)
}

func TestCommitFailureSurfacesAndLeavesStateAlone(t *testing.T) {
	f := newFixture(t, 10, 300)
	engine := New(failingRepo{f.repo}, f.view)

	_, err := engine.RecordSale(context.Background(), domain.RecordSaleRequest{
		CustomerID: "c1", ProductID: "p1", Size: domain.SizeM, Color: "Red",
		Quantity: 1, SalePrice: 500, Payment: domain.Payment{Kind: domain.PaymentKindDue},
	})
	require.True(t, errors.Is(err, store.ErrPermissionDenied))
	require.Equal(t, 10, f.stock())
	require.Equal(t, int64(0), f.customer().TotalDue)
}

func TestApplyCommitsAndRefreshesView(t *testing.T) {
	f := newFixture(t, 4, 300)
	err := f.engine.Apply(context.Background(), func(snap domain.Snapshot) ([]store.Mutation, error) {
		require.Len(t, snap.Products, 1)
		return []store.Mutation{
			store.Patch(store.CollectionProducts, "p1", map[string]any{"name": "Kurti Deluxe"}),
		}, nil
	})
	require.NoError(t, err)

	p, ok := f.view.Product("p1")
	require.True(t, ok)
	require.Equal(t, "Kurti Deluxe", p.Name)
}

func TestApplyBuildErrorWritesNothing(t *testing.T) {
	f := newFixture(t, 4, 300)
	before := f.view.Snapshot().Version
	err := f.engine.Apply(context.Background(), func(domain.Snapshot) ([]store.Mutation, error) {
		return nil, store.ErrInvalidTransaction
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	require.Equal(t, before, f.view.Snapshot().Version)
}

// laggingRepo holds listener deliveries back while hold is set, the way a
// remote listener goroutine can fall behind the writer.
type laggingRepo struct {
	*memory.Store

	mu   sync.Mutex
	hold bool
	held []func()
}

func (r *laggingRepo) Subscribe(ctx context.Context, collection string, handler store.SnapshotHandler) (store.Subscription, error) {
	return r.Store.Subscribe(ctx, collection, func(snapshot store.Snapshot, err error) {
		r.mu.Lock()
		if r.hold {
			r.held = append(r.held, func() { handler(snapshot, err) })
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		handler(snapshot, err)
	})
}

func (r *laggingRepo) deliverLate() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.hold = false
	r.mu.Unlock()
	for _, deliver := range held {
		deliver()
	}
}

func TestLateDeliveryDoesNotRollBackRefreshedState(t *testing.T) {
	ctx := context.Background()
	repo := &laggingRepo{Store: memory.New()}
	require.NoError(t, repo.Put(ctx, store.CollectionCustomers, "c1", domain.Customer{ID: "c1", Name: "Rahim", Phone: "017"}))
	require.NoError(t, repo.Put(ctx, store.CollectionProducts, "p1", domain.Product{
		ID: "p1", Name: "Kurti", Category: "Women", PurchasePrice: 300, SalePrice: 500,
		Variants: []domain.Variant{{Size: domain.SizeM, Color: "Red", Quantity: 10}},
	}))
	view := entities.New(repo, nil)
	require.NoError(t, view.Start(ctx))
	t.Cleanup(func() { _ = view.Close() })
	engine := New(repo, view)

	sell := func() {
		_, err := engine.RecordSale(ctx, domain.RecordSaleRequest{
			CustomerID: "c1", ProductID: "p1", Size: domain.SizeM, Color: "Red",
			Quantity: 1, SalePrice: 500, Payment: domain.Payment{Kind: domain.PaymentKindDue},
		})
		require.NoError(t, err)
	}

	repo.mu.Lock()
	repo.hold = true
	repo.mu.Unlock()
	sell()
	sell()
	repo.deliverLate()
	sell()

	snap := view.Snapshot()
	require.Len(t, snap.Sales, 3)
	p, _ := view.Product("p1")
	require.Equal(t, 7, p.Variants[0].Quantity)
	c, _ := view.Customer("c1")
	require.Equal(t, int64(1500), c.TotalDue)
	requireDueConsistent(t, snap)
}

func requireDueConsistent(t *testing.T, snap domain.Snapshot) {
	t.Helper()
	for _, c := range snap.Customers {
		var sum int64
		for _, s := range snap.Sales {
			if s.CustomerID == c.ID {
				sum += s.DueAmount
			}
		}
		require.Equalf(t, sum, c.TotalDue, "customer %s due drifted from its sales", c.ID)
	}
}
