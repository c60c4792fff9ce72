package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"sylsas/backend/internal/domain"
	"sylsas/backend/internal/entities"
	"sylsas/backend/internal/insights"
	"sylsas/backend/internal/ledger"
	"sylsas/backend/internal/metrics"
	"sylsas/backend/internal/session"
	"sylsas/backend/internal/status"
	"sylsas/backend/internal/store"
	"sylsas/backend/internal/store/memory"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	repo    *memory.Store
	tracker *status.Tracker
	gate    *session.Gate
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo := memory.NewSeeded()
	gate := session.NewGate(session.NewMemoryStore(domain.Preferences{}))
	tracker := status.NewTracker(gate)
	view := entities.New(repo, tracker)
	if err := view.Start(ctx); err != nil {
		t.Fatalf("start entities: %v", err)
	}
	t.Cleanup(func() { _ = view.Close() })

	seq := 0
	newID := func(prefix string) string {
		seq++
		return fmt.Sprintf("%s-%03d", prefix, seq)
	}
	clock := func() time.Time { return testNow }
	engine := ledger.New(repo, view, ledger.WithClock(clock), ledger.WithIDGenerator(newID))
	svc := New(view, engine, gate, tracker, insights.NewAdvisor(nil, nil, 0),
		WithClock(clock),
		WithIDGenerator(newID),
		WithMetrics(metrics.New()),
	)
	if err := svc.EnsureShopProfile(ctx, "Sylsas Fashion", "4826"); err != nil {
		t.Fatalf("ensure shop: %v", err)
	}
	return &testEnv{svc: svc, repo: repo, tracker: tracker, gate: gate}
}

func newTestService(t *testing.T) *Service {
	return newTestEnv(t).svc
}

func TestLoginUsesShopPIN(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ok, err := svc.Login(ctx, "0000")
	if err != nil || ok {
		t.Fatalf("expected wrong pin to be rejected, ok=%v err=%v", ok, err)
	}
	ok, err = svc.Login(ctx, " 4826 ")
	if err != nil || !ok {
		t.Fatalf("expected pin to be accepted, ok=%v err=%v", ok, err)
	}
	if !svc.IsLoggedIn() {
		t.Fatalf("expected session to be logged in")
	}
	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if svc.IsLoggedIn() {
		t.Fatalf("expected logout to clear session")
	}
}

func TestEnsureShopProfileKeepsExisting(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.EnsureShopProfile(ctx, "Other Shop", "9999"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	shop, err := svc.Shop(ctx)
	if err != nil {
		t.Fatalf("shop: %v", err)
	}
	if shop.Name != "Sylsas Fashion" || shop.PIN != "" {
		t.Fatalf("expected original profile with hidden pin, got %+v", shop)
	}
	if ok, _ := svc.Login(ctx, "9999"); ok {
		t.Fatalf("expected original pin to remain in force")
	}
}

func TestUpdateShopChangesPIN(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	pin := "7351"
	name := "Sylsas Fashion House"

	shop, err := svc.UpdateShop(ctx, domain.ShopProfileUpdateRequest{Name: &name, PIN: &pin})
	if err != nil {
		t.Fatalf("update shop: %v", err)
	}
	if shop.Name != name || shop.PIN != "" {
		t.Fatalf("unexpected shop %+v", shop)
	}
	if ok, _ := svc.Login(ctx, "7351"); !ok {
		t.Fatalf("expected new pin to work")
	}

	empty := " "
	if _, err := svc.UpdateShop(ctx, domain.ShopProfileUpdateRequest{PIN: &empty}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected empty pin to be invalid, got %v", err)
	}
}

func TestUpdateShopRejectsWeakPINs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, weak := range []string{"1", "abcd", "1111", "1234", "9876", "48 26"} {
		pin := weak
		if _, err := svc.UpdateShop(ctx, domain.ShopProfileUpdateRequest{PIN: &pin}); !errors.Is(err, store.ErrInvalidTransaction) {
			t.Fatalf("expected pin %q to be rejected, got %v", weak, err)
		}
	}
	if ok, _ := svc.Login(ctx, "4826"); !ok {
		t.Fatalf("expected original pin to remain in force")
	}
}

func TestProductLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateProduct(ctx, domain.ProductInput{
		Name:          "Silk Saree",
		Category:      "Women",
		PurchasePrice: 250000,
		SalePrice:     390000,
		Variants:      []domain.Variant{{Size: domain.SizeM, Color: "Red", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	found := svc.ListProducts(ctx, "saree")
	if len(found) != 1 || found[0].ID != created.ID {
		t.Fatalf("expected search to find new product, got %+v", found)
	}

	price := int64(410000)
	updated, err := svc.UpdateProduct(ctx, created.ID, domain.ProductUpdateRequest{SalePrice: &price})
	if err != nil {
		t.Fatalf("update product: %v", err)
	}
	if updated.SalePrice != price || updated.Variants[0].Quantity != 3 {
		t.Fatalf("unexpected update result %+v", updated)
	}

	dup := []domain.Variant{{Size: domain.SizeM, Color: "Red", Quantity: 1}, {Size: domain.SizeM, Color: "Red", Quantity: 2}}
	if _, err := svc.UpdateProduct(ctx, created.ID, domain.ProductUpdateRequest{Variants: &dup}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected duplicate variants to be rejected, got %v", err)
	}

	if err := svc.DeleteProduct(ctx, created.ID); err != nil {
		t.Fatalf("delete product: %v", err)
	}
	if _, err := svc.GetProduct(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCreateProductValidation(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateProduct(context.Background(), domain.ProductInput{Name: "", Category: "Women", SalePrice: -1})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}
	if !strings.Contains(err.Error(), "name is required") {
		t.Fatalf("expected field detail in error, got %v", err)
	}
}

func TestSetProductImageStoresThumbnail(t *testing.T) {
	svc := newTestService(t)
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatalf("encode: %v", err)
	}

	product, err := svc.SetProductImage(context.Background(), "prd-tee-01", buf.Bytes())
	if err != nil {
		t.Fatalf("set image: %v", err)
	}
	if !strings.HasPrefix(product.Image, "data:image/jpeg;base64,") {
		t.Fatalf("expected jpeg data uri, got %.40s", product.Image)
	}

	if _, err := svc.SetProductImage(context.Background(), "prd-tee-01", []byte("not an image")); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for bad upload, got %v", err)
	}
}

func TestSaleSettlementAndStatementFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sale, err := svc.RecordSale(ctx, domain.RecordSaleRequest{
		CustomerID: "cus-rahim",
		ProductID:  "prd-panjabi-01",
		Size:       domain.SizeM,
		Color:      "White",
		Quantity:   2,
		SalePrice:  145000,
		Payment:    domain.Payment{Kind: domain.PaymentKindPartialPaid, AmountReceived: 100000},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if sale.DueAmount != 190000 || sale.PaymentStatus != domain.PaymentPartialPaid {
		t.Fatalf("unexpected sale %+v", sale)
	}

	settlement, err := svc.SettleCustomerPayment(ctx, "cus-rahim", 90000)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.TotalDueAfter != 100000 {
		t.Fatalf("expected 100000 outstanding, got %d", settlement.TotalDueAfter)
	}

	statement, err := svc.CustomerStatement(ctx, "cus-rahim")
	if err != nil {
		t.Fatalf("statement: %v", err)
	}
	if statement.SalesDue != statement.Customer.TotalDue {
		t.Fatalf("expected statement to be consistent, got %+v", statement)
	}
	if mismatches := svc.DueConsistency(ctx); len(mismatches) != 0 {
		t.Fatalf("expected no due mismatches, got %+v", mismatches)
	}

	if got := svc.ListSales(ctx, "panjabi", 10); len(got) != 1 {
		t.Fatalf("expected sale search to match, got %d", len(got))
	}

	dash := svc.Dashboard(ctx)
	if dash.TodaysRevenue != 290000 || dash.TotalDue != 100000 {
		t.Fatalf("unexpected dashboard %+v", dash)
	}

	reversal, err := svc.ReverseSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversal.CollectedAmount != 190000 || !reversal.StockRestored {
		t.Fatalf("unexpected reversal %+v", reversal)
	}
	customer, _ := svc.GetCustomer(ctx, "cus-rahim")
	if customer.TotalDue != 0 || customer.TotalSpent != 0 {
		t.Fatalf("expected balances to return to zero, got %+v", customer)
	}
}

func TestDeleteCustomerRejectedWhileOwing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RecordSale(ctx, domain.RecordSaleRequest{
		CustomerID: "cus-rahim",
		ProductID:  "prd-tee-01",
		Size:       domain.SizeS,
		Color:      "Black",
		Quantity:   1,
		SalePrice:  35000,
		Payment:    domain.Payment{Kind: domain.PaymentKindDue},
	}); err != nil {
		t.Fatalf("record sale: %v", err)
	}

	if err := svc.DeleteCustomer(ctx, "cus-rahim"); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected delete to be refused, got %v", err)
	}
	if _, err := svc.SettleCustomerPayment(ctx, "cus-rahim", 35000); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := svc.DeleteCustomer(ctx, "cus-rahim"); err != nil {
		t.Fatalf("expected delete after settlement, got %v", err)
	}
}

func TestUpdateCustomerKeepsBalances(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RecordSale(ctx, domain.RecordSaleRequest{
		CustomerID: "cus-rahim",
		ProductID:  "prd-tee-01",
		Size:       domain.SizeS,
		Color:      "Black",
		Quantity:   1,
		SalePrice:  35000,
		Payment:    domain.Payment{Kind: domain.PaymentKindDue},
	}); err != nil {
		t.Fatalf("record sale: %v", err)
	}

	phone := "01811000000"
	updated, err := svc.UpdateCustomer(ctx, "cus-rahim", domain.CustomerUpdateRequest{Phone: &phone})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Phone != phone || updated.TotalDue != 35000 {
		t.Fatalf("unexpected customer %+v", updated)
	}
	if found := svc.ListCustomers(ctx, "0181"); len(found) != 1 {
		t.Fatalf("expected phone search to match, got %+v", found)
	}
}

func TestExpenseLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	expense, err := svc.CreateExpense(ctx, domain.ExpenseInput{Category: "Rent", Amount: 1500000})
	if err != nil {
		t.Fatalf("create expense: %v", err)
	}
	if !expense.Date.Equal(testNow) {
		t.Fatalf("expected default date %v, got %v", testNow, expense.Date)
	}

	amount := int64(1200000)
	updated, err := svc.UpdateExpense(ctx, expense.ID, domain.ExpenseUpdateRequest{Amount: &amount})
	if err != nil {
		t.Fatalf("update expense: %v", err)
	}
	if updated.Amount != amount || !updated.Date.Equal(testNow) {
		t.Fatalf("unexpected update %+v", updated)
	}
	if got := svc.Dashboard(ctx).MonthlyExpense; got != amount {
		t.Fatalf("expected monthly expense %d, got %d", amount, got)
	}

	if err := svc.DeleteExpense(ctx, expense.ID); err != nil {
		t.Fatalf("delete expense: %v", err)
	}
	if len(svc.ListExpenses(ctx, 0)) != 0 {
		t.Fatalf("expected no expenses left")
	}
	if _, err := svc.CreateExpense(ctx, domain.ExpenseInput{Category: "Rent", Amount: 0}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected zero amount to be invalid, got %v", err)
	}
}

func TestAskWithoutGeneratorFallsBack(t *testing.T) {
	svc := newTestService(t)
	answer := svc.Ask(context.Background(), "How are sales?")
	if !answer.Fallback || answer.Answer != insights.MessageMissingKey {
		t.Fatalf("unexpected answer %+v", answer)
	}
}

type deniedRepo struct {
	*memory.Store
}

func (deniedRepo) Commit(context.Context, []store.Mutation) error {
	return fmt.Errorf("%w: rules rejected write", store.ErrPermissionDenied)
}

func TestPermissionDeniedWriteRaisesPersistentNotice(t *testing.T) {
	ctx := context.Background()
	repo := deniedRepo{Store: memory.NewSeeded()}
	gate := session.NewGate(session.NewMemoryStore(domain.Preferences{Language: domain.LanguageBengali}))
	tracker := status.NewTracker(gate)
	view := entities.New(repo, tracker)
	if err := view.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = view.Close() })
	svc := New(view, ledger.New(repo, view), gate, tracker, nil)

	_, err := svc.CreateCustomer(ctx, domain.CustomerInput{Name: "Karim", Phone: "019"})
	if !errors.Is(err, store.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	notice, ok := svc.Status()
	if !ok || notice.Code != status.CodePermissionDenied || !notice.Persistent {
		t.Fatalf("expected persistent permission notice, got %+v ok=%v", notice, ok)
	}

	if _, err := svc.CreateCustomer(ctx, domain.CustomerInput{Name: "", Phone: ""}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := svc.Status(); !ok {
		t.Fatalf("validation errors must not clear the notice")
	}

	svc.ClearStatus()
	if _, ok := svc.Status(); ok {
		t.Fatalf("expected clear to remove notice")
	}
}
