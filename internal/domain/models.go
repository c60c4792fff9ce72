package domain

import "time"

type Size string

const (
	SizeXS  Size = "XS"
	SizeS   Size = "S"
	SizeM   Size = "M"
	SizeL   Size = "L"
	SizeXL  Size = "XL"
	SizeXXL Size = "XXL"
)

var Sizes = []Size{SizeXS, SizeS, SizeM, SizeL, SizeXL, SizeXXL}

func (s Size) Valid() bool {
	for _, known := range Sizes {
		if s == known {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentFullPaid    PaymentStatus = "full_paid"
	PaymentPartialPaid PaymentStatus = "partial_paid"
	PaymentDue         PaymentStatus = "due"
)

type Language string

const (
	LanguageEnglish Language = "en"
	LanguageBengali Language = "bn"
)

func (l Language) Valid() bool {
	return l == LanguageEnglish || l == LanguageBengali
}

var ExpenseCategories = []string{"Rent", "Utility", "Salary", "Transport", "Marketing", "Tea/Snacks", "Other"}

type Variant struct {
	Size     Size   `json:"size"`
	Color    string `json:"color"`
	Quantity int    `json:"quantity"`
}

type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Image         string    `json:"image"`
	PurchasePrice int64     `json:"purchase_price"`
	SalePrice     int64     `json:"sale_price"`
	Variants      []Variant `json:"variants"`
}

func (p Product) TotalQuantity() int {
	total := 0
	for _, v := range p.Variants {
		total += v.Quantity
	}
	return total
}

// VariantIndex returns the position of the (size, color) variant or -1.
func (p Product) VariantIndex(size Size, color string) int {
	for i, v := range p.Variants {
		if v.Size == size && v.Color == color {
			return i
		}
	}
	return -1
}

type Customer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	TotalSpent int64  `json:"total_spent"`
	TotalDue   int64  `json:"total_due"`
}

type Sale struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customer_id"`
	CustomerName  string        `json:"customer_name"`
	ProductID     string        `json:"product_id"`
	ProductName   string        `json:"product_name"`
	Size          Size          `json:"size"`
	Color         string        `json:"color"`
	Quantity      int           `json:"quantity"`
	SalePrice     int64         `json:"sale_price"`
	TotalAmount   int64         `json:"total_amount"`
	PaidAmount    int64         `json:"paid_amount"`
	DueAmount     int64         `json:"due_amount"`
	Profit        int64         `json:"profit"`
	Date          time.Time     `json:"date"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}

type Expense struct {
	ID       string    `json:"id"`
	Category string    `json:"category"`
	Amount   int64     `json:"amount"`
	Date     time.Time `json:"date"`
	Notes    string    `json:"notes"`
}

type ShopProfile struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
	Image string `json:"image"`
	PIN   string `json:"pin"`
}

// Snapshot is an immutable view of every collection at one point in time.
// Sales and expenses are ordered newest first.
type Snapshot struct {
	Products  []Product
	Customers []Customer
	Sales     []Sale
	Expenses  []Expense
	Shop      ShopProfile
	HasShop   bool
	Version   uint64
}

type Preferences struct {
	Language   Language `json:"language"`
	IsLoggedIn bool     `json:"is_logged_in"`
}

type Actor struct {
	Subject string
	Role    string
}

type LoginRequest struct {
	PIN string `json:"pin"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type LanguageRequest struct {
	Language Language `json:"language"`
}

type ProductInput struct {
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Image         string    `json:"image"`
	PurchasePrice int64     `json:"purchase_price"`
	SalePrice     int64     `json:"sale_price"`
	Variants      []Variant `json:"variants"`
}

type ProductUpdateRequest struct {
	Name          *string    `json:"name,omitempty"`
	Category      *string    `json:"category,omitempty"`
	Image         *string    `json:"image,omitempty"`
	PurchasePrice *int64     `json:"purchase_price,omitempty"`
	SalePrice     *int64     `json:"sale_price,omitempty"`
	Variants      *[]Variant `json:"variants,omitempty"`
}

type CustomerInput struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type CustomerUpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Address *string `json:"address,omitempty"`
}

type ExpenseInput struct {
	Category string     `json:"category"`
	Amount   int64      `json:"amount"`
	Date     *time.Time `json:"date,omitempty"`
	Notes    string     `json:"notes"`
}

type ExpenseUpdateRequest struct {
	Category *string    `json:"category,omitempty"`
	Amount   *int64     `json:"amount,omitempty"`
	Date     *time.Time `json:"date,omitempty"`
	Notes    *string    `json:"notes,omitempty"`
}

type ShopProfileUpdateRequest struct {
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
	Role  *string `json:"role,omitempty"`
	Image *string `json:"image,omitempty"`
	PIN   *string `json:"pin,omitempty"`
}

type PaymentKind string

const (
	PaymentKindFullPaid    PaymentKind = "full_paid"
	PaymentKindPartialPaid PaymentKind = "partial_paid"
	PaymentKindDue         PaymentKind = "due"
)

type Payment struct {
	Kind           PaymentKind `json:"kind"`
	AmountReceived int64       `json:"amount_received"`
}

type RecordSaleRequest struct {
	CustomerID string  `json:"customer_id"`
	ProductID  string  `json:"product_id"`
	Size       Size    `json:"size"`
	Color      string  `json:"color"`
	Quantity   int     `json:"quantity"`
	SalePrice  int64   `json:"sale_price"`
	Payment    Payment `json:"payment"`
}

type SaleReversal struct {
	Sale            Sale  `json:"sale"`
	StockRestored   bool  `json:"stock_restored"`
	CollectedAmount int64 `json:"collected_amount"`
}

type PaymentRequest struct {
	Amount int64 `json:"amount"`
}

type Allocation struct {
	SaleID   string `json:"sale_id"`
	Applied  int64  `json:"applied"`
	DueAfter int64  `json:"due_after"`
}

type Settlement struct {
	CustomerID    string       `json:"customer_id"`
	Amount        int64        `json:"amount"`
	Allocations   []Allocation `json:"allocations"`
	TotalDueAfter int64        `json:"total_due_after"`
}

type DailyPoint struct {
	Date    string `json:"date"`
	Label   string `json:"label"`
	Revenue int64  `json:"revenue"`
	Profit  int64  `json:"profit"`
	Expense int64  `json:"expense"`
}

type Dashboard struct {
	GeneratedAt    time.Time    `json:"generated_at"`
	TotalProfit    int64        `json:"total_profit"`
	TotalExpense   int64        `json:"total_expense"`
	NetIncome      int64        `json:"net_income"`
	StockValuation int64        `json:"stock_valuation"`
	TodaysRevenue  int64        `json:"todays_revenue"`
	TotalDue       int64        `json:"total_due"`
	MonthlyExpense int64        `json:"monthly_expense"`
	ProductCount   int          `json:"product_count"`
	CustomerCount  int          `json:"customer_count"`
	LowStock       []Product    `json:"low_stock"`
	LowStockLimit  int          `json:"low_stock_limit"`
	RecentSales    []Sale       `json:"recent_sales"`
	WeeklySeries   []DailyPoint `json:"weekly_series"`
}

type Report struct {
	From           string       `json:"from"`
	To             string       `json:"to"`
	Days           int          `json:"days"`
	Series         []DailyPoint `json:"series"`
	WindowRevenue  int64        `json:"window_revenue"`
	WindowProfit   int64        `json:"window_profit"`
	WindowExpense  int64        `json:"window_expense"`
	TotalProfit    int64        `json:"total_profit"`
	TotalExpense   int64        `json:"total_expense"`
	NetIncome      int64        `json:"net_income"`
	SalesDue       int64        `json:"sales_due"`
	StockValuation int64        `json:"stock_valuation"`
	SaleCount      int          `json:"sale_count"`
	ExpenseCount   int          `json:"expense_count"`
}

type CustomerStatement struct {
	Customer Customer `json:"customer"`
	Sales    []Sale   `json:"sales"`
	SalesDue int64    `json:"sales_due"`
}

type DueMismatch struct {
	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name"`
	TotalDue     int64  `json:"total_due"`
	SalesDue     int64  `json:"sales_due"`
}

// BusinessSummary is the data handed to the insights collaborator.
type BusinessSummary struct {
	ProductCount         int      `json:"total_products"`
	SaleCount            int      `json:"total_sales"`
	TotalExpense         int64    `json:"total_expenses"`
	StockValuation       int64    `json:"current_stock_value"`
	LowStockProductNames []string `json:"low_stock_items"`
	RecentSales          []string `json:"recent_sales"`
	TotalProfit          int64    `json:"total_profit"`
}

type InsightRequest struct {
	Query string `json:"query"`
}

type InsightAnswer struct {
	Answer   string `json:"answer"`
	Fallback bool   `json:"fallback"`
	Cached   bool   `json:"cached"`
}

type Notice struct {
	Class      string    `json:"class"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Persistent bool      `json:"persistent"`
	At         time.Time `json:"at"`
}
