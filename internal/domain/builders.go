package domain

import (
	"fmt"
	"strings"
	"time"
)

// FieldErrors lists every field that failed validation while building an entity.
type FieldErrors []string

func (e FieldErrors) Error() string {
	return strings.Join(e, "; ")
}

func (e FieldErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

func NewProduct(id string, in ProductInput) (Product, error) {
	var errs FieldErrors
	id = strings.TrimSpace(id)
	if id == "" {
		errs = append(errs, "id is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		errs = append(errs, "name is required")
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		errs = append(errs, "category is required")
	}
	if in.PurchasePrice < 0 {
		errs = append(errs, "purchase_price must be >= 0")
	}
	if in.SalePrice < 0 {
		errs = append(errs, "sale_price must be >= 0")
	}
	variants, variantErrs := NormalizeVariants(in.Variants)
	errs = append(errs, variantErrs...)
	if err := errs.orNil(); err != nil {
		return Product{}, err
	}

	return Product{
		ID:            id,
		Name:          name,
		Category:      category,
		Image:         strings.TrimSpace(in.Image),
		PurchasePrice: in.PurchasePrice,
		SalePrice:     in.SalePrice,
		Variants:      variants,
	}, nil
}

// NormalizeVariants trims colours and rejects unknown sizes, negative
// quantities and duplicate (size, color) pairs.
func NormalizeVariants(in []Variant) ([]Variant, FieldErrors) {
	var errs FieldErrors
	seen := make(map[string]struct{}, len(in))
	out := make([]Variant, 0, len(in))
	for i, v := range in {
		color := strings.TrimSpace(v.Color)
		if !v.Size.Valid() {
			errs = append(errs, fmt.Sprintf("variants[%d].size %q is not a known size", i, v.Size))
		}
		if color == "" {
			errs = append(errs, fmt.Sprintf("variants[%d].color is required", i))
		}
		if v.Quantity < 0 {
			errs = append(errs, fmt.Sprintf("variants[%d].quantity must be >= 0", i))
		}
		key := string(v.Size) + "|" + color
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Sprintf("variants[%d] duplicates %s/%s", i, v.Size, color))
		}
		seen[key] = struct{}{}
		out = append(out, Variant{Size: v.Size, Color: color, Quantity: v.Quantity})
	}
	return out, errs
}

// NewCustomer builds a customer with zero balances. Balances are owned by the ledger.
func NewCustomer(id string, in CustomerInput) (Customer, error) {
	var errs FieldErrors
	id = strings.TrimSpace(id)
	if id == "" {
		errs = append(errs, "id is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		errs = append(errs, "name is required")
	}
	phone := strings.TrimSpace(in.Phone)
	if phone == "" {
		errs = append(errs, "phone is required")
	}
	if err := errs.orNil(); err != nil {
		return Customer{}, err
	}
	return Customer{
		ID:      id,
		Name:    name,
		Phone:   phone,
		Address: strings.TrimSpace(in.Address),
	}, nil
}

func NewExpense(id string, in ExpenseInput, now time.Time) (Expense, error) {
	var errs FieldErrors
	id = strings.TrimSpace(id)
	if id == "" {
		errs = append(errs, "id is required")
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		errs = append(errs, "category is required")
	}
	if in.Amount <= 0 {
		errs = append(errs, "amount must be > 0")
	}
	if err := errs.orNil(); err != nil {
		return Expense{}, err
	}
	date := now.UTC()
	if in.Date != nil && !in.Date.IsZero() {
		date = in.Date.UTC()
	}
	return Expense{
		ID:       id,
		Category: category,
		Amount:   in.Amount,
		Date:     date,
		Notes:    strings.TrimSpace(in.Notes),
	}, nil
}

func NewShopProfile(name string, phone string, role string, image string, pin string) (ShopProfile, error) {
	var errs FieldErrors
	name = strings.TrimSpace(name)
	if name == "" {
		errs = append(errs, "name is required")
	}
	pin = strings.TrimSpace(pin)
	if pin == "" {
		errs = append(errs, "pin is required")
	}
	if err := errs.orNil(); err != nil {
		return ShopProfile{}, err
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = "Owner"
	}
	return ShopProfile{
		Name:  name,
		Phone: strings.TrimSpace(phone),
		Role:  role,
		Image: strings.TrimSpace(image),
		PIN:   pin,
	}, nil
}

// DeriveStatus maps a sale's due against its total onto a payment status.
func DeriveStatus(total int64, due int64) PaymentStatus {
	switch {
	case due <= 0:
		return PaymentFullPaid
	case due >= total:
		return PaymentDue
	default:
		return PaymentPartialPaid
	}
}
