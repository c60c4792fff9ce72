// Package aggregate derives dashboard and report figures from a snapshot.
// Every function is pure: the same snapshot and clock give the same result.
package aggregate

import (
	"fmt"
	"time"

	"sylsas/backend/internal/domain"
)

const DefaultLowStockThreshold = 5

const recentSalesLimit = 5

func TotalProfit(snap domain.Snapshot) int64 {
	var total int64
	for _, s := range snap.Sales {
		total += s.Profit
	}
	return total
}

func TotalExpense(snap domain.Snapshot) int64 {
	var total int64
	for _, e := range snap.Expenses {
		total += e.Amount
	}
	return total
}

func NetIncome(snap domain.Snapshot) int64 {
	return TotalProfit(snap) - TotalExpense(snap)
}

// StockValuation values every unit on hand at its purchase price.
func StockValuation(snap domain.Snapshot) int64 {
	var total int64
	for _, p := range snap.Products {
		total += p.PurchasePrice * int64(p.TotalQuantity())
	}
	return total
}

// TodaysRevenue sums sale totals dated on now's calendar day in now's location.
func TodaysRevenue(snap domain.Snapshot, now time.Time) int64 {
	var total int64
	for _, s := range snap.Sales {
		if sameDay(s.Date, now) {
			total += s.TotalAmount
		}
	}
	return total
}

// DailySeries returns one point per calendar day for the n days ending
// today, oldest first. Days without activity are zero.
func DailySeries(snap domain.Snapshot, now time.Time, n int) []domain.DailyPoint {
	if n < 1 {
		return []domain.DailyPoint{}
	}
	loc := now.Location()
	today := startOfDay(now)
	first := today.AddDate(0, 0, -(n - 1))

	points := make([]domain.DailyPoint, n)
	index := make(map[string]int, n)
	for i := 0; i < n; i++ {
		day := first.AddDate(0, 0, i)
		key := day.Format(time.DateOnly)
		points[i] = domain.DailyPoint{Date: key, Label: day.Format("Jan 2")}
		index[key] = i
	}

	for _, s := range snap.Sales {
		if i, ok := index[s.Date.In(loc).Format(time.DateOnly)]; ok {
			points[i].Revenue += s.TotalAmount
			points[i].Profit += s.Profit
		}
	}
	for _, e := range snap.Expenses {
		if i, ok := index[e.Date.In(loc).Format(time.DateOnly)]; ok {
			points[i].Expense += e.Amount
		}
	}
	return points
}

// LowStock returns products with at least one variant below threshold.
func LowStock(snap domain.Snapshot, threshold int) []domain.Product {
	out := make([]domain.Product, 0)
	for _, p := range snap.Products {
		for _, v := range p.Variants {
			if v.Quantity < threshold {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// TotalOutstandingDue sums customer balances.
func TotalOutstandingDue(snap domain.Snapshot) int64 {
	var total int64
	for _, c := range snap.Customers {
		total += c.TotalDue
	}
	return total
}

// OutstandingDueFromSales sums sale dues. It equals TotalOutstandingDue
// while every customer's balance is consistent.
func OutstandingDueFromSales(snap domain.Snapshot) int64 {
	var total int64
	for _, s := range snap.Sales {
		total += s.DueAmount
	}
	return total
}

func MonthlyExpense(snap domain.Snapshot, now time.Time) int64 {
	loc := now.Location()
	var total int64
	for _, e := range snap.Expenses {
		d := e.Date.In(loc)
		if d.Year() == now.Year() && d.Month() == now.Month() {
			total += e.Amount
		}
	}
	return total
}

func Dashboard(snap domain.Snapshot, now time.Time, threshold int) domain.Dashboard {
	recent := snap.Sales
	if len(recent) > recentSalesLimit {
		recent = recent[:recentSalesLimit]
	}
	return domain.Dashboard{
		GeneratedAt:    now.UTC(),
		TotalProfit:    TotalProfit(snap),
		TotalExpense:   TotalExpense(snap),
		NetIncome:      NetIncome(snap),
		StockValuation: StockValuation(snap),
		TodaysRevenue:  TodaysRevenue(snap, now),
		TotalDue:       TotalOutstandingDue(snap),
		MonthlyExpense: MonthlyExpense(snap, now),
		ProductCount:   len(snap.Products),
		CustomerCount:  len(snap.Customers),
		LowStock:       LowStock(snap, threshold),
		LowStockLimit:  threshold,
		RecentSales:    append([]domain.Sale(nil), recent...),
		WeeklySeries:   DailySeries(snap, now, 7),
	}
}

func Report(snap domain.Snapshot, now time.Time, days int) domain.Report {
	if days < 1 {
		days = 7
	}
	series := DailySeries(snap, now, days)
	report := domain.Report{
		From:           series[0].Date,
		To:             series[len(series)-1].Date,
		Days:           days,
		Series:         series,
		TotalProfit:    TotalProfit(snap),
		TotalExpense:   TotalExpense(snap),
		NetIncome:      NetIncome(snap),
		SalesDue:       OutstandingDueFromSales(snap),
		StockValuation: StockValuation(snap),
	}
	for _, p := range series {
		report.WindowRevenue += p.Revenue
		report.WindowProfit += p.Profit
		report.WindowExpense += p.Expense
	}
	end := startOfDay(now).AddDate(0, 0, 1)
	first := end.AddDate(0, 0, -days)
	for _, s := range snap.Sales {
		if !s.Date.Before(first) && s.Date.Before(end) {
			report.SaleCount++
		}
	}
	for _, e := range snap.Expenses {
		if !e.Date.Before(first) && e.Date.Before(end) {
			report.ExpenseCount++
		}
	}
	return report
}

// CustomerStatement returns the customer and their sales, newest first.
func CustomerStatement(snap domain.Snapshot, customerID string) (domain.CustomerStatement, bool) {
	for _, c := range snap.Customers {
		if c.ID != customerID {
			continue
		}
		statement := domain.CustomerStatement{Customer: c, Sales: []domain.Sale{}}
		for _, s := range snap.Sales {
			if s.CustomerID == customerID {
				statement.Sales = append(statement.Sales, s)
				statement.SalesDue += s.DueAmount
			}
		}
		return statement, true
	}
	return domain.CustomerStatement{}, false
}

// CheckDueConsistency lists customers whose balance disagrees with their sales.
func CheckDueConsistency(snap domain.Snapshot) []domain.DueMismatch {
	byCustomer := make(map[string]int64, len(snap.Customers))
	for _, s := range snap.Sales {
		byCustomer[s.CustomerID] += s.DueAmount
	}
	out := make([]domain.DueMismatch, 0)
	for _, c := range snap.Customers {
		if sum := byCustomer[c.ID]; sum != c.TotalDue {
			out = append(out, domain.DueMismatch{
				CustomerID:   c.ID,
				CustomerName: c.Name,
				TotalDue:     c.TotalDue,
				SalesDue:     sum,
			})
		}
	}
	return out
}

// BusinessSummary condenses the snapshot for the insights advisor.
func BusinessSummary(snap domain.Snapshot, threshold int) domain.BusinessSummary {
	low := LowStock(snap, threshold)
	names := make([]string, 0, len(low))
	for _, p := range low {
		names = append(names, p.Name)
	}
	recent := make([]string, 0, recentSalesLimit)
	for i, s := range snap.Sales {
		if i == recentSalesLimit {
			break
		}
		recent = append(recent, fmt.Sprintf("%dx %s for %d", s.Quantity, s.ProductName, s.TotalAmount))
	}
	return domain.BusinessSummary{
		ProductCount:         len(snap.Products),
		SaleCount:            len(snap.Sales),
		TotalExpense:         TotalExpense(snap),
		StockValuation:       StockValuation(snap),
		LowStockProductNames: names,
		RecentSales:          recent,
		TotalProfit:          TotalProfit(snap),
	}
}

func sameDay(t time.Time, now time.Time) bool {
	a := t.In(now.Location())
	return a.Year() == now.Year() && a.YearDay() == now.YearDay()
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
