package report

import (
	"sort"
	"time"

	"madira/pos/internal/domain"
)

// Preset range names accepted by the reports API.
const (
	RangeToday = "today"
	RangeWeek  = "week"
	RangeMonth = "month"
	RangeYear  = "year"
	RangeAll   = "all"
)

// PresetRange resolves a named range to [from, to) in loc. "week" starts on
// Monday. "all" returns ok with zero bounds, meaning unbounded.
func PresetRange(name string, now time.Time, loc *time.Location) (from time.Time, to time.Time, ok bool) {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	switch name {
	case RangeToday:
		return midnight, midnight.AddDate(0, 0, 1), true
	case RangeWeek:
		offset := (int(local.Weekday()) + 6) % 7 // Monday = 0
		start := midnight.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), true
	case RangeMonth:
		start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0), true
	case RangeYear:
		start := time.Date(local.Year(), 1, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(1, 0, 0), true
	case RangeAll:
		return time.Time{}, time.Time{}, true
	}
	return time.Time{}, time.Time{}, false
}

// FilterByRange keeps orders with from <= TS < to. Zero bounds are open.
func FilterByRange(orders []domain.Order, from, to time.Time) []domain.Order {
	out := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		if !from.IsZero() && o.TS.Before(from) {
			continue
		}
		if !to.IsZero() && !o.TS.Before(to) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Summarize computes the headline numbers. Every order in the slice counts
// regardless of status; callers filter first if they want completed-only.
func Summarize(orders []domain.Order) domain.ReportSummary {
	var s domain.ReportSummary
	for _, o := range orders {
		s.Orders++
		s.RevenueCents += o.AmountCents
	}
	if s.Orders > 0 {
		s.AverageOrderCents = s.RevenueCents / int64(s.Orders)
	}
	return s
}

// TopProducts ranks products by revenue, ties broken by units then name.
func TopProducts(orders []domain.Order, k int) []domain.ProductSales {
	type acc struct {
		units   int
		revenue int64
		cat     string
	}
	byName := make(map[string]*acc)
	for _, o := range orders {
		for _, line := range o.Items {
			a := byName[line.Name]
			if a == nil {
				a = &acc{cat: line.Category}
				byName[line.Name] = a
			}
			a.units += line.Qty
			a.revenue += line.LineTotalCents()
		}
	}

	out := make([]domain.ProductSales, 0, len(byName))
	for name, a := range byName {
		out = append(out, domain.ProductSales{
			Name:         name,
			Category:     a.cat,
			Units:        a.units,
			RevenueCents: a.revenue,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RevenueCents != out[j].RevenueCents {
			return out[i].RevenueCents > out[j].RevenueCents
		}
		if out[i].Units != out[j].Units {
			return out[i].Units > out[j].Units
		}
		return out[i].Name < out[j].Name
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// CategorySplit sums line revenue per category, largest first. Lines with no
// category land in "Uncategorized".
func CategorySplit(orders []domain.Order) []domain.CategoryRevenue {
	byCat := make(map[string]int64)
	for _, o := range orders {
		for _, line := range o.Items {
			cat := line.Category
			if cat == "" {
				cat = "Uncategorized"
			}
			byCat[cat] += line.LineTotalCents()
		}
	}

	out := make([]domain.CategoryRevenue, 0, len(byCat))
	for cat, revenue := range byCat {
		out = append(out, domain.CategoryRevenue{Category: cat, RevenueCents: revenue})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RevenueCents != out[j].RevenueCents {
			return out[i].RevenueCents > out[j].RevenueCents
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// RevenueByDay buckets order totals per calendar day in loc, chronological.
func RevenueByDay(orders []domain.Order, loc *time.Location) []domain.TimeBucket {
	return bucketBy(orders, func(ts time.Time) string {
		return ts.In(loc).Format("2006-01-02")
	})
}

// RevenueByHour buckets order totals per hour of day (00..23) in loc.
func RevenueByHour(orders []domain.Order, loc *time.Location) []domain.TimeBucket {
	return bucketBy(orders, func(ts time.Time) string {
		return ts.In(loc).Format("15")
	})
}

func bucketBy(orders []domain.Order, label func(time.Time) string) []domain.TimeBucket {
	byLabel := make(map[string]*domain.TimeBucket)
	for _, o := range orders {
		l := label(o.TS)
		b := byLabel[l]
		if b == nil {
			b = &domain.TimeBucket{Label: l}
			byLabel[l] = b
		}
		b.Orders++
		b.RevenueCents += o.AmountCents
	}

	out := make([]domain.TimeBucket, 0, len(byLabel))
	for _, b := range byLabel {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// LowStock lists products at or below their low-stock threshold, most
// depleted first.
func LowStock(products []domain.Product) []domain.Product {
	out := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if p.StockStatus() != domain.StockStatusOK {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stock != out[j].Stock {
			return out[i].Stock < out[j].Stock
		}
		return out[i].Name < out[j].Name
	})
	return out
}
