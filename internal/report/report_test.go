package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"madira/pos/internal/domain"
)

func sampleOrders() []domain.Order {
	day1 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 31, 18, 30, 0, 0, time.UTC)
	return []domain.Order{
		{
			ReceiptID: "POS-1021", TS: day1, Method: domain.PaymentCash, Status: domain.OrderStatusCompleted,
			Cashier: "Counter 1", Terminal: "POS-1",
			SubtotalCents: 36000, TaxCents: 6480, AmountCents: 42480,
			Items: []domain.OrderLine{
				{ProductID: "lager_001", Name: "House Lager", Category: "Beer", PriceCents: 18000, Qty: 2},
			},
		},
		{
			ReceiptID: "POS-1022", TS: day2, Method: domain.PaymentCard, Status: domain.OrderStatusCompleted,
			Cashier: "Counter 1", Terminal: "POS-1",
			SubtotalCents: 31900, TaxCents: 4257, AmountCents: 36157,
			Items: []domain.OrderLine{
				{ProductID: "lager_001", Name: "House Lager", Category: "Beer", PriceCents: 18000, Qty: 1},
				{ProductID: "peanuts_003", Name: "Salted Peanuts", Category: "Snacks", PriceCents: 9900, Qty: 1},
			},
		},
		{
			ReceiptID: "MANUAL-1756600000000", TS: day2.Add(time.Hour), Method: domain.PaymentUPI, Status: domain.OrderStatusRefunded,
			SubtotalCents: 9900, TaxCents: 0, AmountCents: 9900,
			Items: []domain.OrderLine{
				{ProductID: "peanuts_003", Name: "Salted Peanuts", Category: "Snacks", PriceCents: 9900, Qty: 1},
			},
		},
	}
}

func TestPresetRanges(t *testing.T) {
	// Monday 2026-08-31.
	now := time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC)

	from, to, ok := PresetRange(RangeToday, now, time.UTC)
	if !ok {
		t.Fatal("today not recognized")
	}
	if from.Day() != 31 || to.Sub(from) != 24*time.Hour {
		t.Fatalf("today range: %v..%v", from, to)
	}

	from, _, ok = PresetRange(RangeWeek, now, time.UTC)
	if !ok || from.Weekday() != time.Monday || from.Day() != 31 {
		t.Fatalf("week should start Monday the 31st, got %v", from)
	}

	from, to, ok = PresetRange(RangeAll, now, time.UTC)
	if !ok || !from.IsZero() || !to.IsZero() {
		t.Fatalf("all should be unbounded, got %v..%v", from, to)
	}

	if _, _, ok := PresetRange("fortnight", now, time.UTC); ok {
		t.Fatal("unknown preset accepted")
	}
}

func TestFilterByRange(t *testing.T) {
	orders := sampleOrders()
	from := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	got := FilterByRange(orders, from, time.Time{})
	if len(got) != 2 {
		t.Fatalf("expected 2 orders on/after the 31st, got %d", len(got))
	}

	to := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	got = FilterByRange(orders, time.Time{}, to)
	if len(got) != 1 || got[0].ReceiptID != "POS-1021" {
		t.Fatalf("expected only the day-1 order, got %+v", got)
	}
}

func TestSummarizeCountsEveryStatus(t *testing.T) {
	s := Summarize(sampleOrders())
	if s.Orders != 3 {
		t.Fatalf("orders: %d", s.Orders)
	}
	want := int64(42480 + 36157 + 9900)
	if s.RevenueCents != want {
		t.Fatalf("revenue: want %d, got %d", want, s.RevenueCents)
	}
	if s.AverageOrderCents != want/3 {
		t.Fatalf("average: want %d, got %d", want/3, s.AverageOrderCents)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.Orders != 0 || s.RevenueCents != 0 || s.AverageOrderCents != 0 {
		t.Fatalf("expected zero summary, got %+v", s)
	}
}

func TestTopProducts(t *testing.T) {
	top := TopProducts(sampleOrders(), 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(top))
	}
	if top[0].Name != "House Lager" || top[0].Units != 3 {
		t.Fatalf("unexpected leader: %+v", top[0])
	}
	if top[0].RevenueCents != 54000 {
		t.Fatalf("leader revenue: %d", top[0].RevenueCents)
	}
	if top[1].Name != "Salted Peanuts" || top[1].Units != 2 {
		t.Fatalf("unexpected runner-up: %+v", top[1])
	}
}

func TestTopProductsRanksByRevenueNotUnits(t *testing.T) {
	// One expensive bottle beats a pile of cheap snacks.
	orders := []domain.Order{
		{
			Items: []domain.OrderLine{
				{ProductID: "peanuts_003", Name: "Salted Peanuts", Category: "Snacks", PriceCents: 100, Qty: 50},
				{ProductID: "whisky_007", Name: "Amrut Fusion", Category: "Spirits", PriceCents: 480000, Qty: 1},
			},
		},
	}
	top := TopProducts(orders, 0)
	if len(top) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(top))
	}
	if top[0].Name != "Amrut Fusion" || top[0].RevenueCents != 480000 {
		t.Fatalf("expected the high-revenue product first, got %+v", top[0])
	}
	if top[1].Name != "Salted Peanuts" || top[1].Units != 50 {
		t.Fatalf("unexpected runner-up: %+v", top[1])
	}
}

func TestCategorySplit(t *testing.T) {
	split := CategorySplit(sampleOrders())
	if len(split) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(split))
	}
	if split[0].Category != "Beer" || split[0].RevenueCents != 54000 {
		t.Fatalf("unexpected top category: %+v", split[0])
	}
	if split[1].Category != "Snacks" || split[1].RevenueCents != 19800 {
		t.Fatalf("unexpected second category: %+v", split[1])
	}
}

func TestRevenueByDay(t *testing.T) {
	buckets := RevenueByDay(sampleOrders(), time.UTC)
	if len(buckets) != 2 {
		t.Fatalf("expected 2 day buckets, got %d", len(buckets))
	}
	if buckets[0].Label != "2026-08-30" || buckets[0].Orders != 1 || buckets[0].RevenueCents != 42480 {
		t.Fatalf("unexpected first bucket: %+v", buckets[0])
	}
	if buckets[1].Label != "2026-08-31" || buckets[1].Orders != 2 {
		t.Fatalf("unexpected second bucket: %+v", buckets[1])
	}
}

func TestRevenueByHour(t *testing.T) {
	buckets := RevenueByHour(sampleOrders(), time.UTC)
	if len(buckets) != 3 {
		t.Fatalf("expected 3 hour buckets, got %d", len(buckets))
	}
	if buckets[0].Label != "10" || buckets[2].Label != "19" {
		t.Fatalf("unexpected bucket labels: %+v", buckets)
	}
}

func TestLowStock(t *testing.T) {
	products := []domain.Product{
		{Name: "A", Stock: 0, LowStock: 10},
		{Name: "B", Stock: 4, LowStock: 10},
		{Name: "C", Stock: 40, LowStock: 10},
	}
	low := LowStock(products)
	if len(low) != 2 {
		t.Fatalf("expected 2 low items, got %d", len(low))
	}
	if low[0].Name != "A" || low[1].Name != "B" {
		t.Fatalf("unexpected order: %+v", low)
	}
}

func TestWriteCSVFlattensLineItems(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleOrders()); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// Header plus 4 line items across 3 orders.
	if len(lines) != 5 {
		t.Fatalf("expected 5 csv lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "receipt_id,timestamp,cashier") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "POS-1021") || !strings.Contains(lines[1], "House Lager") {
		t.Fatalf("unexpected first row: %s", lines[1])
	}
	if !strings.Contains(lines[1], "180.00") || !strings.Contains(lines[1], "424.80") {
		t.Fatalf("expected decimal amounts in row: %s", lines[1])
	}
	// The two-line order repeats its totals on both rows.
	if !strings.Contains(lines[2], "361.57") || !strings.Contains(lines[3], "361.57") {
		t.Fatalf("order totals should repeat per line:\n%s\n%s", lines[2], lines[3])
	}
}
