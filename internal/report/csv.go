package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"madira/pos/internal/domain"
)

var csvHeader = []string{
	"receipt_id", "timestamp", "cashier", "terminal", "method", "status",
	"item", "category", "qty", "unit_price", "line_total",
	"order_subtotal", "order_tax", "order_total",
}

// WriteCSV flattens orders into one row per line item. Order-level totals
// repeat on every row of the same order, which is what spreadsheet pivot
// tables expect.
func WriteCSV(w io.Writer, orders []domain.Order) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, o := range orders {
		base := []string{
			o.ReceiptID,
			o.TS.UTC().Format(time.RFC3339),
			o.Cashier,
			o.Terminal,
			o.Method,
			o.Status,
		}
		if len(o.Items) == 0 {
			row := append(append([]string{}, base...),
				"", "", "0", "0.00", "0.00",
				cents(o.SubtotalCents), cents(o.TaxCents), cents(o.AmountCents))
			if err := cw.Write(row); err != nil {
				return err
			}
			continue
		}
		for _, line := range o.Items {
			row := append(append([]string{}, base...),
				line.Name,
				line.Category,
				strconv.Itoa(line.Qty),
				cents(line.PriceCents),
				cents(line.LineTotalCents()),
				cents(o.SubtotalCents),
				cents(o.TaxCents),
				cents(o.AmountCents),
			)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// cents renders an int64 cent amount as a decimal string, e.g. 18050 -> "180.50".
func cents(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + strconv.FormatInt(v/100, 10) + "." + pad2(v%100)
}

func pad2(v int64) string {
	if v < 10 {
		return "0" + strconv.FormatInt(v, 10)
	}
	return strconv.FormatInt(v, 10)
}
