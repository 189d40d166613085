package identity

import (
	"strconv"
	"strings"
	"time"
)

const (
	productSlugMax  = 24
	categorySlugMax = 50
	barcodeSuffix   = 6
)

// slugify lowercases the input, collapses every run of non-alphanumeric
// characters into a single underscore, strips leading/trailing underscores
// and truncates to max.
func slugify(input string, max int) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(input)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	s := strings.Trim(b.String(), "_")
	if len(s) > max {
		s = strings.Trim(s[:max], "_")
	}
	return s
}

// ProductID derives a stable product document id from name and barcode.
// The id is assigned once at creation and never recomputed on edits.
func ProductID(name string, barcode string) string {
	base := slugify(name, productSlugMax)
	if base == "" {
		base = "product"
	}
	code := strings.TrimSpace(barcode)
	if len(code) > barcodeSuffix {
		code = code[len(code)-barcodeSuffix:]
	}
	return strings.ToLower(base + "_" + code)
}

// CategoryID derives the category document id from its display name. A rename
// therefore re-keys the category: the old id is deleted and a new one created.
func CategoryID(name string) string {
	s := slugify(name, categorySlugMax)
	if s == "" {
		return "cat"
	}
	return s
}

// OrderKey builds the storage key for a checkout-produced order from its
// receipt id and timestamp, so a manual re-entry of the same receipt id can
// never collide with the original record.
func OrderKey(receiptID string, ts time.Time) string {
	iso := ts.UTC().Format("2006-01-02T15:04:05.000Z")
	iso = strings.NewReplacer(":", "-", ".", "-").Replace(iso)
	return receiptID + "_" + iso
}

// ManualReceiptID labels an out-of-band admin order entry. Manual orders do
// not consume the receipt sequence.
func ManualReceiptID(now time.Time) string {
	return "MANUAL-" + strconv.FormatInt(now.UnixMilli(), 10)
}
