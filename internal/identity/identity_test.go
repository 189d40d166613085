package identity

import (
	"testing"
	"time"
)

func TestProductID(t *testing.T) {
	cases := []struct {
		name    string
		barcode string
		want    string
	}{
		{"Kingfisher Premium Lager", "8901030580147", "kingfisher_premium_lager_580147"},
		{"Old Monk Rum", "8901411000126", "old_monk_rum_000126"},
		{"IPA (6.2%) — Chilled!", "12345", "ipa_6_2_chilled_12345"},
		{"   ", "999999", "product_999999"},
		{"Beer", "42", "beer_42"},
	}
	for _, c := range cases {
		if got := ProductID(c.name, c.barcode); got != c.want {
			t.Errorf("ProductID(%q, %q) = %q, want %q", c.name, c.barcode, got, c.want)
		}
	}
}

func TestProductIDIsStableAcrossCase(t *testing.T) {
	a := ProductID("Bira 91 White", "8906061920018")
	b := ProductID("BIRA 91 WHITE", "8906061920018")
	if a != b {
		t.Fatalf("case must not change the id: %q vs %q", a, b)
	}
}

func TestProductIDTruncatesLongNames(t *testing.T) {
	id := ProductID("An Extremely Long Product Name That Keeps Going", "580147")
	// slug capped at 24 chars plus "_" plus six barcode digits
	if len(id) > 24+1+6 {
		t.Fatalf("id too long (%d): %q", len(id), id)
	}
}

func TestCategoryID(t *testing.T) {
	cases := []struct{ name, want string }{
		{"Beer", "beer"},
		{"Craft Beer", "craft_beer"},
		{"Wine & Spirits", "wine_spirits"},
		{"!!!", "cat"},
	}
	for _, c := range cases {
		if got := CategoryID(c.name); got != c.want {
			t.Errorf("CategoryID(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestOrderKey(t *testing.T) {
	ts := time.Date(2026, 8, 30, 10, 15, 30, 250*int(time.Millisecond), time.UTC)
	got := OrderKey("POS-1021", ts)
	want := "POS-1021_2026-08-30T10-15-30-250Z"
	if got != want {
		t.Fatalf("OrderKey = %q, want %q", got, want)
	}
}

func TestOrderKeyNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	local := time.Date(2026, 8, 30, 15, 45, 30, 0, loc)
	if got, want := OrderKey("POS-1022", local), OrderKey("POS-1022", local.UTC()); got != want {
		t.Fatalf("zone must not leak into key: %q vs %q", got, want)
	}
}

func TestManualReceiptID(t *testing.T) {
	now := time.UnixMilli(1756500000000)
	if got := ManualReceiptID(now); got != "MANUAL-1756500000000" {
		t.Fatalf("ManualReceiptID = %q", got)
	}
}
