package domain

import "time"

// Product is a catalog entry. ID is derived from name+barcode at creation and
// never changes afterwards; Category references a Category by display name.
// A nil TaxRatePercent means the product inherits the store default; an
// explicit 0 marks a tax-exempt product.
type Product struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Sub            string    `json:"sub,omitempty"`
	Size           string    `json:"size,omitempty"`
	PriceCents     int64     `json:"price_cents"`
	Stock          int       `json:"stock"`
	LowStock       int       `json:"low_stock"`
	Barcode        string    `json:"barcode"`
	Image          string    `json:"image,omitempty"`
	TaxRatePercent *float64  `json:"tax_rate_percent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const (
	StockStatusOK  = "in_stock"
	StockStatusLow = "low_stock"
	StockStatusOut = "out_of_stock"
)

// StockStatus classifies current stock against the low-stock threshold.
func (p Product) StockStatus() string {
	switch {
	case p.Stock <= 0:
		return StockStatusOut
	case p.Stock <= p.LowStock:
		return StockStatusLow
	default:
		return StockStatusOK
	}
}

// Category identity is derived from the display name; a rename re-keys the
// document (delete old id, create new id). Products reference the name.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Icon      string    `json:"icon"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CartLine is one uncommitted {product, quantity} pair on a terminal.
type CartLine struct {
	ProductID string `json:"id" validate:"required"`
	Qty       int    `json:"qty" validate:"gt=0"`
}

// OrderLine is a denormalized copy of a product at time of sale. It is never
// a live reference; deleting the product leaves historical lines intact.
type OrderLine struct {
	ProductID  string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Qty        int    `json:"qty"`
	Category   string `json:"category,omitempty"`
	Sub        string `json:"sub,omitempty"`
	Size       string `json:"size,omitempty"`
	Barcode    string `json:"barcode,omitempty"`
}

func (l OrderLine) LineTotalCents() int64 {
	return l.PriceCents * int64(l.Qty)
}

const (
	OrderStatusCompleted = "COMPLETED"
	OrderStatusRefunded  = "REFUNDED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusPending   = "PENDING"
)

const (
	PaymentCard = "CARD"
	PaymentCash = "CASH"
	PaymentUPI  = "UPI"
)

func IsValidOrderStatus(s string) bool {
	switch s {
	case OrderStatusCompleted, OrderStatusRefunded, OrderStatusCancelled, OrderStatusPending:
		return true
	}
	return false
}

func IsValidPaymentMethod(m string) bool {
	switch m {
	case PaymentCard, PaymentCash, PaymentUPI:
		return true
	}
	return false
}

// Order is an immutable-by-default sale record. Key is the storage key (may
// differ from ReceiptID); Seq is the receipt sequence consumed at checkout,
// zero for manual admin entries.
type Order struct {
	Key            string      `json:"key"`
	Seq            int64       `json:"seq,omitempty"`
	ReceiptID      string      `json:"receipt_id"`
	TS             time.Time   `json:"ts"`
	TSISO          string      `json:"ts_iso"`
	TimeLabel      string      `json:"time_label"`
	Items          []OrderLine `json:"items"`
	Method         string      `json:"method"`
	Status         string      `json:"status"`
	Cashier        string      `json:"cashier"`
	Terminal       string      `json:"terminal"`
	SubtotalCents  int64       `json:"subtotal_cents"`
	TaxCents       int64       `json:"tax_cents"`
	AmountCents    int64       `json:"amount_cents"`
	TaxRatePercent float64     `json:"tax_rate_percent"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Session identifies who is operating a terminal. It is supplied by the auth
// collaborator (JWT claims); the core only consumes it.
type Session struct {
	CashierName string `json:"cashier_name"`
	Terminal    string `json:"terminal"`
	Role        string `json:"role"`
}

// Actor is the authenticated principal attached to a request context.
type Actor struct {
	Username string
	Role     string
	Session  Session
}

type ProductCreateRequest struct {
	Name           string  `json:"name" validate:"required"`
	Category       string  `json:"category" validate:"required"`
	Sub            string  `json:"sub"`
	Size           string  `json:"size"`
	PriceCents     int64   `json:"price_cents" validate:"gte=0"`
	Stock          int     `json:"stock" validate:"gte=0"`
	LowStock       *int    `json:"low_stock,omitempty" validate:"omitempty,gte=0"`
	Barcode        string  `json:"barcode" validate:"required"`
	Image          string  `json:"image"`
	TaxRatePercent *float64 `json:"tax_rate_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
}

type ProductUpdateRequest struct {
	Name           *string  `json:"name,omitempty"`
	Category       *string  `json:"category,omitempty"`
	Sub            *string  `json:"sub,omitempty"`
	Size           *string  `json:"size,omitempty"`
	PriceCents     *int64   `json:"price_cents,omitempty"`
	Stock          *int     `json:"stock,omitempty"`
	LowStock       *int     `json:"low_stock,omitempty"`
	Barcode        *string  `json:"barcode,omitempty"`
	Image          *string  `json:"image,omitempty"`
	TaxRatePercent *float64 `json:"tax_rate_percent,omitempty"`
}

type RestockRequest struct {
	Stock int `json:"stock" validate:"gte=0"`
}

type CategoryUpsertRequest struct {
	Name string `json:"name" validate:"required"`
	Icon string `json:"icon"`
}

type CheckoutRequest struct {
	Method string     `json:"method"`
	Cart   []CartLine `json:"cart" validate:"required,min=1,dive"`
}

// OrderSaveRequest is the admin edit/manual-entry payload. Totals are never
// trusted from it; the service recomputes subtotal, tax and amount on save.
type OrderSaveRequest struct {
	Key       string      `json:"key"`
	ReceiptID string      `json:"receipt_id"`
	TS        string      `json:"ts"`
	Method    string      `json:"method"`
	Status    string      `json:"status"`
	Cashier   string      `json:"cashier"`
	Terminal  string      `json:"terminal"`
	TaxRate   *float64    `json:"tax_rate_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	Items     []OrderLine `json:"items" validate:"required"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string  `json:"access_token"`
	Role        string  `json:"role"`
	Session     Session `json:"session"`
	ExpiresAt   string  `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username    string `json:"username" validate:"required,min=4"`
	Password    string `json:"password" validate:"required,min=6"`
	CashierName string `json:"cashier_name"`
	Terminal    string `json:"terminal"`
}

type CashierUser struct {
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	CashierName string    `json:"cashier_name"`
	Terminal    string    `json:"terminal"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username    string
	Password    string
	Role        string
	CashierName string
	Terminal    string
	Active      bool
	CreatedAt   time.Time
}

// Snapshot is the serialized mirror state kept in the snapshot cache so reads
// survive a remote outage.
type Snapshot struct {
	Products   []Product  `json:"products"`
	Categories []Category `json:"categories"`
	Orders     []Order    `json:"orders"`
	SavedAt    time.Time  `json:"saved_at"`
}

// ProductSales is one row of the top-products report.
type ProductSales struct {
	Name         string `json:"name"`
	Category     string `json:"category"`
	Units        int    `json:"units"`
	RevenueCents int64  `json:"revenue_cents"`
}

// CategoryRevenue is one slice of the category revenue split.
type CategoryRevenue struct {
	Category     string `json:"category"`
	RevenueCents int64  `json:"revenue_cents"`
}

// TimeBucket is one calendar bucket (day or hour) of revenue.
type TimeBucket struct {
	Label        string `json:"label"`
	Orders       int    `json:"orders"`
	RevenueCents int64  `json:"revenue_cents"`
}

// ReportSummary is the headline block of the reports view.
type ReportSummary struct {
	Orders            int   `json:"orders"`
	RevenueCents      int64 `json:"revenue_cents"`
	AverageOrderCents int64 `json:"average_order_cents"`
}
